package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
)

type memoryHold struct {
	accountID string
	amount    int64
	status    string
}

// MemoryLedger is an in-process wallet used by tests and by local runs without a database.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	held     map[string]int64
	holds    map[string]*memoryHold
	tags     map[string]string
	deposits map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		held:     make(map[string]int64),
		holds:    make(map[string]*memoryHold),
		tags:     make(map[string]string),
		deposits: make(map[string]struct{}),
	}
}

var _ interfaces.Ledger = (*MemoryLedger)(nil)

func (l *MemoryLedger) Balance(_ context.Context, accountID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID] - l.held[accountID], nil
}

func (l *MemoryLedger) Hold(_ context.Context, accountID string, amountCents int64, tag string) (string, error) {
	if amountCents <= 0 {
		return "", apperr.ValidationErr("hold amount must be positive", map[string]string{"amount": "must be > 0"})
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.tags[tag]; ok {
		return id, nil
	}
	if available := l.balances[accountID] - l.held[accountID]; available < amountCents {
		return "", apperr.InsufficientFundsErr(amountCents, available)
	}

	id := uuid.New().String()
	l.holds[id] = &memoryHold{accountID: accountID, amount: amountCents, status: holdHeld}
	l.tags[tag] = id
	l.held[accountID] += amountCents
	return id, nil
}

func (l *MemoryLedger) Capture(_ context.Context, holdID string) error {
	return l.closeHold(holdID, holdCaptured)
}

func (l *MemoryLedger) Release(_ context.Context, holdID string) error {
	return l.closeHold(holdID, holdReleased)
}

func (l *MemoryLedger) Deposit(_ context.Context, accountID string, amountCents int64, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.deposits[key]; ok {
		return nil
	}
	l.deposits[key] = struct{}{}
	l.balances[accountID] += amountCents
	return nil
}

// HoldStatus reports HELD, CAPTURED or RELEASED for a hold id.
func (l *MemoryLedger) HoldStatus(holdID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[holdID]; ok {
		return h.status
	}
	return ""
}

func (l *MemoryLedger) closeHold(holdID, target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	switch h.status {
	case target:
		return nil
	case holdHeld:
	default:
		return fmt.Errorf("%w: hold %s is %s", ErrHoldClosed, holdID, h.status)
	}

	l.held[h.accountID] -= h.amount
	if target == holdCaptured {
		l.balances[h.accountID] -= h.amount
	}
	h.status = target
	return nil
}
