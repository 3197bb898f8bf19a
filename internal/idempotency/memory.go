package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
)

type memoryLock struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local KeyLocker for single-instance runs and tests. Locks
// never expire unless it was built with NewExpiringMemoryLocker.
type MemoryLocker struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[string]memoryLock
}

func NewMemoryLocker() *MemoryLocker {
	return NewExpiringMemoryLocker(0)
}

func NewExpiringMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{ttl: ttl, locks: make(map[string]memoryLock)}
}

var _ interfaces.KeyLocker = (*MemoryLocker)(nil)

// TTL is zero for locks that never expire.
func (l *MemoryLocker) TTL() time.Duration { return l.ttl }

func (l *MemoryLocker) Lock(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.held(key); held {
		return "", false, nil
	}
	token := uuid.New().String()
	l.locks[key] = memoryLock{token: token, expires: l.deadline()}
	return token, true, nil
}

func (l *MemoryLocker) Refresh(_ context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, held := l.held(key)
	if !held || current.token != token {
		return false, nil
	}
	current.expires = l.deadline()
	l.locks[key] = current
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, held := l.held(key); held && current.token == token {
		delete(l.locks, key)
	}
	return nil
}

func (l *MemoryLocker) held(key string) (memoryLock, bool) {
	current, ok := l.locks[key]
	if !ok {
		return memoryLock{}, false
	}
	if !current.expires.IsZero() && !time.Now().Before(current.expires) {
		delete(l.locks, key)
		return memoryLock{}, false
	}
	return current, true
}

func (l *MemoryLocker) deadline() time.Time {
	if l.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(l.ttl)
}
