package memory

import (
	"context"
	"sync"
	"time"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// PaymentRepository keeps payment records in process memory. Records are cloned on the
// way in and out so callers never share state with the store.
type PaymentRepository struct {
	mu              sync.RWMutex
	nextID          int64
	records         map[int64]*models.PaymentRecord
	idempotencyKeys map[string]int64
	uuids           map[string]int64
}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		records:         make(map[int64]*models.PaymentRecord),
		idempotencyKeys: make(map[string]int64),
		uuids:           make(map[string]int64),
	}
}

var _ interfaces.PaymentRecordStore = (*PaymentRepository)(nil)

func (r *PaymentRepository) Create(_ context.Context, record *models.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.idempotencyKeys[record.IdempotencyKey]; exists {
		return apperr.ConflictErr("a payment with this idempotency key already exists")
	}

	r.nextID++
	now := time.Now().UTC()
	record.ID = r.nextID
	record.CreatedAt = now
	record.UpdatedAt = now

	r.records[record.ID] = record.Clone()
	r.idempotencyKeys[record.IdempotencyKey] = record.ID
	r.uuids[record.UUID] = record.ID
	return nil
}

func (r *PaymentRepository) GetByUUID(_ context.Context, uuid string) (*models.PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lookup(r.uuids[uuid])
}

func (r *PaymentRepository) GetByIdempotencyKey(_ context.Context, key string) (*models.PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lookup(r.idempotencyKeys[key])
}

func (r *PaymentRepository) GetByGatewayReference(_ context.Context, gateway, reference string) (*models.PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.Gateway == gateway && rec.GatewayReference == reference && reference != "" {
			return rec.Clone(), nil
		}
	}
	return nil, apperr.NotFoundErr("payment not found")
}

func (r *PaymentRepository) AttachHold(_ context.Context, recordID int64, holdID string) error {
	return r.update(recordID, func(rec *models.PaymentRecord) {
		rec.HoldTransactionID = holdID
	})
}

func (r *PaymentRepository) AttachCharge(_ context.Context, recordID int64, reference string, payload, response map[string]any) error {
	return r.update(recordID, func(rec *models.PaymentRecord) {
		if reference != "" {
			rec.GatewayReference = reference
		}
		rec.GatewayPayload = models.MergeAudit(rec.GatewayPayload, payload)
		rec.GatewayResponse = models.MergeAudit(rec.GatewayResponse, response)
	})
}

func (r *PaymentRepository) MarkHoldCaptured(_ context.Context, recordID int64, at time.Time) error {
	return r.update(recordID, func(rec *models.PaymentRecord) {
		if rec.HoldCapturedAt == nil {
			t := at
			rec.HoldCapturedAt = &t
		}
	})
}

func (r *PaymentRepository) TransitionStatus(_ context.Context, t interfaces.StatusTransition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[t.RecordID]
	if !ok {
		return false, apperr.NotFoundErr("payment not found")
	}
	if rec.Status != t.From {
		return false, nil
	}

	rec.Status = t.To
	rec.Settlement = append(rec.Settlement, t.Entry)
	if t.ReceivedCents != nil {
		rec.ReceivedCents = *t.ReceivedCents
	}
	if t.RefundedCents != nil {
		rec.RefundedCents = *t.RefundedCents
	}
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *PaymentRepository) Discard(_ context.Context, recordID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[recordID]
	if !ok {
		return nil
	}
	if rec.Status != models.StatusPending || rec.HoldTransactionID != "" {
		return apperr.ConflictErr("only pending records without a hold can be discarded")
	}

	delete(r.records, recordID)
	delete(r.idempotencyKeys, rec.IdempotencyKey)
	delete(r.uuids, rec.UUID)
	return nil
}

// Records returns a snapshot of every stored record.
func (r *PaymentRepository) Records() []*models.PaymentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.PaymentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	return out
}

func (r *PaymentRepository) lookup(id int64) (*models.PaymentRecord, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, apperr.NotFoundErr("payment not found")
	}
	return rec.Clone(), nil
}

func (r *PaymentRepository) update(id int64, fn func(*models.PaymentRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return apperr.NotFoundErr("payment not found")
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
