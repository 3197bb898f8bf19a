package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

// KeyLocker serializes checkouts that share an idempotency key.
type KeyLocker interface {
	// Lock returns ok=false when another holder owns the key.
	Lock(ctx context.Context, key string) (token string, ok bool, err error)
	// Refresh restarts the lock's lease; ok=false means token no longer holds the key.
	Refresh(ctx context.Context, key, token string) (ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// RecordCache holds settled records by idempotency key so replays skip the database.
type RecordCache interface {
	Get(ctx context.Context, key string) (*models.PaymentRecord, bool)
	Set(ctx context.Context, record *models.PaymentRecord)
}
