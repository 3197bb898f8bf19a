package interfaces

import "context"

// Ledger is the prepaid wallet. Hold is idempotent on tag: holding again with the
// same tag returns the existing hold instead of reserving funds twice.
type Ledger interface {
	Hold(ctx context.Context, accountID string, amountCents int64, tag string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
	Balance(ctx context.Context, accountID string) (int64, error)
}
