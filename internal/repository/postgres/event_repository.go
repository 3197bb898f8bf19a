package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
)

// DefaultClaimLease is how long an unprocessed claim blocks redeliveries of the same event.
const DefaultClaimLease = 2 * time.Minute

// ProcessedEventRepository stores one row per (provider, event_id). A row with processed_at
// set means the event was applied; a row without it is a claim held by a running handler.
type ProcessedEventRepository struct {
	db    *sql.DB
	lease time.Duration
}

func NewProcessedEventRepository(db *sql.DB, lease time.Duration) *ProcessedEventRepository {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &ProcessedEventRepository{db: db, lease: lease}
}

var _ interfaces.ProcessedEventStore = (*ProcessedEventRepository)(nil)

func (r *ProcessedEventRepository) InitDB(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS processed_webhook_events (
			id BIGSERIAL PRIMARY KEY,
			provider VARCHAR(50) NOT NULL,
			event_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(100) NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			process_error TEXT,
			UNIQUE (provider, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_webhook_events_unprocessed
			ON processed_webhook_events(claimed_at) WHERE processed_at IS NULL`,
	}

	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("init processed_webhook_events: %w", err)
		}
	}
	return nil
}

// Claim inserts the dedup row. A stale unprocessed claim (older than the lease) is taken over.
func (r *ProcessedEventRepository) Claim(ctx context.Context, provider, eventID, eventType string, payload []byte) (interfaces.ClaimResult, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO processed_webhook_events (provider, event_id, event_type, payload, claimed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (provider, event_id) DO UPDATE SET claimed_at = NOW()
		WHERE processed_webhook_events.processed_at IS NULL
			AND processed_webhook_events.claimed_at < NOW() - make_interval(secs => $5)
		RETURNING id
	`, provider, eventID, eventType, string(payload), r.lease.Seconds()).Scan(&id)
	if err == nil {
		return interfaces.Claimed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return interfaces.InFlight, fmt.Errorf("claim webhook event: %w", err)
	}

	var processed bool
	err = r.db.QueryRowContext(ctx, `
		SELECT processed_at IS NOT NULL FROM processed_webhook_events
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID).Scan(&processed)
	if err != nil {
		return interfaces.InFlight, fmt.Errorf("check webhook event: %w", err)
	}
	if processed {
		return interfaces.AlreadyProcessed, nil
	}
	return interfaces.InFlight, nil
}

func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, provider, eventID, processError string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (provider, event_id, processed_at, process_error)
		VALUES ($1, $2, NOW(), NULLIF($3, ''))
		ON CONFLICT (provider, event_id) DO UPDATE
		SET processed_at = NOW(), process_error = EXCLUDED.process_error
	`, provider, eventID, processError)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

// Release drops an unprocessed claim so the provider's retry can be handled.
func (r *ProcessedEventRepository) Release(ctx context.Context, provider, eventID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM processed_webhook_events
		WHERE provider = $1 AND event_id = $2 AND processed_at IS NULL
	`, provider, eventID)
	if err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}
