package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

const uniqueViolation = "23505"

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

var _ interfaces.PaymentRecordStore = (*PaymentRepository)(nil)

// InitDB creates the payment_records table and its indexes.
func (r *PaymentRepository) InitDB(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_records (
			id BIGSERIAL PRIMARY KEY,
			uuid VARCHAR(36) NOT NULL UNIQUE,
			payer_id VARCHAR(255) NOT NULL,
			billable_type VARCHAR(100) NOT NULL,
			billable_id VARCHAR(255) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
			wallet_applied_cents BIGINT NOT NULL DEFAULT 0 CHECK (wallet_applied_cents >= 0),
			gateway_amount_cents BIGINT NOT NULL DEFAULT 0 CHECK (gateway_amount_cents >= 0),
			received_cents BIGINT NOT NULL DEFAULT 0,
			refunded_cents BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			gateway VARCHAR(50) NOT NULL DEFAULT '',
			payment_method VARCHAR(20) NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL UNIQUE,
			hold_transaction_id VARCHAR(255) NOT NULL DEFAULT '',
			hold_captured_at TIMESTAMPTZ,
			gateway_reference VARCHAR(255) NOT NULL DEFAULT '',
			gateway_payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			gateway_response JSONB NOT NULL DEFAULT '{}'::jsonb,
			settlement JSONB NOT NULL DEFAULT '[]'::jsonb,
			due_date TIMESTAMPTZ,
			description TEXT NOT NULL DEFAULT '',
			meta JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT payment_records_split_balanced
				CHECK (wallet_applied_cents + gateway_amount_cents = amount_cents)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_payer_id ON payment_records(payer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_gateway_reference ON payment_records(gateway, gateway_reference)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_billable ON payment_records(billable_type, billable_id)`,
	}

	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("init payment_records: %w", err)
		}
	}
	return nil
}

func (r *PaymentRepository) Create(ctx context.Context, record *models.PaymentRecord) error {
	payload, err := marshalObject(record.GatewayPayload)
	if err != nil {
		return err
	}
	response, err := marshalObject(record.GatewayResponse)
	if err != nil {
		return err
	}
	meta, err := marshalObject(record.Meta)
	if err != nil {
		return err
	}
	settlement, err := json.Marshal(nonNilEntries(record.Settlement))
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO payment_records (
			uuid, payer_id, billable_type, billable_id, currency,
			amount_cents, wallet_applied_cents, gateway_amount_cents,
			status, gateway, payment_method, idempotency_key,
			gateway_payload, gateway_response, settlement,
			due_date, description, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at, updated_at
	`, record.UUID, record.PayerID, record.Billable.Type, record.Billable.ID, record.Currency,
		record.AmountCents, record.WalletAppliedCents, record.GatewayAmountCents,
		record.Status, record.Gateway, record.PaymentMethod, record.IdempotencyKey,
		payload, response, string(settlement),
		record.DueDate, record.Description, meta,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return apperr.ConflictErr("a payment with this idempotency key already exists")
		}
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

const recordColumns = `id, uuid, payer_id, billable_type, billable_id, currency,
	amount_cents, wallet_applied_cents, gateway_amount_cents, received_cents, refunded_cents,
	status, gateway, payment_method, idempotency_key,
	hold_transaction_id, hold_captured_at, gateway_reference,
	gateway_payload, gateway_response, settlement,
	due_date, description, meta, created_at, updated_at`

func (r *PaymentRepository) GetByUUID(ctx context.Context, uuid string) (*models.PaymentRecord, error) {
	return r.getOne(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE uuid = $1`, uuid)
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.PaymentRecord, error) {
	return r.getOne(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE idempotency_key = $1`, key)
}

func (r *PaymentRepository) GetByGatewayReference(ctx context.Context, gateway, reference string) (*models.PaymentRecord, error) {
	if reference == "" {
		return nil, apperr.NotFoundErr("payment not found")
	}
	return r.getOne(ctx,
		`SELECT `+recordColumns+` FROM payment_records WHERE gateway = $1 AND gateway_reference = $2`,
		gateway, reference)
}

func (r *PaymentRepository) AttachHold(ctx context.Context, recordID int64, holdID string) error {
	return r.execOne(ctx, `
		UPDATE payment_records SET hold_transaction_id = $2, updated_at = NOW()
		WHERE id = $1
	`, recordID, holdID)
}

func (r *PaymentRepository) AttachCharge(ctx context.Context, recordID int64, reference string, payload, response map[string]any) error {
	p, err := marshalObject(payload)
	if err != nil {
		return err
	}
	resp, err := marshalObject(response)
	if err != nil {
		return err
	}

	return r.execOne(ctx, `
		UPDATE payment_records SET
			gateway_reference = COALESCE(NULLIF($2, ''), gateway_reference),
			gateway_payload = gateway_payload || $3::jsonb,
			gateway_response = gateway_response || $4::jsonb,
			updated_at = NOW()
		WHERE id = $1
	`, recordID, reference, p, resp)
}

func (r *PaymentRepository) MarkHoldCaptured(ctx context.Context, recordID int64, at time.Time) error {
	return r.execOne(ctx, `
		UPDATE payment_records SET hold_captured_at = COALESCE(hold_captured_at, $2), updated_at = NOW()
		WHERE id = $1
	`, recordID, at)
}

// TransitionStatus is a compare-and-set on status: the row only changes if it is still in t.From.
func (r *PaymentRepository) TransitionStatus(ctx context.Context, t interfaces.StatusTransition) (bool, error) {
	entry, err := json.Marshal([]models.SettlementEntry{t.Entry})
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_records SET
			status = $2,
			settlement = settlement || $3::jsonb,
			received_cents = COALESCE($4::bigint, received_cents),
			refunded_cents = COALESCE($5::bigint, refunded_cents),
			updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, t.RecordID, t.To, string(entry), t.ReceivedCents, t.RefundedCents, t.From)
	if err != nil {
		return false, fmt.Errorf("transition payment record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *PaymentRepository) Discard(ctx context.Context, recordID int64) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM payment_records
		WHERE id = $1 AND status = $2 AND hold_transaction_id = ''
	`, recordID, models.StatusPending)
	if err != nil {
		return fmt.Errorf("discard payment record: %w", err)
	}
	return nil
}

func (r *PaymentRepository) getOne(ctx context.Context, query string, args ...any) (*models.PaymentRecord, error) {
	record, err := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundErr("payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load payment record: %w", err)
	}
	return record, nil
}

func (r *PaymentRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update payment record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperr.NotFoundErr("payment not found")
	}
	return nil
}

func scanRecord(row *sql.Row) (*models.PaymentRecord, error) {
	var (
		rec                     models.PaymentRecord
		holdCapturedAt, dueDate sql.NullTime
		payload, response, meta []byte
		settlement              []byte
	)

	err := row.Scan(
		&rec.ID, &rec.UUID, &rec.PayerID, &rec.Billable.Type, &rec.Billable.ID, &rec.Currency,
		&rec.AmountCents, &rec.WalletAppliedCents, &rec.GatewayAmountCents, &rec.ReceivedCents, &rec.RefundedCents,
		&rec.Status, &rec.Gateway, &rec.PaymentMethod, &rec.IdempotencyKey,
		&rec.HoldTransactionID, &holdCapturedAt, &rec.GatewayReference,
		&payload, &response, &settlement,
		&dueDate, &rec.Description, &meta, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if holdCapturedAt.Valid {
		t := holdCapturedAt.Time
		rec.HoldCapturedAt = &t
	}
	if dueDate.Valid {
		t := dueDate.Time
		rec.DueDate = &t
	}
	if err := unmarshalObject(payload, &rec.GatewayPayload); err != nil {
		return nil, err
	}
	if err := unmarshalObject(response, &rec.GatewayResponse); err != nil {
		return nil, err
	}
	if err := unmarshalObject(meta, &rec.Meta); err != nil {
		return nil, err
	}
	if len(settlement) > 0 {
		if err := json.Unmarshal(settlement, &rec.Settlement); err != nil {
			return nil, fmt.Errorf("decode settlement trail: %w", err)
		}
	}
	return &rec, nil
}

// marshalObject returns JSON as a string; lib/pq would send a []byte as bytea.
func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return `{}`, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode audit field: %w", err)
	}
	return string(b), nil
}

func unmarshalObject(b []byte, dst *map[string]any) error {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode audit field: %w", err)
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}

func nonNilEntries(e []models.SettlementEntry) []models.SettlementEntry {
	if e == nil {
		return []models.SettlementEntry{}
	}
	return e
}
