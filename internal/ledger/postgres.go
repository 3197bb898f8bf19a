package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
)

const (
	holdHeld     = "HELD"
	holdCaptured = "CAPTURED"
	holdReleased = "RELEASED"
)

var (
	ErrHoldNotFound = errors.New("wallet hold not found")
	ErrHoldClosed   = errors.New("wallet hold already closed")
)

// PostgresLedger is the prepaid wallet backed by Postgres. Every balance change locks the
// account row and writes a ledger entry.
type PostgresLedger struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresLedger(db *sql.DB, logger *zap.Logger) *PostgresLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLedger{db: db, logger: logger}
}

var _ interfaces.Ledger = (*PostgresLedger)(nil)

func (l *PostgresLedger) InitDB(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS wallet_accounts (
			id VARCHAR(255) PRIMARY KEY,
			balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
			held_cents BIGINT NOT NULL DEFAULT 0 CHECK (held_cents >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (held_cents <= balance_cents)
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_holds (
			id VARCHAR(36) PRIMARY KEY,
			account_id VARCHAR(255) NOT NULL REFERENCES wallet_accounts(id),
			amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
			tag VARCHAR(255) NOT NULL UNIQUE,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_id VARCHAR(255) NOT NULL,
			hold_id VARCHAR(36),
			type VARCHAR(20) NOT NULL,
			amount_cents BIGINT NOT NULL,
			balance_cents BIGINT NOT NULL,
			idempotency_key VARCHAR(255) UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_ledger_entries_account_id ON wallet_ledger_entries(account_id)`,
	}

	for _, query := range queries {
		if _, err := l.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("init wallet ledger: %w", err)
		}
	}
	return nil
}

// Balance returns the spendable amount: credited funds minus open holds.
func (l *PostgresLedger) Balance(ctx context.Context, accountID string) (int64, error) {
	var available int64
	err := l.db.QueryRowContext(ctx, `
		SELECT balance_cents - held_cents FROM wallet_accounts WHERE id = $1
	`, accountID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wallet balance: %w", err)
	}
	return available, nil
}

// Hold reserves amountCents on the account. Calling it again with the same tag returns
// the existing hold id and reserves nothing.
func (l *PostgresLedger) Hold(ctx context.Context, accountID string, amountCents int64, tag string) (string, error) {
	if amountCents <= 0 {
		return "", apperr.ValidationErr("hold amount must be positive", map[string]string{"amount": "must be > 0"})
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var balance, held int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_cents, held_cents FROM wallet_accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&balance, &held)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.InsufficientFundsErr(amountCents, 0)
	}
	if err != nil {
		return "", fmt.Errorf("lock wallet account: %w", err)
	}

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM wallet_holds WHERE tag = $1`, tag).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup wallet hold: %w", err)
	}

	if available := balance - held; available < amountCents {
		return "", apperr.InsufficientFundsErr(amountCents, available)
	}

	holdID := uuid.New().String()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_holds (id, account_id, amount_cents, tag, status)
		VALUES ($1, $2, $3, $4, $5)
	`, holdID, accountID, amountCents, tag, holdHeld); err != nil {
		return "", fmt.Errorf("insert wallet hold: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET held_cents = held_cents + $1, updated_at = NOW() WHERE id = $2
	`, amountCents, accountID); err != nil {
		return "", fmt.Errorf("update held amount: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	l.logger.Info("Wallet hold placed",
		zap.String("account_id", accountID),
		zap.String("hold_id", holdID),
		zap.Int64("amount_cents", amountCents),
		zap.String("tag", tag),
	)
	return holdID, nil
}

// Capture turns a hold into a debit. Capturing an already captured hold is a no-op.
func (l *PostgresLedger) Capture(ctx context.Context, holdID string) error {
	return l.closeHold(ctx, holdID, holdCaptured)
}

// Release returns held funds to the spendable balance. Releasing twice is a no-op.
func (l *PostgresLedger) Release(ctx context.Context, holdID string) error {
	return l.closeHold(ctx, holdID, holdReleased)
}

// Deposit credits the account, creating it on first use. key makes the credit idempotent.
func (l *PostgresLedger) Deposit(ctx context.Context, accountID string, amountCents int64, key string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, accountID); err != nil {
		return fmt.Errorf("ensure wallet account: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance_cents FROM wallet_accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&balance); err != nil {
		return fmt.Errorf("lock wallet account: %w", err)
	}

	applied, err := recordEntry(ctx, tx, accountID, "", "credit", amountCents, balance+amountCents, key)
	if err != nil {
		return err
	}
	if !applied {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET balance_cents = balance_cents + $1, updated_at = NOW() WHERE id = $2
	`, amountCents, accountID); err != nil {
		return fmt.Errorf("credit wallet account: %w", err)
	}
	return tx.Commit()
}

func (l *PostgresLedger) closeHold(ctx context.Context, holdID, target string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		accountID string
		amount    int64
		status    string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT account_id, amount_cents, status FROM wallet_holds WHERE id = $1 FOR UPDATE
	`, holdID).Scan(&accountID, &amount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrHoldNotFound
	}
	if err != nil {
		return fmt.Errorf("lock wallet hold: %w", err)
	}

	switch status {
	case target:
		return nil
	case holdHeld:
	default:
		return fmt.Errorf("%w: hold %s is %s", ErrHoldClosed, holdID, status)
	}

	var balance int64
	if target == holdCaptured {
		err = tx.QueryRowContext(ctx, `
			UPDATE wallet_accounts
			SET balance_cents = balance_cents - $1, held_cents = held_cents - $1, updated_at = NOW()
			WHERE id = $2
			RETURNING balance_cents
		`, amount, accountID).Scan(&balance)
		if err != nil {
			return fmt.Errorf("debit wallet account: %w", err)
		}
		if _, err := recordEntry(ctx, tx, accountID, holdID, "debit", amount, balance, holdID+"-capture"); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallet_accounts SET held_cents = held_cents - $1, updated_at = NOW() WHERE id = $2
		`, amount, accountID); err != nil {
			return fmt.Errorf("release wallet hold: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallet_holds SET status = $1, updated_at = NOW() WHERE id = $2
	`, target, holdID); err != nil {
		return fmt.Errorf("update wallet hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	l.logger.Info("Wallet hold closed",
		zap.String("account_id", accountID),
		zap.String("hold_id", holdID),
		zap.String("status", target),
		zap.Int64("amount_cents", amount),
	)
	return nil
}

// recordEntry writes one ledger line; it reports false when the idempotency key was already used.
func recordEntry(ctx context.Context, tx *sql.Tx, accountID, holdID, entryType string, amount, balance int64, key string) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger_entries (account_id, hold_id, type, amount_cents, balance_cents, idempotency_key)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, accountID, holdID, entryType, amount, balance, key)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
