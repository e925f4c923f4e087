package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/TheRebzu/ecodeli-sub018/internal/models"
)

type EscrowRepository struct {
	db *sql.DB
}

func NewEscrowRepository(db *sql.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS escrow_transactions (
			id VARCHAR(64) PRIMARY KEY,
			announcement_id VARCHAR(64) NOT NULL,
			client_id VARCHAR(64) NOT NULL,
			deliverer_id VARCHAR(64) NOT NULL DEFAULT '',
			merchant_id VARCHAR(64) NOT NULL DEFAULT '',
			amount NUMERIC(12,2) NOT NULL,
			refunded_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
			currency VARCHAR(3) NOT NULL,
			service_amount NUMERIC(12,2) NOT NULL,
			deliverer_fee NUMERIC(12,2) NOT NULL,
			platform_fee NUMERIC(12,2) NOT NULL,
			tax_amount NUMERIC(12,2) NOT NULL,
			insurance_fee NUMERIC(12,2) NOT NULL DEFAULT 0,
			payment_method VARCHAR(20) NOT NULL,
			payment_intent_id VARCHAR(128) NOT NULL DEFAULT '',
			capture_id VARCHAR(128) NOT NULL DEFAULT '',
			card_last4 VARCHAR(4) NOT NULL DEFAULT '',
			bank_last4 VARCHAR(4) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			ip_address VARCHAR(64) NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			payment_source VARCHAR(10) NOT NULL DEFAULT 'WEB',
			risk_score INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			authorized_at TIMESTAMPTZ,
			captured_at TIMESTAMPTZ,
			held_until TIMESTAMPTZ,
			released_at TIMESTAMPTZ,
			refunded_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_transactions_status ON escrow_transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_transactions_held_until ON escrow_transactions(held_until) WHERE status = 'HELD'`,
		`CREATE TABLE IF NOT EXISTS escrow_events (
			id VARCHAR(64) PRIMARY KEY,
			transaction_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(50) NOT NULL,
			from_status VARCHAR(20) NOT NULL,
			to_status VARCHAR(20) NOT NULL,
			actor VARCHAR(64) NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			metadata JSONB,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_events_transaction ON escrow_events(transaction_id, occurred_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *EscrowRepository) Save(ctx context.Context, tx *models.EscrowTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, announcement_id, client_id, deliverer_id, merchant_id,
			amount, refunded_amount, currency,
			service_amount, deliverer_fee, platform_fee, tax_amount, insurance_fee,
			payment_method, payment_intent_id, capture_id, card_last4, bank_last4,
			status, ip_address, user_agent, payment_source, risk_score,
			created_at, updated_at, authorized_at, captured_at, held_until, released_at, refunded_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30
		)
		ON CONFLICT (id) DO NOTHING
	`,
		tx.ID, tx.AnnouncementID, tx.ClientID, tx.DelivererID, tx.MerchantID,
		tx.Amount, tx.RefundedAmount, tx.Currency,
		tx.Breakdown.ServiceAmount, tx.Breakdown.DelivererFee, tx.Breakdown.PlatformFee,
		tx.Breakdown.TaxAmount, tx.Breakdown.InsuranceFee,
		tx.PaymentMethod, tx.PaymentIntentID, tx.CaptureID, tx.CardLast4, tx.BankLast4,
		tx.Status, tx.Context.IPAddress, tx.Context.UserAgent, tx.Context.PaymentSource, tx.RiskScore,
		tx.CreatedAt, tx.UpdatedAt, nullTime(tx.AuthorizedAt), nullTime(tx.CapturedAt),
		nullTime(tx.HeldUntil), nullTime(tx.ReleasedAt), nullTime(tx.RefundedAt),
	)
	return err
}

func (r *EscrowRepository) Load(ctx context.Context, id string) (*models.EscrowTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, announcement_id, client_id, deliverer_id, merchant_id,
			amount, refunded_amount, currency,
			service_amount, deliverer_fee, platform_fee, tax_amount, insurance_fee,
			payment_method, payment_intent_id, capture_id, card_last4, bank_last4,
			status, ip_address, user_agent, payment_source, risk_score,
			created_at, updated_at, authorized_at, captured_at, held_until, released_at, refunded_at
		FROM escrow_transactions WHERE id = $1
	`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return tx, err
}

// UpdateIfStatus is the optimistic transition guard: the write applies
// only when the stored status still equals expected.
func (r *EscrowRepository) UpdateIfStatus(ctx context.Context, tx *models.EscrowTransaction, expected models.EscrowStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			deliverer_id = $1, refunded_amount = $2,
			service_amount = $3, deliverer_fee = $4, platform_fee = $5,
			tax_amount = $6, insurance_fee = $7,
			payment_intent_id = $8, capture_id = $9, card_last4 = $10, bank_last4 = $11,
			status = $12, risk_score = $13, updated_at = $14,
			authorized_at = $15, captured_at = $16, held_until = $17,
			released_at = $18, refunded_at = $19
		WHERE id = $20 AND status = $21
	`,
		tx.DelivererID, tx.RefundedAmount,
		tx.Breakdown.ServiceAmount, tx.Breakdown.DelivererFee, tx.Breakdown.PlatformFee,
		tx.Breakdown.TaxAmount, tx.Breakdown.InsuranceFee,
		tx.PaymentIntentID, tx.CaptureID, tx.CardLast4, tx.BankLast4,
		tx.Status, tx.RiskScore, tx.UpdatedAt,
		nullTime(tx.AuthorizedAt), nullTime(tx.CapturedAt), nullTime(tx.HeldUntil),
		nullTime(tx.ReleasedAt), nullTime(tx.RefundedAt),
		tx.ID, expected,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *EscrowRepository) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*models.EscrowTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, announcement_id, client_id, deliverer_id, merchant_id,
			amount, refunded_amount, currency,
			service_amount, deliverer_fee, platform_fee, tax_amount, insurance_fee,
			payment_method, payment_intent_id, capture_id, card_last4, bank_last4,
			status, ip_address, user_agent, payment_source, risk_score,
			created_at, updated_at, authorized_at, captured_at, held_until, released_at, refunded_at
		FROM escrow_transactions
		WHERE status = $1 AND held_until <= $2
		ORDER BY held_until
		LIMIT $3
	`, models.StatusHeld, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EscrowTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*models.EscrowTransaction, error) {
	var tx models.EscrowTransaction
	var authorizedAt, capturedAt, heldUntil, releasedAt, refundedAt sql.NullTime

	err := row.Scan(
		&tx.ID, &tx.AnnouncementID, &tx.ClientID, &tx.DelivererID, &tx.MerchantID,
		&tx.Amount, &tx.RefundedAmount, &tx.Currency,
		&tx.Breakdown.ServiceAmount, &tx.Breakdown.DelivererFee, &tx.Breakdown.PlatformFee,
		&tx.Breakdown.TaxAmount, &tx.Breakdown.InsuranceFee,
		&tx.PaymentMethod, &tx.PaymentIntentID, &tx.CaptureID, &tx.CardLast4, &tx.BankLast4,
		&tx.Status, &tx.Context.IPAddress, &tx.Context.UserAgent, &tx.Context.PaymentSource, &tx.RiskScore,
		&tx.CreatedAt, &tx.UpdatedAt, &authorizedAt, &capturedAt, &heldUntil, &releasedAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.AuthorizedAt = timePtr(authorizedAt)
	tx.CapturedAt = timePtr(capturedAt)
	tx.HeldUntil = timePtr(heldUntil)
	tx.ReleasedAt = timePtr(releasedAt)
	tx.RefundedAt = timePtr(refundedAt)
	return &tx, nil
}

// Append persists one audit-trail entry.
func (r *EscrowRepository) Append(ctx context.Context, event *models.EscrowEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO escrow_events (id, transaction_id, event_type, from_status, to_status, actor, occurred_at, metadata, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, event.ID, event.TransactionID, event.EventType, event.FromStatus, event.ToStatus,
		event.Actor, event.OccurredAt, metadata, event.Reason)
	return err
}

func (r *EscrowRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*models.EscrowEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, transaction_id, event_type, from_status, to_status, actor, occurred_at, metadata, reason
		FROM escrow_events WHERE transaction_id = $1 ORDER BY occurred_at, id
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EscrowEvent
	for rows.Next() {
		var ev models.EscrowEvent
		var metadata []byte
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.EventType, &ev.FromStatus,
			&ev.ToStatus, &ev.Actor, &ev.OccurredAt, &metadata, &ev.Reason); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
