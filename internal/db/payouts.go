package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const payoutColumns = `id, listener_id, purchase_id, session_id, is_extension, amount_cents, status, created_at, updated_at`

func scanPayout(row pgx.Row) (PayoutRecord, error) {
	var r PayoutRecord
	err := row.Scan(&r.ID, &r.ListenerID, &r.PurchaseID, &r.SessionID, &r.IsExtension, &r.Amount, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// CreatePayoutRecord inserts a payout ledger row in processing status.
// Unique on purchase_id with ON CONFLICT DO NOTHING, so a repeated
// webhook delivery that races this insert returns no row (pgx.ErrNoRows),
// which callers treat as "already created by the first delivery".
func (q *Queries) CreatePayoutRecord(ctx context.Context, r PayoutRecord) (PayoutRecord, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = PayoutProcessing
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO payout_records (id, listener_id, purchase_id, session_id, is_extension, amount_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (purchase_id) DO NOTHING
		RETURNING `+payoutColumns,
		r.ID, r.ListenerID, r.PurchaseID, r.SessionID, r.IsExtension, r.Amount, r.Status,
	)
	return scanPayout(row)
}

// GetPayoutRecordByPurchase loads the payout record for a purchase, if
// one exists.
func (q *Queries) GetPayoutRecordByPurchase(ctx context.Context, purchaseID string) (*PayoutRecord, error) {
	row := q.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_records WHERE purchase_id = $1`, purchaseID)
	r, err := scanPayout(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetPayoutStatus moves a payout record to a new status.
func (q *Queries) SetPayoutStatus(ctx context.Context, id string, status PayoutStatus) (PayoutRecord, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE payout_records SET status = $2, updated_at = now() WHERE id = $1
		RETURNING `+payoutColumns, id, status)
	return scanPayout(row)
}

// BindPayoutRecordToSession backfills session_id on the payout record
// created for an initial purchase at checkout-completion time, once
// AllocateSession later creates the session that purchase funds. A
// no-op (0 rows affected) if the purchase has no payout record yet,
// which happens for a purchase confirmed out of order or never paid.
func (q *Queries) BindPayoutRecordToSession(ctx context.Context, purchaseID string, sessionID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE payout_records SET session_id = $2, updated_at = now() WHERE purchase_id = $1`, purchaseID, sessionID)
	return err
}

// ListPayoutsForListener returns a listener's full payout history.
func (q *Queries) ListPayoutsForListener(ctx context.Context, listenerID string) ([]PayoutRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+payoutColumns+` FROM payout_records WHERE listener_id = $1 ORDER BY created_at DESC`, listenerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PayoutRecord
	for rows.Next() {
		r, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
