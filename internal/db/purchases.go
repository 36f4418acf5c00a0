package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"
)

func scanPurchase(row pgx.Row) (Purchase, error) {
	var p Purchase
	err := row.Scan(
		&p.ID, &p.TalkerID, &p.ListenerID, &p.TemplateID, &p.SessionID,
		&p.Status, &p.IsExtension, &p.Total, &p.Fee, &p.ListenerAmount,
		&p.ExternalPaymentRef, &p.CancelReason, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

const purchaseColumns = `id, talker_id, listener_id, template_id, session_id, status, is_extension,
	total_cents, fee_cents, listener_amount_cents, external_payment_ref, cancel_reason, created_at, updated_at`

// CreatePurchase inserts a new Purchase with pricing frozen at call time.
func (q *Queries) CreatePurchase(ctx context.Context, p Purchase) (Purchase, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO purchases (id, talker_id, listener_id, template_id, session_id, status, is_extension,
			total_cents, fee_cents, listener_amount_cents, external_payment_ref, cancel_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+purchaseColumns,
		p.ID, p.TalkerID, p.ListenerID, p.TemplateID, p.SessionID, p.Status, p.IsExtension,
		p.Total, p.Fee, p.ListenerAmount, p.ExternalPaymentRef, p.CancelReason,
	)
	return scanPurchase(row)
}

// GetPurchase loads a Purchase by id.
func (q *Queries) GetPurchase(ctx context.Context, id string) (Purchase, error) {
	row := q.db.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
	p, err := scanPurchase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Purchase{}, fmt.Errorf("purchase %s: %w", id, pgx.ErrNoRows)
	}
	return p, err
}

// GetPurchaseByExternalRef loads a Purchase by the payment adapter's
// opaque reference — used to reject duplicate webhook side effects.
func (q *Queries) GetPurchaseByExternalRef(ctx context.Context, ref string) (Purchase, error) {
	row := q.db.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE external_payment_ref = $1`, ref)
	return scanPurchase(row)
}

// ConfirmPurchase sets external_payment_ref and flips status to
// confirmed, but only if the purchase is currently pending — idempotent
// on purchase id, per §4.4's checkout-completed handler.
func (q *Queries) ConfirmPurchase(ctx context.Context, id string, externalRef string) (Purchase, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE purchases SET status = 'confirmed', external_payment_ref = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+purchaseColumns, id, externalRef)
	return scanPurchase(row)
}

// SetPurchaseStatus sets an arbitrary status transition (used for
// completed/cancelled/refunded/in_progress), optionally recording a
// reason.
func (q *Queries) SetPurchaseStatus(ctx context.Context, id string, status PurchaseStatus, reason *string) (Purchase, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE purchases SET status = $2, cancel_reason = COALESCE($3, cancel_reason), updated_at = now()
		WHERE id = $1
		RETURNING `+purchaseColumns, id, status, reason)
	return scanPurchase(row)
}

// BindPurchaseToSession links a purchase (initial or extension) to the
// session it funds.
func (q *Queries) BindPurchaseToSession(ctx context.Context, id string, sessionID string) error {
	_, err := q.db.Exec(ctx, `UPDATE purchases SET session_id = $2, updated_at = now() WHERE id = $1`, id, sessionID)
	return err
}

// ListConfirmedPurchasesForSession returns every purchase (initial plus
// extensions) bound to a session that reached at least confirmed.
func (q *Queries) ListConfirmedPurchasesForSession(ctx context.Context, sessionID string) ([]Purchase, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE session_id = $1 AND status != 'pending'
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
