package db

import (
	"context"

	"github.com/google/uuid"
)

// CreateRejectionRecord inserts a terminal rejection row for an
// unaccepted purchase.
func (q *Queries) CreateRejectionRecord(ctx context.Context, r RejectionRecord) (RejectionRecord, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO rejection_records (id, session_id, purchase_id, listener_id, reason, notes, refund_issued, refund_amount_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, session_id, purchase_id, listener_id, reason, notes, refund_issued, refund_amount_cents, created_at`,
		r.ID, r.SessionID, r.PurchaseID, r.ListenerID, r.Reason, r.Notes, r.RefundIssued, r.RefundAmount,
	)

	var out RejectionRecord
	err := row.Scan(&out.ID, &out.SessionID, &out.PurchaseID, &out.ListenerID, &out.Reason, &out.Notes, &out.RefundIssued, &out.RefundAmount, &out.CreatedAt)
	return out, err
}
