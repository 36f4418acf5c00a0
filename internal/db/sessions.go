package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, talker_id, listener_id, initial_purchase_id, kind, total_minutes_purchased,
	minutes_used, started_at, ended_at, status, warning_sent_flag, end_reason, created_at, updated_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.TalkerID, &s.ListenerID, &s.InitialPurchaseID, &s.Kind, &s.TotalMinutesPurchased,
		&s.MinutesUsed, &s.StartedAt, &s.EndedAt, &s.Status, &s.WarningSentFlag, &s.EndReason,
		&s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// CreateSession inserts a new Session in status=connecting,
// started_at=null — invariant (a) of spec.md §3.
func (q *Queries) CreateSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SessionConnecting
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO sessions (id, talker_id, listener_id, initial_purchase_id, kind, total_minutes_purchased, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+sessionColumns,
		s.ID, s.TalkerID, s.ListenerID, s.InitialPurchaseID, s.Kind, s.TotalMinutesPurchased, s.Status,
	)
	return scanSession(row)
}

// GetSession loads a Session by id.
func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, pgx.ErrNoRows)
	}
	return s, err
}

// GetSessionByPurchase finds the session a given purchase id is linked
// to, if any — used to reject "allocate session" when one already
// exists for this purchase.
func (q *Queries) GetSessionByPurchase(ctx context.Context, purchaseID string) (*Session, error) {
	row := q.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE initial_purchase_id = $1`, purchaseID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListConnectingSessionsForListener finds a listener's sessions still
// awaiting acceptance, newest first — the "pending conversation requests
// and currently-ringing incoming calls" a notification attachment emits
// on join.
func (q *Queries) ListConnectingSessionsForListener(ctx context.Context, listenerID string) ([]Session, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE listener_id = $1 AND status = 'connecting'
		ORDER BY created_at DESC`, listenerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AcceptSession transitions connecting -> active and sets started_at,
// but only if currently connecting (guarded transition, §4.3.2).
func (q *Queries) AcceptSession(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE sessions SET status = 'active', started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'connecting'
		RETURNING `+sessionColumns, id)
	return scanSession(row)
}

// AddSessionMinutes atomically grows total_minutes_purchased — invariant
// (b) of spec.md §3: the value may only grow, enforced here by adding
// rather than setting.
func (q *Queries) AddSessionMinutes(ctx context.Context, id string, addMinutes float64) (Session, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE sessions SET total_minutes_purchased = total_minutes_purchased + $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ('ended', 'timeout', 'failed')
		RETURNING `+sessionColumns, id, addMinutes)
	return scanSession(row)
}

// SetSessionWarningSent persists the at-most-once time_warning flag.
func (q *Queries) SetSessionWarningSent(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `UPDATE sessions SET warning_sent_flag = true, updated_at = now() WHERE id = $1`, id)
	return err
}

// TerminateSession transitions a session into a terminal status, setting
// ended_at and minutes_used. Rejected (no-op via the WHERE clause not
// matching) if already terminal — terminal is permanent, invariant (d).
func (q *Queries) TerminateSession(ctx context.Context, id string, status SessionStatus, minutesUsed float64, reason string) (Session, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE sessions
		SET status = $2, ended_at = now(), minutes_used = $3, end_reason = $4, updated_at = now()
		WHERE id = $1 AND status NOT IN ('ended', 'timeout', 'failed')
		RETURNING `+sessionColumns, id, status, minutesUsed, reason)
	return scanSession(row)
}
