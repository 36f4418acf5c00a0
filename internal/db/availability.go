package db

import "context"

// IsListenerFree answers C5's contract: true iff the listener has zero
// sessions in {connecting, active} and zero purchases in {in_progress}.
// Implemented as a single indexed query against the
// (listener_id, status) indexes on both tables.
func (q *Queries) IsListenerFree(ctx context.Context, listenerID string) (bool, error) {
	row := q.db.QueryRow(ctx, `
		SELECT NOT EXISTS (
			SELECT 1 FROM sessions
			WHERE listener_id = $1 AND status IN ('connecting', 'active')
		) AND NOT EXISTS (
			SELECT 1 FROM purchases
			WHERE listener_id = $1 AND status = 'in_progress'
		)`, listenerID)

	var free bool
	if err := row.Scan(&free); err != nil {
		return false, err
	}
	return free, nil
}

// ListFreeListeners surfaces up to limit other listeners who currently
// pass IsListenerFree, as a helpful hint on a "listener busy" rejection.
// Not a contract on exact membership — a best-effort convenience list.
func (q *Queries) ListFreeListeners(ctx context.Context, kind PackageKind, excludeListenerID string, limit int) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT DISTINCT p.listener_id
		FROM purchases p
		WHERE p.listener_id != $1
		AND NOT EXISTS (
			SELECT 1 FROM sessions s
			WHERE s.listener_id = p.listener_id AND s.status IN ('connecting', 'active')
		)
		AND NOT EXISTS (
			SELECT 1 FROM purchases p2
			WHERE p2.listener_id = p.listener_id AND p2.status = 'in_progress'
		)
		LIMIT $2`, excludeListenerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LockListener acquires a transaction-scoped Postgres advisory lock keyed
// by listener id. It must be called inside a WithTx-managed transaction;
// the lock is released automatically at COMMIT/ROLLBACK. This is the
// serialization point spec.md §5 requires so that two concurrent purchase
// attempts for the same listener cannot both observe IsListenerFree=true.
func (q *Queries) LockListener(ctx context.Context, listenerID string) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, listenerID)
	return err
}
