package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const balanceColumns = "listener_id, available_cents, lifetime_earned_cents, extension_earned_cents, updated_at"

func scanBalance(row pgx.Row) (ListenerBalance, error) {
	var b ListenerBalance
	err := row.Scan(&b.ListenerID, &b.Available, &b.LifetimeEarned, &b.ExtensionEarned, &b.UpdatedAt)
	return b, err
}

// GetOrCreateListenerBalance loads a listener's balance, creating a
// zeroed row on first reference.
func (q *Queries) GetOrCreateListenerBalance(ctx context.Context, listenerID string) (ListenerBalance, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO listener_balances (listener_id) VALUES ($1)
		ON CONFLICT (listener_id) DO UPDATE SET listener_id = EXCLUDED.listener_id
		RETURNING `+balanceColumns, listenerID)
	return scanBalance(row)
}

// CreditListenerBalance is the only additive mutation the engine performs
// against a listener's withdrawable balance (§9: Balance is a derived
// materialization of the PayoutRecord ledger, never written except here).
// It is for non-extension payouts only; an extension payout's earnings
// are tracked separately through CreditListenerExtensionEarnings and must
// never reach Available, the way the original ledger's
// get_listener_balance() explicitly excludes is_extension=True rows.
func (q *Queries) CreditListenerBalance(ctx context.Context, listenerID string, amount Money) (ListenerBalance, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO listener_balances (listener_id, available_cents, lifetime_earned_cents)
		VALUES ($1, $2, $2)
		ON CONFLICT (listener_id) DO UPDATE SET
			available_cents = listener_balances.available_cents + EXCLUDED.available_cents,
			lifetime_earned_cents = listener_balances.lifetime_earned_cents + EXCLUDED.lifetime_earned_cents,
			updated_at = now()
		RETURNING `+balanceColumns, listenerID, amount)
	return scanBalance(row)
}

// CreditListenerExtensionEarnings records an extension payout's earnings
// in the separate extension_earned_cents column, mirroring the original
// ledger's get_listener_extension_earnings() tracking. It never touches
// Available or LifetimeEarned, so an extension purchase's payout cannot
// be withdrawn as ordinary call earnings.
func (q *Queries) CreditListenerExtensionEarnings(ctx context.Context, listenerID string, amount Money) (ListenerBalance, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO listener_balances (listener_id, extension_earned_cents)
		VALUES ($1, $2)
		ON CONFLICT (listener_id) DO UPDATE SET
			extension_earned_cents = listener_balances.extension_earned_cents + EXCLUDED.extension_earned_cents,
			updated_at = now()
		RETURNING `+balanceColumns, listenerID, amount)
	return scanBalance(row)
}

// DebitListenerBalance decrements available balance, returning false
// without mutating anything if the balance is insufficient.
func (q *Queries) DebitListenerBalance(ctx context.Context, listenerID string, amount Money) (ListenerBalance, bool, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE listener_balances SET available_cents = available_cents - $2, updated_at = now()
		WHERE listener_id = $1 AND available_cents >= $2
		RETURNING `+balanceColumns, listenerID, amount)

	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ListenerBalance{}, false, nil
	}
	if err != nil {
		return ListenerBalance{}, false, err
	}
	return b, true, nil
}
