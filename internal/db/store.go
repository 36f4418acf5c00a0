package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, the way the
// teacher's generated query layer abstracts over a pool-or-transaction
// handle so the same query methods run inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is the Store port every upstream component (C5-C8) depends on.
// Queries is its Postgres/pgx implementation; tests substitute the
// hand-written in-memory dbtest.FakeStore.
type Querier interface {
	// Package templates
	GetPackageTemplate(ctx context.Context, id string) (PackageTemplate, error)

	// Availability (C5)
	IsListenerFree(ctx context.Context, listenerID string) (bool, error)
	ListFreeListeners(ctx context.Context, kind PackageKind, excludeListenerID string, limit int) ([]string, error)

	// Purchases
	CreatePurchase(ctx context.Context, p Purchase) (Purchase, error)
	GetPurchase(ctx context.Context, id string) (Purchase, error)
	GetPurchaseByExternalRef(ctx context.Context, ref string) (Purchase, error)
	ConfirmPurchase(ctx context.Context, id string, externalRef string) (Purchase, error)
	SetPurchaseStatus(ctx context.Context, id string, status PurchaseStatus, reason *string) (Purchase, error)
	BindPurchaseToSession(ctx context.Context, id string, sessionID string) error
	ListConfirmedPurchasesForSession(ctx context.Context, sessionID string) ([]Purchase, error)

	// Sessions
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	GetSessionByPurchase(ctx context.Context, purchaseID string) (*Session, error)
	ListConnectingSessionsForListener(ctx context.Context, listenerID string) ([]Session, error)
	AcceptSession(ctx context.Context, id string) (Session, error)
	AddSessionMinutes(ctx context.Context, id string, addMinutes float64) (Session, error)
	SetSessionWarningSent(ctx context.Context, id string) error
	TerminateSession(ctx context.Context, id string, status SessionStatus, minutesUsed float64, reason string) (Session, error)

	// Payouts
	CreatePayoutRecord(ctx context.Context, r PayoutRecord) (PayoutRecord, error)
	GetPayoutRecordByPurchase(ctx context.Context, purchaseID string) (*PayoutRecord, error)
	SetPayoutStatus(ctx context.Context, id string, status PayoutStatus) (PayoutRecord, error)
	ListPayoutsForListener(ctx context.Context, listenerID string) ([]PayoutRecord, error)
	BindPayoutRecordToSession(ctx context.Context, purchaseID string, sessionID string) error

	// Balances
	GetOrCreateListenerBalance(ctx context.Context, listenerID string) (ListenerBalance, error)
	CreditListenerBalance(ctx context.Context, listenerID string, amount Money) (ListenerBalance, error)
	CreditListenerExtensionEarnings(ctx context.Context, listenerID string, amount Money) (ListenerBalance, error)
	DebitListenerBalance(ctx context.Context, listenerID string, amount Money) (ListenerBalance, bool, error)

	// Rejections
	CreateRejectionRecord(ctx context.Context, r RejectionRecord) (RejectionRecord, error)

	// Per-listener serialization point (§5): acquires a transaction-scoped
	// advisory lock keyed by listener id, released automatically at
	// transaction end.
	LockListener(ctx context.Context, listenerID string) error
}

// Queries is the concrete pgx-backed Store. It is constructed over either
// a *pgxpool.Pool (top-level calls) or a pgx.Tx (calls nested inside
// WithTx), exactly the way the teacher's db.Queries wraps a DBTX.
type Queries struct {
	db DBTX
}

// New builds a Queries bound to a connection pool.
func New(pool *pgxpool.Pool) *Queries {
	return &Queries{db: pool}
}

// Pool is implemented by *pgxpool.Pool; Store.WithTx needs it to start a
// transaction, which a plain DBTX cannot do.
type Pool interface {
	DBTX
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Store wraps a pgxpool.Pool and hands out transaction-scoped Queries,
// mirroring the teacher's CommonServices split between a Querier and a
// separate dbPool kept around "for transaction support".
type Store struct {
	pool *pgxpool.Pool
	*Queries
}

// NewStore builds a Store over a live connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, Queries: New(pool)}
}

// TxStore is the port every upstream component that also needs
// transactional writes depends on (purchase allocation, session
// settlement, webhook reconciliation). *Store is its Postgres
// implementation; tests substitute a hand-rolled fake that runs fn
// directly against an in-memory Querier double, since there is no
// transaction to actually begin.
type TxStore interface {
	Querier
	WithTx(ctx context.Context, fn func(q Querier) error) error
}

// WithTx runs fn inside a single Postgres transaction, passing a Querier
// bound to that transaction. A Fatal apperr is the caller's signal to
// retry; WithTx itself never retries.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
