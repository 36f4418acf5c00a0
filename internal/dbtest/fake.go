// Package dbtest is a hand-rolled in-memory implementation of
// db.TxStore, used in place of a generated go.uber.org/mock double for
// the engine/controller/reconciler tests that exercise many Store calls
// in sequence across a single scenario. It mirrors the guarded-transition
// and not-found semantics of internal/db's pgx queries closely enough
// that a test written against it exercises the same state machine a real
// Postgres-backed Store would.
package dbtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/talkline/callengine/internal/db"
)

func nowPtr() *time.Time {
	t := time.Now()
	return &t
}

// FakeStore is a mutex-guarded, map-backed db.TxStore. WithTx runs fn
// directly against the same FakeStore rather than a real snapshot — tests
// that need rollback-on-error semantics assert on the error return, not
// on partial-write absence.
type FakeStore struct {
	mu sync.Mutex

	Templates map[string]db.PackageTemplate
	Purchases map[string]db.Purchase
	Sessions  map[string]db.Session
	Payouts   map[string]db.PayoutRecord
	Balances  map[string]db.ListenerBalance
	Rejections []db.RejectionRecord

	// BusyListeners marks listener ids IsListenerFree should report false
	// for, independent of the sessions/purchases rows (used to drive the
	// availability arbiter's "listener busy" scenario directly).
	BusyListeners map[string]bool
}

// New builds an empty FakeStore.
func New() *FakeStore {
	return &FakeStore{
		Templates:     make(map[string]db.PackageTemplate),
		Purchases:     make(map[string]db.Purchase),
		Sessions:      make(map[string]db.Session),
		Payouts:       make(map[string]db.PayoutRecord),
		Balances:      make(map[string]db.ListenerBalance),
		BusyListeners: make(map[string]bool),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, pgx.ErrNoRows)
}

func (f *FakeStore) GetPackageTemplate(ctx context.Context, id string) (db.PackageTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Templates[id]
	if !ok {
		return db.PackageTemplate{}, notFound("package template", id)
	}
	return t, nil
}

func (f *FakeStore) IsListenerFree(ctx context.Context, listenerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BusyListeners[listenerID] {
		return false, nil
	}
	for _, s := range f.Sessions {
		if s.ListenerID.String() == listenerID && (s.Status == db.SessionConnecting || s.Status == db.SessionActive) {
			return false, nil
		}
	}
	for _, p := range f.Purchases {
		if p.ListenerID.String() == listenerID && p.Status == db.PurchaseInProgress {
			return false, nil
		}
	}
	return true, nil
}

func (f *FakeStore) ListFreeListeners(ctx context.Context, kind db.PackageKind, excludeListenerID string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	seen := map[string]bool{excludeListenerID: true}
	for _, p := range f.Purchases {
		id := p.ListenerID.String()
		if seen[id] || f.BusyListeners[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FakeStore) CreatePurchase(ctx context.Context, p db.Purchase) (db.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = db.PurchasePending
	}
	f.Purchases[p.ID.String()] = p
	return p, nil
}

func (f *FakeStore) GetPurchase(ctx context.Context, id string) (db.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Purchases[id]
	if !ok {
		return db.Purchase{}, notFound("purchase", id)
	}
	return p, nil
}

func (f *FakeStore) GetPurchaseByExternalRef(ctx context.Context, ref string) (db.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.Purchases {
		if p.ExternalPaymentRef != nil && *p.ExternalPaymentRef == ref {
			return p, nil
		}
	}
	return db.Purchase{}, notFound("purchase with external ref", ref)
}

func (f *FakeStore) ConfirmPurchase(ctx context.Context, id string, externalRef string) (db.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Purchases[id]
	if !ok || p.Status != db.PurchasePending {
		return db.Purchase{}, notFound("pending purchase", id)
	}
	p.Status = db.PurchaseConfirmed
	p.ExternalPaymentRef = &externalRef
	f.Purchases[id] = p
	return p, nil
}

func (f *FakeStore) SetPurchaseStatus(ctx context.Context, id string, status db.PurchaseStatus, reason *string) (db.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Purchases[id]
	if !ok {
		return db.Purchase{}, notFound("purchase", id)
	}
	p.Status = status
	if reason != nil {
		p.CancelReason = reason
	}
	f.Purchases[id] = p
	return p, nil
}

func (f *FakeStore) BindPurchaseToSession(ctx context.Context, id string, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Purchases[id]
	if !ok {
		return notFound("purchase", id)
	}
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		return err
	}
	p.SessionID = &sid
	f.Purchases[id] = p
	return nil
}

func (f *FakeStore) ListConfirmedPurchasesForSession(ctx context.Context, sessionID string) ([]db.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Purchase
	for _, p := range f.Purchases {
		if p.SessionID != nil && p.SessionID.String() == sessionID && p.Status != db.PurchasePending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeStore) CreateSession(ctx context.Context, s db.Session) (db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = db.SessionConnecting
	}
	f.Sessions[s.ID.String()] = s
	return s, nil
}

func (f *FakeStore) GetSession(ctx context.Context, id string) (db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[id]
	if !ok {
		return db.Session{}, notFound("session", id)
	}
	return s, nil
}

func (f *FakeStore) GetSessionByPurchase(ctx context.Context, purchaseID string) (*db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Sessions {
		if s.InitialPurchaseID.String() == purchaseID {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) ListConnectingSessionsForListener(ctx context.Context, listenerID string) ([]db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Session
	for _, s := range f.Sessions {
		if s.ListenerID.String() == listenerID && s.Status == db.SessionConnecting {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeStore) AcceptSession(ctx context.Context, id string) (db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[id]
	if !ok || s.Status != db.SessionConnecting {
		return db.Session{}, notFound("connecting session", id)
	}
	now := nowPtr()
	s.Status = db.SessionActive
	s.StartedAt = now
	f.Sessions[id] = s
	return s, nil
}

func (f *FakeStore) AddSessionMinutes(ctx context.Context, id string, addMinutes float64) (db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[id]
	if !ok || s.Status.IsTerminal() {
		return db.Session{}, notFound("non-terminal session", id)
	}
	s.TotalMinutesPurchased += addMinutes
	f.Sessions[id] = s
	return s, nil
}

func (f *FakeStore) SetSessionWarningSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[id]
	if !ok {
		return notFound("session", id)
	}
	s.WarningSentFlag = true
	f.Sessions[id] = s
	return nil
}

func (f *FakeStore) TerminateSession(ctx context.Context, id string, status db.SessionStatus, minutesUsed float64, reason string) (db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Sessions[id]
	if !ok || s.Status.IsTerminal() {
		return db.Session{}, notFound("non-terminal session", id)
	}
	now := nowPtr()
	s.Status = status
	s.EndedAt = now
	s.MinutesUsed = &minutesUsed
	s.EndReason = &reason
	f.Sessions[id] = s
	return s, nil
}

func (f *FakeStore) CreatePayoutRecord(ctx context.Context, r db.PayoutRecord) (db.PayoutRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.Payouts {
		if existing.PurchaseID == r.PurchaseID {
			return db.PayoutRecord{}, notFound("payout record (conflict)", r.PurchaseID.String())
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = db.PayoutProcessing
	}
	f.Payouts[r.ID.String()] = r
	return r, nil
}

func (f *FakeStore) GetPayoutRecordByPurchase(ctx context.Context, purchaseID string) (*db.PayoutRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Payouts {
		if r.PurchaseID.String() == purchaseID {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) SetPayoutStatus(ctx context.Context, id string, status db.PayoutStatus) (db.PayoutRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Payouts[id]
	if !ok {
		return db.PayoutRecord{}, notFound("payout record", id)
	}
	r.Status = status
	f.Payouts[id] = r
	return r, nil
}

func (f *FakeStore) ListPayoutsForListener(ctx context.Context, listenerID string) ([]db.PayoutRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.PayoutRecord
	for _, r := range f.Payouts {
		if r.ListenerID.String() == listenerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *FakeStore) BindPayoutRecordToSession(ctx context.Context, purchaseID string, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		return err
	}
	for id, r := range f.Payouts {
		if r.PurchaseID.String() == purchaseID {
			r.SessionID = &sid
			f.Payouts[id] = r
			return nil
		}
	}
	return nil
}

func (f *FakeStore) GetOrCreateListenerBalance(ctx context.Context, listenerID string) (db.ListenerBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := uuid.Parse(listenerID)
	if err != nil {
		return db.ListenerBalance{}, err
	}
	b, ok := f.Balances[listenerID]
	if !ok {
		b = db.ListenerBalance{ListenerID: id}
		f.Balances[listenerID] = b
	}
	return b, nil
}

func (f *FakeStore) CreditListenerBalance(ctx context.Context, listenerID string, amount db.Money) (db.ListenerBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := uuid.Parse(listenerID)
	if err != nil {
		return db.ListenerBalance{}, err
	}
	b := f.Balances[listenerID]
	b.ListenerID = id
	b.Available += amount
	b.LifetimeEarned += amount
	f.Balances[listenerID] = b
	return b, nil
}

func (f *FakeStore) CreditListenerExtensionEarnings(ctx context.Context, listenerID string, amount db.Money) (db.ListenerBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := uuid.Parse(listenerID)
	if err != nil {
		return db.ListenerBalance{}, err
	}
	b := f.Balances[listenerID]
	b.ListenerID = id
	b.ExtensionEarned += amount
	f.Balances[listenerID] = b
	return b, nil
}

func (f *FakeStore) DebitListenerBalance(ctx context.Context, listenerID string, amount db.Money) (db.ListenerBalance, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Balances[listenerID]
	if !ok || b.Available < amount {
		return db.ListenerBalance{}, false, nil
	}
	b.Available -= amount
	f.Balances[listenerID] = b
	return b, true, nil
}

func (f *FakeStore) CreateRejectionRecord(ctx context.Context, r db.RejectionRecord) (db.RejectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	f.Rejections = append(f.Rejections, r)
	return r, nil
}

func (f *FakeStore) LockListener(ctx context.Context, listenerID string) error {
	return nil
}

// WithTx runs fn directly against f: there is no real transaction to
// begin, so every mutation fn makes is immediately visible and there is
// no rollback-on-error behavior to emulate.
func (f *FakeStore) WithTx(ctx context.Context, fn func(q db.Querier) error) error {
	return fn(f)
}

var _ db.TxStore = (*FakeStore)(nil)
