// Package session implements the Session Engine (C7): the per-live-call
// state machine owning the authoritative timer loop, the acceptance,
// extension, and termination protocol, and the financial side effects of
// a call ending. One Runner task exists per active session, spawned on
// first attach and living until its session reaches a terminal status
// and both participant attachments have drained (spec §4.3).
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/pubsub"
)

// Config holds the Session Engine's tunables, sourced from spec §6's
// recognized config options.
type Config struct {
	TickInterval     time.Duration
	WarningThreshold float64 // minutes
	EndGrace         time.Duration
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     2 * time.Second,
		WarningThreshold: 3,
		EndGrace:         time.Second,
	}
}

// Engine owns the registry of live Runners — "at most one Runner per
// session id, enforced by a per-session lock at startup" (spec §4.3.6).
type Engine struct {
	store  db.TxStore
	fabric pubsub.Fabric
	cfg    Config

	mu      sync.Mutex
	runners map[uuid.UUID]*Runner
}

// New builds a Session Engine over a Store and Pub/Sub Fabric.
func New(store db.TxStore, fabric pubsub.Fabric, cfg Config) *Engine {
	return &Engine{
		store:   store,
		fabric:  fabric,
		cfg:     cfg,
		runners: make(map[uuid.UUID]*Runner),
	}
}

// StatusSnapshot is what Attach and get_status return to a caller.
type StatusSnapshot struct {
	SessionID        uuid.UUID     `json:"session_id"`
	Status           db.SessionStatus `json:"status"`
	TimerRunning     bool          `json:"timer_running"`
	RemainingMinutes float64       `json:"remaining_minutes"`
	ServerTime       time.Time     `json:"server_time"`
}

func snapshotOf(s db.Session) StatusSnapshot {
	snap := StatusSnapshot{
		SessionID:  s.ID,
		Status:     s.Status,
		ServerTime: time.Now(),
	}
	if s.StartedAt == nil {
		// Acceptance gating (§4.3.4): display-only, not counting.
		snap.TimerRunning = false
		snap.RemainingMinutes = s.TotalMinutesPurchased
		return snap
	}
	snap.TimerRunning = !s.Status.IsTerminal()
	snap.RemainingMinutes = remaining(s)
	return snap
}

func remaining(s db.Session) float64 {
	if s.StartedAt == nil {
		return s.TotalMinutesPurchased
	}
	elapsed := time.Since(*s.StartedAt).Minutes()
	r := s.TotalMinutesPurchased - elapsed
	if r < 0 {
		return 0
	}
	return r
}

// ErrTerminal and ErrPaymentNotValid are wrapped as the Cause of the
// apperr.Precondition errors Attach returns, so a caller that needs to
// tell the two rejection reasons apart (the realtime attachment's
// distinct close codes, spec §4.5) can use errors.Is without parsing
// messages.
var (
	ErrTerminal        = errors.New("session is already terminal")
	ErrPaymentNotValid = errors.New("payment for session is not confirmed")
)

// Attach implements the Attach public operation. It authorizes the
// caller, refuses a terminal session, ensures a Runner is running for
// non-terminal sessions, registers the attachment, and returns the
// current status snapshot.
func (e *Engine) Attach(ctx context.Context, sessionID, callerID uuid.UUID) (StatusSnapshot, error) {
	s, err := e.store.GetSession(ctx, sessionID.String())
	if err != nil {
		return StatusSnapshot{}, apperr.NotFound("session %s not found", sessionID)
	}

	if s.TalkerID != callerID && s.ListenerID != callerID {
		return StatusSnapshot{}, apperr.Authorization("caller is not a participant of session %s", sessionID)
	}

	if s.Status.IsTerminal() {
		return StatusSnapshot{}, apperr.Wrap(apperr.KindPrecondition, "session already terminal", ErrTerminal)
	}

	purchase, err := e.store.GetPurchase(ctx, s.InitialPurchaseID.String())
	if err != nil {
		return StatusSnapshot{}, apperr.Fatal("loading initial purchase", err)
	}
	if purchase.Status != db.PurchaseConfirmed && purchase.Status != db.PurchaseInProgress {
		return StatusSnapshot{}, apperr.Wrap(apperr.KindPrecondition, "payment not confirmed", ErrPaymentNotValid)
	}

	e.ensureRunner(sessionID)
	e.runnerFor(sessionID).incAttachment()

	return snapshotOf(s), nil
}

// Detach drops an attachment's membership, called when a realtime
// connection closes. It never force-terminates the session (spec §5).
func (e *Engine) Detach(sessionID uuid.UUID) {
	if r := e.runnerFor(sessionID); r != nil {
		r.decAttachment()
	}
}

// Accept implements the listener-only Accept operation.
func (e *Engine) Accept(ctx context.Context, sessionID, listenerID uuid.UUID) error {
	r := e.runnerFor(sessionID)
	if r == nil {
		return apperr.NotFound("no runner for session %s", sessionID)
	}
	return r.accept(ctx, listenerID)
}

// EndCall implements the EndCall operation, callable by either party.
func (e *Engine) EndCall(ctx context.Context, sessionID, callerID uuid.UUID, reason string) error {
	r := e.runnerFor(sessionID)
	if r == nil {
		return apperr.NotFound("no runner for session %s", sessionID)
	}
	return r.end(ctx, callerID, reason)
}

// ExtendApply implements the webhook-driven ExtendApply operation.
// Idempotent on extensionPurchaseID once a PayoutRecord exists for that
// purchase; before then a repeated call adds the minutes again.
func (e *Engine) ExtendApply(ctx context.Context, sessionID, extensionPurchaseID uuid.UUID, addedMinutes float64) error {
	if _, err := e.store.GetSession(ctx, sessionID.String()); err != nil {
		return apperr.NotFound("session %s not found", sessionID)
	}
	e.ensureRunner(sessionID)
	r := e.runnerFor(sessionID)
	return r.extendApply(ctx, extensionPurchaseID, addedMinutes)
}

// FailConnecting implements the webhook-driven "connecting -> failed"
// transition of spec §4.3.2: a session whose initial purchase is
// cancelled or refunded before the listener accepts never becomes
// billable and must not sit forever in connecting.
func (e *Engine) FailConnecting(ctx context.Context, sessionID uuid.UUID, reason string) error {
	if _, err := e.store.GetSession(ctx, sessionID.String()); err != nil {
		return apperr.NotFound("session %s not found", sessionID)
	}
	e.ensureRunner(sessionID)
	r := e.runnerFor(sessionID)
	return r.failConnecting(ctx, reason)
}

// SignalRelay fans an opaque blob to the other attachment of a session.
func (e *Engine) SignalRelay(ctx context.Context, sessionID, fromID uuid.UUID, payload any) error {
	return e.fabric.Publish(ctx, pubsub.SessionGroup(sessionID.String()), Event{
		Type:            EventSignalRelay,
		SessionID:       sessionID.String(),
		FromParticipant: fromID.String(),
		Payload:         payload,
		ServerTime:      time.Now(),
	})
}

// Status returns a fresh snapshot for get_status requests.
func (e *Engine) Status(ctx context.Context, sessionID uuid.UUID) (StatusSnapshot, error) {
	s, err := e.store.GetSession(ctx, sessionID.String())
	if err != nil {
		return StatusSnapshot{}, apperr.NotFound("session %s not found", sessionID)
	}
	return snapshotOf(s), nil
}

func (e *Engine) ensureRunner(sessionID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runners[sessionID]; ok {
		return
	}
	r := newRunner(sessionID, e.store, e.fabric, e.cfg, e.forget)
	e.runners[sessionID] = r
	go r.run(context.Background())
	logger.Info("session runner spawned", zap.String("session_id", sessionID.String()))
}

func (e *Engine) runnerFor(sessionID uuid.UUID) *Runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runners[sessionID]
}

func (e *Engine) forget(sessionID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runners, sessionID)
}
