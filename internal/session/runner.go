package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/pubsub"
)

// Runner is the cooperatively-scheduled, per-session task that owns the
// timer loop and every state transition for one session. It is the only
// writer of that session's Store rows and the only publisher of its
// lifecycle events to its fabric group (signal relays are published by
// Engine.SignalRelay directly); both the ticker and inbound commands are served from the
// same select loop so no two state writes for this session ever race.
type Runner struct {
	sessionID uuid.UUID
	store     db.TxStore
	fabric    pubsub.Fabric
	cfg       Config
	forget    func(uuid.UUID)

	commands    chan command
	attachments int32
	stopped     chan struct{}
}

type command struct {
	kind       string
	listenerID uuid.UUID
	callerID   uuid.UUID
	reason     string
	extPurchID uuid.UUID
	addMinutes float64
	result     chan error
}

func newRunner(sessionID uuid.UUID, store db.TxStore, fabric pubsub.Fabric, cfg Config, forget func(uuid.UUID)) *Runner {
	return &Runner{
		sessionID: sessionID,
		store:     store,
		fabric:    fabric,
		cfg:       cfg,
		forget:    forget,
		commands:  make(chan command, 8),
		stopped:   make(chan struct{}),
	}
}

func (r *Runner) incAttachment() { atomic.AddInt32(&r.attachments, 1) }
func (r *Runner) decAttachment() {
	for {
		cur := atomic.LoadInt32(&r.attachments)
		if cur == 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&r.attachments, cur, cur-1) {
			return
		}
	}
}
func (r *Runner) attachmentCount() int32 { return atomic.LoadInt32(&r.attachments) }

func (r *Runner) submit(ctx context.Context, cmd command) error {
	cmd.result = make(chan error, 1)
	select {
	case r.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return apperr.Precondition("session %s runner has stopped", r.sessionID)
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) accept(ctx context.Context, listenerID uuid.UUID) error {
	return r.submit(ctx, command{kind: "accept", listenerID: listenerID})
}

func (r *Runner) end(ctx context.Context, callerID uuid.UUID, reason string) error {
	return r.submit(ctx, command{kind: "end", callerID: callerID, reason: reason})
}

func (r *Runner) extendApply(ctx context.Context, extPurchID uuid.UUID, addMinutes float64) error {
	return r.submit(ctx, command{kind: "extend", extPurchID: extPurchID, addMinutes: addMinutes})
}

func (r *Runner) failConnecting(ctx context.Context, reason string) error {
	return r.submit(ctx, command{kind: "fail", reason: reason})
}

// run is the Runner's main loop: wakes on a fixed cadence to advance the
// timer (spec §4.3.3) and otherwise serves acceptance/extension/end
// commands as they arrive.
func (r *Runner) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	defer close(r.stopped)
	defer r.forget(r.sessionID)

	for {
		select {
		case <-ticker.C:
			if r.tick(ctx) {
				return
			}
		case cmd := <-r.commands:
			cmd.result <- r.handle(ctx, cmd)
		}
	}
}

func (r *Runner) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case "accept":
		return r.doAccept(ctx, cmd.listenerID)
	case "end":
		return r.doEnd(ctx, cmd.callerID, cmd.reason)
	case "extend":
		return r.doExtend(ctx, cmd.extPurchID, cmd.addMinutes)
	case "fail":
		return r.doFailConnecting(ctx, cmd.reason)
	default:
		return apperr.Validation("unknown runner command %q", cmd.kind)
	}
}

func (r *Runner) doAccept(ctx context.Context, listenerID uuid.UUID) error {
	s, err := r.store.GetSession(ctx, r.sessionID.String())
	if err != nil {
		return apperr.NotFound("session %s not found", r.sessionID)
	}
	if s.ListenerID != listenerID {
		return apperr.Authorization("only the listener may accept session %s", r.sessionID)
	}
	if s.Status != db.SessionConnecting {
		return apperr.Precondition("session %s is not connecting", r.sessionID)
	}

	var accepted db.Session
	txErr := r.store.WithTx(ctx, func(q db.Querier) error {
		var err error
		accepted, err = q.AcceptSession(ctx, r.sessionID.String())
		if err != nil {
			return apperr.Fatal("accepting session", err)
		}
		if _, err := q.SetPurchaseStatus(ctx, s.InitialPurchaseID.String(), db.PurchaseInProgress, nil); err != nil {
			return apperr.Fatal("advancing initial purchase to in_progress", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	r.publish(ctx, Event{
		Type:             EventCallAccepted,
		SessionID:        r.sessionID.String(),
		Status:           string(accepted.Status),
		TimerRunning:     true,
		RemainingMinutes: remaining(accepted),
		ServerTime:       time.Now(),
	})
	return nil
}

func (r *Runner) doEnd(ctx context.Context, callerID uuid.UUID, reason string) error {
	s, err := r.store.GetSession(ctx, r.sessionID.String())
	if err != nil {
		return apperr.NotFound("session %s not found", r.sessionID)
	}
	if s.Status.IsTerminal() {
		return apperr.Precondition("session %s is already terminal", r.sessionID)
	}
	if s.TalkerID != callerID && s.ListenerID != callerID {
		return apperr.Authorization("caller is not a participant of session %s", r.sessionID)
	}

	minutesUsed := computeMinutesUsed(s)
	return r.terminate(ctx, s, db.SessionEnded, minutesUsed, reason)
}

func (r *Runner) doExtend(ctx context.Context, extPurchaseID uuid.UUID, addMinutes float64) error {
	s, err := r.store.GetSession(ctx, r.sessionID.String())
	if err != nil {
		return apperr.NotFound("session %s not found", r.sessionID)
	}

	// Idempotent on extension_purchase_id: a payout record already
	// existing for this purchase means a prior delivery already applied
	// it.
	existing, err := r.store.GetPayoutRecordByPurchase(ctx, extPurchaseID.String())
	if err != nil {
		return apperr.Fatal("checking existing payout for extension", err)
	}
	if existing != nil {
		return nil
	}

	if s.Status.IsTerminal() {
		// Boundary behavior: an extension arriving after timeout must be
		// refunded, not credited — handled by the webhook reconciler via
		// the purchase's refund path. The engine only rejects the apply.
		return apperr.Precondition("session %s is terminal; extension must be refunded", r.sessionID)
	}

	updated, err := r.store.AddSessionMinutes(ctx, r.sessionID.String(), addMinutes)
	if err != nil {
		return apperr.Fatal("adding session minutes", err)
	}

	r.publish(ctx, Event{
		Type:                  EventMinutesExtended,
		SessionID:             r.sessionID.String(),
		Status:                string(updated.Status),
		TimerRunning:          updated.StartedAt != nil,
		RemainingMinutes:      remaining(updated),
		TotalMinutesPurchased: updated.TotalMinutesPurchased,
		ServerTime:            time.Now(),
	})
	return nil
}

// doFailConnecting implements the connecting -> failed transition driven
// by the webhook reconciler observing a cancelled/refunded initial
// purchase before acceptance. A no-op if the session already moved past
// connecting (accepted, or already terminal).
func (r *Runner) doFailConnecting(ctx context.Context, reason string) error {
	s, err := r.store.GetSession(ctx, r.sessionID.String())
	if err != nil {
		return apperr.NotFound("session %s not found", r.sessionID)
	}
	if s.Status != db.SessionConnecting {
		return nil
	}
	return r.terminate(ctx, s, db.SessionFailed, 0, reason)
}

// tick is one wake of the authoritative clock (spec §4.3.3). Returns true
// if the Runner should stop.
func (r *Runner) tick(ctx context.Context) bool {
	s, err := r.store.GetSession(ctx, r.sessionID.String())
	if err != nil {
		logger.Error("runner tick: session load failed", zap.String("session_id", r.sessionID.String()), zap.Error(err))
		return false
	}

	if s.Status.IsTerminal() {
		return r.attachmentCount() == 0
	}

	if s.StartedAt == nil {
		// Acceptance gating (§4.3.4): no decrement, no warning, no
		// time_update before acceptance.
		return false
	}

	rem := remaining(s)
	if rem <= 0 {
		r.publish(ctx, Event{
			Type:         EventCallEnding,
			SessionID:    r.sessionID.String(),
			Status:       string(s.Status),
			TimerRunning: true,
			ServerTime:   time.Now(),
		})
		if err := r.terminate(ctx, s, db.SessionTimeout, s.TotalMinutesPurchased, "timeout"); err != nil {
			logger.Error("runner tick: terminate on timeout failed", zap.String("session_id", r.sessionID.String()), zap.Error(err))
			return false
		}
		return true
	}

	if rem <= r.cfg.WarningThreshold && !s.WarningSentFlag {
		if err := r.store.SetSessionWarningSent(ctx, r.sessionID.String()); err != nil {
			logger.Error("runner tick: persisting warning flag failed", zap.Error(err))
			return false
		}
		r.publish(ctx, Event{
			Type:             EventTimeWarning,
			SessionID:        r.sessionID.String(),
			Status:           string(s.Status),
			TimerRunning:     true,
			RemainingMinutes: rem,
			ServerTime:       time.Now(),
		})
		return false
	}

	r.publish(ctx, Event{
		Type:             EventTimeUpdate,
		SessionID:        r.sessionID.String(),
		Status:           string(s.Status),
		TimerRunning:     true,
		RemainingMinutes: rem,
		ServerTime:       time.Now(),
	})

	return false
}

func computeMinutesUsed(s db.Session) float64 {
	if s.StartedAt == nil {
		return 0
	}
	elapsed := time.Since(*s.StartedAt).Minutes()
	if elapsed > s.TotalMinutesPurchased {
		return s.TotalMinutesPurchased
	}
	return elapsed
}

// terminate is the terminal-transition routine of §4.3.5. It runs the
// status write and every financial side effect inside one Store
// transaction so the engine never leaves a terminal session without a
// matching payout row for each confirmed linked purchase; it is the sole
// writer of ListenerBalance in the engine (§9's resolved open question).
func (r *Runner) terminate(ctx context.Context, s db.Session, status db.SessionStatus, minutesUsed float64, reason string) error {
	var terminated db.Session
	txErr := r.store.WithTx(ctx, func(q db.Querier) error {
		var err error
		terminated, err = q.TerminateSession(ctx, r.sessionID.String(), status, minutesUsed, reason)
		if err != nil {
			return apperr.Fatal("terminating session", err)
		}
		return commitFinancialSideEffects(ctx, q, terminated)
	})
	if txErr != nil {
		// Never leave a terminal session without matching payout rows;
		// the caller (tick or doEnd) logs and propagates the error so the
		// request can be retried, or the next tick retries it if the
		// session is still non-terminal in the Store.
		return txErr
	}

	r.publish(ctx, Event{
		Type:             EventCallEnded,
		SessionID:        r.sessionID.String(),
		Status:           string(terminated.Status),
		TimerRunning:     false,
		RemainingMinutes: 0,
		Reason:           reason,
		MinutesUsed:      minutesUsed,
		ServerTime:       time.Now(),
	})
	return nil
}

// commitFinancialSideEffects implements §4.3.5 steps 1-3. A session that
// failed before acceptance never billed anything — its initial purchase
// was already cancelled or refunded by the webhook reconciler that
// triggered the failure — so there is nothing to complete or credit.
func commitFinancialSideEffects(ctx context.Context, q db.Querier, s db.Session) error {
	if s.Status == db.SessionFailed {
		return nil
	}

	if _, err := q.SetPurchaseStatus(ctx, s.InitialPurchaseID.String(), db.PurchaseCompleted, nil); err != nil {
		return apperr.Fatal("completing initial purchase", err)
	}

	linked, err := q.ListConfirmedPurchasesForSession(ctx, s.ID.String())
	if err != nil {
		return apperr.Fatal("listing linked purchases", err)
	}

	for _, p := range linked {
		if p.ID != s.InitialPurchaseID {
			if _, err := q.SetPurchaseStatus(ctx, p.ID.String(), db.PurchaseCompleted, nil); err != nil {
				return apperr.Fatal("completing extension purchase", err)
			}
		}

		payout, err := q.GetPayoutRecordByPurchase(ctx, p.ID.String())
		if err != nil {
			return apperr.Fatal("loading payout record", err)
		}
		if payout == nil || payout.Status != db.PayoutProcessing {
			continue
		}

		if _, err := q.SetPayoutStatus(ctx, payout.ID.String(), db.PayoutEarned); err != nil {
			return apperr.Fatal("flipping payout to earned", err)
		}

		// Extension payouts are earned income but excluded from the
		// withdrawable balance, tracked separately instead (§9).
		if p.IsExtension {
			if _, err := q.CreditListenerExtensionEarnings(ctx, s.ListenerID.String(), p.ListenerAmount); err != nil {
				return apperr.Fatal("crediting listener extension earnings", err)
			}
			continue
		}
		if _, err := q.CreditListenerBalance(ctx, s.ListenerID.String(), p.ListenerAmount); err != nil {
			return apperr.Fatal("crediting listener balance", err)
		}
	}

	return nil
}

func (r *Runner) publish(ctx context.Context, ev Event) {
	if err := r.fabric.Publish(ctx, pubsub.SessionGroup(r.sessionID.String()), ev); err != nil {
		logger.Warn("session event publish failed",
			zap.String("session_id", r.sessionID.String()), zap.String("event", string(ev.Type)), zap.Error(err))
	}
}
