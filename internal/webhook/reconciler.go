// Package webhook implements the Webhook Reconciler (C8): an idempotent
// consumer of signed payment events that drives purchase and extension
// confirmation, refund propagation, and the one connecting-session
// failure transition that originates outside the Session Engine,
// grounded on the teacher's event-type switch in
// libs/go/client/payment_sync/stripe/webhook.go.
package webhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/payment"
	"github.com/talkline/callengine/internal/session"
)

// Reconciler applies Stripe events to the Store and the Session Engine.
type Reconciler struct {
	store   db.TxStore
	gateway payment.Gateway
	engine  *session.Engine
}

// New builds a Reconciler.
func New(store db.TxStore, gateway payment.Gateway, engine *session.Engine) *Reconciler {
	return &Reconciler{store: store, gateway: gateway, engine: engine}
}

// HandleEvent verifies the webhook signature and dispatches the decoded
// event. A signature failure, or an error while applying a recognized
// event, is returned to the caller (which answers 400); an unrecognized
// event type is acknowledged with a nil error.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := r.gateway.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		return err
	}

	logger.Info("webhook event received", zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case stripe.EventTypePaymentIntentPaymentFailed:
		return r.handlePaymentFailed(ctx, event)
	case stripe.EventTypeChargeRefunded:
		return r.handleChargeRefunded(ctx, event)
	default:
		logger.Info("webhook event acknowledged without handling", zap.String("event_type", string(event.Type)))
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var checkout stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
		return apperr.Validation("decoding checkout.session.completed payload: %v", err)
	}

	purchaseID := checkout.Metadata["purchase_id"]
	kind := checkout.Metadata["kind"]
	if purchaseID == "" || kind == "" {
		return apperr.Validation("checkout session %s is missing purchase_id/kind metadata", checkout.ID)
	}

	switch kind {
	case "initial":
		return r.confirmInitialPurchase(ctx, purchaseID, checkout.ID)
	case "extension":
		sessionID := checkout.Metadata["session_id"]
		if sessionID == "" {
			return apperr.Validation("extension checkout session %s is missing session_id metadata", checkout.ID)
		}
		return r.confirmExtensionPurchase(ctx, purchaseID, sessionID, checkout.ID)
	case "payout_collection":
		return r.completePayoutCollection(ctx, purchaseID)
	default:
		logger.Warn("checkout.session.completed with unrecognized kind", zap.String("kind", kind), zap.String("purchase_id", purchaseID))
		return nil
	}
}

// confirmInitialPurchase implements spec §4.4's first bullet. Idempotent
// on purchase id: ConfirmPurchase's WHERE status='pending' guard makes a
// repeat delivery a no-op, and CreatePayoutRecord's ON CONFLICT DO
// NOTHING makes a repeat payout insert a no-op too.
func (r *Reconciler) confirmInitialPurchase(ctx context.Context, purchaseID, externalRef string) error {
	purchase, err := r.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return apperr.NotFound("purchase %s not found", purchaseID)
	}
	if purchase.Status != db.PurchasePending {
		return nil
	}

	return r.store.WithTx(ctx, func(q db.Querier) error {
		confirmed, err := q.ConfirmPurchase(ctx, purchaseID, externalRef)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return apperr.Fatal("confirming initial purchase", err)
		}

		_, err = q.CreatePayoutRecord(ctx, db.PayoutRecord{
			ListenerID:  confirmed.ListenerID,
			PurchaseID:  confirmed.ID,
			IsExtension: false,
			Amount:      confirmed.ListenerAmount,
			Status:      db.PayoutProcessing,
		})
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return apperr.Fatal("creating initial payout record", err)
		}
		return nil
	})
}

// confirmExtensionPurchase implements spec §4.4's second bullet. The
// Store confirmation and the Runner's minute addition are deliberately
// two separate steps rather than one enclosing transaction: ExtendApply
// is served from the session's Runner mailbox, not a direct Store write,
// so holding a Postgres transaction across that round-trip would pin a
// connection for no reason. Ordering instead carries the idempotency:
// ExtendApply's own guard (an existing PayoutRecord for this purchase)
// only starts protecting redelivery once that record is created here,
// so the apply always happens before the record that will suppress it.
func (r *Reconciler) confirmExtensionPurchase(ctx context.Context, purchaseID, sessionID, externalRef string) error {
	purchase, err := r.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return apperr.NotFound("purchase %s not found", purchaseID)
	}
	if purchase.Status != db.PurchasePending {
		return nil
	}

	if _, err := r.store.ConfirmPurchase(ctx, purchaseID, externalRef); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return apperr.Fatal("confirming extension purchase", err)
	}

	template, err := r.store.GetPackageTemplate(ctx, purchase.TemplateID.String())
	if err != nil {
		return apperr.Fatal("loading extension package template", err)
	}

	sid, err := uuid.Parse(sessionID)
	if err != nil {
		return apperr.Validation("invalid session_id %q in extension metadata", sessionID)
	}
	pid, err := uuid.Parse(purchaseID)
	if err != nil {
		return apperr.Validation("invalid purchase_id %q in extension metadata", purchaseID)
	}

	if err := r.engine.ExtendApply(ctx, sid, pid, float64(template.DurationMinutes)); err != nil {
		if apperr.KindOf(err) == apperr.KindPrecondition {
			// The session is already terminal: the extension is refunded
			// instead of credited, and no payout record is created.
			return r.ApplyExplicitRefund(ctx, purchaseID, externalRef)
		}
		return err
	}

	if _, err := r.store.CreatePayoutRecord(ctx, db.PayoutRecord{
		ListenerID:  purchase.ListenerID,
		PurchaseID:  purchase.ID,
		SessionID:   &sid,
		IsExtension: true,
		Amount:      purchase.ListenerAmount,
		Status:      db.PayoutProcessing,
	}); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return apperr.Fatal("creating extension payout record", err)
	}

	return nil
}

// completePayoutCollection implements spec §4.4's third bullet: a
// listener-initiated payout collection (withdrawing earned balance)
// reached its own checkout completion. The metadata's purchase_id slot
// carries the collection's PayoutRecord id in this flow.
func (r *Reconciler) completePayoutCollection(ctx context.Context, payoutRecordID string) error {
	if err := r.store.WithTx(ctx, func(q db.Querier) error {
		_, err := q.SetPayoutStatus(ctx, payoutRecordID, db.PayoutCompleted)
		return err
	}); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return apperr.Fatal("completing payout collection", err)
	}
	return nil
}

// handlePaymentFailed implements spec §4.4's fourth bullet. Stripe
// carries the checkout session's metadata forward onto the failed
// PaymentIntent, so purchase_id is read the same way as on completion.
func (r *Reconciler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return apperr.Validation("decoding payment_intent.payment_failed payload: %v", err)
	}

	purchaseID := intent.Metadata["purchase_id"]
	if purchaseID == "" {
		logger.Warn("payment_intent.payment_failed without purchase_id metadata", zap.String("payment_intent_id", intent.ID))
		return nil
	}

	purchase, err := r.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return apperr.NotFound("purchase %s not found", purchaseID)
	}
	if purchase.Status == db.PurchaseCancelled || purchase.Status == db.PurchaseRefunded {
		return nil
	}

	reason := "payment failed"
	if _, err := r.store.SetPurchaseStatus(ctx, purchaseID, db.PurchaseCancelled, &reason); err != nil {
		return apperr.Fatal("cancelling purchase after payment failure", err)
	}

	if purchase.IsExtension || purchase.SessionID == nil {
		return nil
	}

	sess, err := r.store.GetSession(ctx, purchase.SessionID.String())
	if err != nil {
		return nil
	}
	if sess.Status != db.SessionConnecting {
		return nil
	}
	return r.engine.FailConnecting(ctx, sess.ID, reason)
}

// handleChargeRefunded implements spec §4.4's fifth bullet. The refunded
// Charge carries the same metadata the checkout session set on its
// PaymentIntent.
func (r *Reconciler) handleChargeRefunded(ctx context.Context, event stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return apperr.Validation("decoding charge.refunded payload: %v", err)
	}
	return r.applyRefund(ctx, charge.Metadata["purchase_id"])
}

// ApplyExplicitRefund implements spec §4.4's "explicit refund call" path:
// an operator or rejection flow that issues a refund directly through
// the Payment Gateway Adapter rather than waiting on Stripe's webhook.
// It shares every Store/Engine side effect with the webhook path.
func (r *Reconciler) ApplyExplicitRefund(ctx context.Context, purchaseID, paymentRef string) error {
	if err := r.gateway.Refund(ctx, paymentRef); err != nil {
		return err
	}
	return r.applyRefund(ctx, purchaseID)
}

// applyRefund is shared by the charge.refunded webhook and any explicit,
// operator-triggered refund call.
func (r *Reconciler) applyRefund(ctx context.Context, purchaseID string) error {
	if purchaseID == "" {
		logger.Warn("refund event without purchase_id metadata")
		return nil
	}

	purchase, err := r.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return apperr.NotFound("purchase %s not found", purchaseID)
	}
	if purchase.Status == db.PurchaseRefunded {
		return nil
	}

	reason := "refunded"
	if _, err := r.store.SetPurchaseStatus(ctx, purchaseID, db.PurchaseRefunded, &reason); err != nil {
		return apperr.Fatal("marking purchase refunded", err)
	}

	payout, err := r.store.GetPayoutRecordByPurchase(ctx, purchaseID)
	if err != nil {
		return apperr.Fatal("loading payout record for refund", err)
	}
	if payout != nil && payout.Status == db.PayoutProcessing {
		if _, err := r.store.SetPayoutStatus(ctx, payout.ID.String(), db.PayoutCancelled); err != nil {
			return apperr.Fatal("cancelling payout record for refund", err)
		}
	}

	if purchase.IsExtension || purchase.SessionID == nil {
		return nil
	}
	sess, err := r.store.GetSession(ctx, purchase.SessionID.String())
	if err != nil {
		return nil
	}
	if sess.Status != db.SessionConnecting {
		return nil
	}
	return r.engine.FailConnecting(ctx, sess.ID, reason)
}

// RejectSession implements spec scenario S5's rejection endpoint: the
// listener declines a connecting session before accepting it. The
// initial purchase is refunded in full (the original ledger's
// CallRejectionViewSet.reject_call refunds call_package.total_amount,
// not just the listener's share), its payout record (if any) cancelled,
// a RejectionRecord is kept for audit with a closed reason code and
// freeform notes, and the session transitions to failed.
func (r *Reconciler) RejectSession(ctx context.Context, sessionID, listenerID uuid.UUID, reason db.RejectionReason, notes string) error {
	sess, err := r.store.GetSession(ctx, sessionID.String())
	if err != nil {
		return apperr.NotFound("session %s not found", sessionID)
	}
	if sess.ListenerID != listenerID {
		return apperr.Authorization("caller is not the listener of session %s", sessionID)
	}
	if sess.Status != db.SessionConnecting {
		return apperr.Precondition("session %s can only be rejected while connecting", sessionID)
	}

	purchase, err := r.store.GetPurchase(ctx, sess.InitialPurchaseID.String())
	if err != nil {
		return apperr.Fatal("loading initial purchase for rejection", err)
	}

	refundIssued := false
	var refundAmount db.Money
	if purchase.ExternalPaymentRef != nil {
		if err := r.gateway.Refund(ctx, *purchase.ExternalPaymentRef); err != nil {
			logger.Error("rejection refund failed, proceeding with rejection anyway",
				zap.String("session_id", sessionID.String()), zap.Error(err))
		} else {
			refundIssued = true
			refundAmount = purchase.Total
		}
	}

	reasonText := string(reason)
	if _, err := r.store.SetPurchaseStatus(ctx, purchase.ID.String(), db.PurchaseRefunded, &reasonText); err != nil {
		return apperr.Fatal("marking rejected purchase refunded", err)
	}

	payout, err := r.store.GetPayoutRecordByPurchase(ctx, purchase.ID.String())
	if err != nil {
		return apperr.Fatal("loading payout record for rejection", err)
	}
	if payout != nil && payout.Status == db.PayoutProcessing {
		if _, err := r.store.SetPayoutStatus(ctx, payout.ID.String(), db.PayoutCancelled); err != nil {
			return apperr.Fatal("cancelling payout record for rejection", err)
		}
	}

	if _, err := r.store.CreateRejectionRecord(ctx, db.RejectionRecord{
		SessionID:    sessionID,
		PurchaseID:   purchase.ID,
		ListenerID:   listenerID,
		Reason:       reason,
		Notes:        notes,
		RefundIssued: refundIssued,
		RefundAmount: refundAmount,
	}); err != nil {
		return apperr.Fatal("recording rejection", err)
	}

	return r.engine.FailConnecting(ctx, sessionID, reasonText)
}
