// Package purchase implements the Purchase Controller (C6): converts a
// package-template choice into a confirmed, paid purchase and a
// connecting Session bound to a listener.
package purchase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/payment"
	"github.com/talkline/callengine/internal/pubsub"
	"github.com/talkline/callengine/internal/session"
)

// Controller implements the Purchase Controller operations of spec §4.2.
// The availability check that gates both CreateInitialPurchase and
// AllocateSession always runs against the transaction-scoped Querier
// handed to WithTx, not a standalone Arbiter, so the check and the
// write it gates share the same per-listener advisory lock (spec §5).
type Controller struct {
	store      db.TxStore
	gateway    payment.Gateway
	fabric     pubsub.Fabric
	successURL string
	cancelURL  string
}

// New builds a Purchase Controller.
func New(store db.TxStore, gateway payment.Gateway, fabric pubsub.Fabric, successURL, cancelURL string) *Controller {
	return &Controller{store: store, gateway: gateway, fabric: fabric, successURL: successURL, cancelURL: cancelURL}
}

// InitialPurchaseResult is returned by CreateInitialPurchase.
type InitialPurchaseResult struct {
	Purchase      db.Purchase
	CheckoutURL   string
	FreeListeners []uuid.UUID // populated only when the listener was busy
}

// CreateInitialPurchase implements spec §4.2's "Create initial purchase".
// The availability check and purchase-row creation share the per-listener
// serialized region (§5) so two concurrent purchase attempts for the same
// listener cannot both observe IsListenerFree=true.
func (c *Controller) CreateInitialPurchase(ctx context.Context, talkerID, listenerID, templateID uuid.UUID) (InitialPurchaseResult, error) {
	template, err := c.store.GetPackageTemplate(ctx, templateID.String())
	if err != nil {
		return InitialPurchaseResult{}, apperr.NotFound("package template %s not found", templateID)
	}
	if !template.Active {
		return InitialPurchaseResult{}, apperr.Precondition("package template %s is not active", templateID)
	}

	var created db.Purchase
	var hints []string
	txErr := c.store.WithTx(ctx, func(q db.Querier) error {
		if err := q.LockListener(ctx, listenerID.String()); err != nil {
			return apperr.Fatal("locking listener for availability check", err)
		}

		free, err := q.IsListenerFree(ctx, listenerID.String())
		if err != nil {
			return apperr.Fatal("checking listener availability", err)
		}
		if !free {
			hints, _ = q.ListFreeListeners(ctx, template.Kind, listenerID.String(), 10)
			return apperr.Precondition("listener %s is not currently free", listenerID)
		}

		created, err = q.CreatePurchase(ctx, db.Purchase{
			TalkerID:       talkerID,
			ListenerID:     listenerID,
			TemplateID:     templateID,
			Status:         db.PurchasePending,
			IsExtension:    false,
			Total:          template.Price,
			Fee:            template.FeeAmount(),
			ListenerAmount: template.ListenerAmount(),
		})
		if err != nil {
			return apperr.Fatal("creating purchase", err)
		}
		return nil
	})
	if txErr != nil {
		freeListeners := make([]uuid.UUID, 0, len(hints))
		for _, s := range hints {
			if id, err := uuid.Parse(s); err == nil {
				freeListeners = append(freeListeners, id)
			}
		}
		return InitialPurchaseResult{FreeListeners: freeListeners}, txErr
	}

	checkoutURL, err := c.gateway.CreateCheckoutLink(ctx, created.Total.Cents(), "usd",
		payment.CheckoutMetadata{PurchaseID: created.ID.String(), Kind: "initial"},
		c.successURL, c.cancelURL)
	if err != nil {
		return InitialPurchaseResult{}, err
	}

	return InitialPurchaseResult{Purchase: created, CheckoutURL: checkoutURL}, nil
}

// ExtensionPurchaseResult is returned by CreateExtensionPurchase.
type ExtensionPurchaseResult struct {
	Purchase    db.Purchase
	CheckoutURL string
}

// CreateExtensionPurchase implements spec §4.2's "Create extension
// purchase".
func (c *Controller) CreateExtensionPurchase(ctx context.Context, talkerID, activeSessionID, templateID uuid.UUID) (ExtensionPurchaseResult, error) {
	sess, err := c.store.GetSession(ctx, activeSessionID.String())
	if err != nil {
		return ExtensionPurchaseResult{}, apperr.NotFound("session %s not found", activeSessionID)
	}
	if sess.TalkerID != talkerID {
		return ExtensionPurchaseResult{}, apperr.Authorization("caller is not the talker of session %s", activeSessionID)
	}
	if sess.Status != db.SessionConnecting && sess.Status != db.SessionActive {
		return ExtensionPurchaseResult{}, apperr.Precondition("session %s is not connecting or active", activeSessionID)
	}

	template, err := c.store.GetPackageTemplate(ctx, templateID.String())
	if err != nil {
		return ExtensionPurchaseResult{}, apperr.NotFound("package template %s not found", templateID)
	}
	if !template.Active {
		return ExtensionPurchaseResult{}, apperr.Precondition("package template %s is not active", templateID)
	}

	created, err := c.store.CreatePurchase(ctx, db.Purchase{
		TalkerID:       talkerID,
		ListenerID:     sess.ListenerID,
		TemplateID:     templateID,
		SessionID:      &activeSessionID,
		Status:         db.PurchasePending,
		IsExtension:    true,
		Total:          template.Price,
		Fee:            template.FeeAmount(),
		ListenerAmount: template.ListenerAmount(),
	})
	if err != nil {
		return ExtensionPurchaseResult{}, apperr.Fatal("creating extension purchase", err)
	}

	checkoutURL, err := c.gateway.CreateCheckoutLink(ctx, created.Total.Cents(), "usd",
		payment.CheckoutMetadata{PurchaseID: created.ID.String(), SessionID: activeSessionID.String(), Kind: "extension"},
		c.successURL, c.cancelURL)
	if err != nil {
		return ExtensionPurchaseResult{}, err
	}

	return ExtensionPurchaseResult{Purchase: created, CheckoutURL: checkoutURL}, nil
}

// AllocateSessionResult is returned by AllocateSession.
type AllocateSessionResult struct {
	Session         db.Session
	RealtimeAttachURL string
}

// AllocateSession implements spec §4.2's "Allocate session from confirmed
// purchase", sharing the per-listener serialized region with the
// availability check.
func (c *Controller) AllocateSession(ctx context.Context, callerID, purchaseID uuid.UUID, attachURLBase string) (AllocateSessionResult, error) {
	purchase, err := c.store.GetPurchase(ctx, purchaseID.String())
	if err != nil {
		return AllocateSessionResult{}, apperr.NotFound("purchase %s not found", purchaseID)
	}
	if purchase.Status != db.PurchaseConfirmed {
		return AllocateSessionResult{}, apperr.Precondition("purchase %s is not confirmed", purchaseID)
	}
	if purchase.TalkerID != callerID {
		return AllocateSessionResult{}, apperr.Authorization("caller is not the talker of purchase %s", purchaseID)
	}
	if existing, err := c.store.GetSessionByPurchase(ctx, purchaseID.String()); err == nil && existing != nil {
		return AllocateSessionResult{}, apperr.Precondition("a session already exists for purchase %s", purchaseID)
	}

	template, err := c.store.GetPackageTemplate(ctx, purchase.TemplateID.String())
	if err != nil {
		return AllocateSessionResult{}, apperr.Fatal("loading package template", err)
	}

	var created db.Session
	txErr := c.store.WithTx(ctx, func(q db.Querier) error {
		if err := q.LockListener(ctx, purchase.ListenerID.String()); err != nil {
			return apperr.Fatal("locking listener for allocation", err)
		}

		free, err := q.IsListenerFree(ctx, purchase.ListenerID.String())
		if err != nil {
			return apperr.Fatal("checking listener availability", err)
		}
		if !free {
			return apperr.Precondition("listener %s is no longer free", purchase.ListenerID)
		}

		created, err = q.CreateSession(ctx, db.Session{
			TalkerID:              purchase.TalkerID,
			ListenerID:            purchase.ListenerID,
			InitialPurchaseID:     purchase.ID,
			Kind:                  template.Kind,
			TotalMinutesPurchased: float64(template.DurationMinutes),
			Status:                db.SessionConnecting,
		})
		if err != nil {
			return apperr.Fatal("creating session", err)
		}

		if err := q.BindPurchaseToSession(ctx, purchase.ID.String(), created.ID.String()); err != nil {
			return apperr.Fatal("binding purchase to session", err)
		}
		if err := q.BindPayoutRecordToSession(ctx, purchase.ID.String(), created.ID.String()); err != nil {
			return apperr.Fatal("binding payout record to session", err)
		}
		return nil
	})
	if txErr != nil {
		return AllocateSessionResult{}, txErr
	}

	if err := c.fabric.Publish(ctx, pubsub.UserGroup(purchase.ListenerID.String()), session.IncomingCallEvent{
		Type:      "incoming_call",
		SessionID: created.ID.String(),
		TalkerID:  purchase.TalkerID.String(),
		Kind:      string(template.Kind),
	}); err != nil {
		// Publishing the notification is best-effort; the listener can
		// still discover the call via the HTTP surface or a subsequent
		// notifications attach.
		logger.Warn("incoming call notification publish failed",
			zap.String("session_id", created.ID.String()), zap.String("listener_id", purchase.ListenerID.String()), zap.Error(err))
	}

	return AllocateSessionResult{
		Session:           created,
		RealtimeAttachURL: fmt.Sprintf("%s/call/%s", attachURLBase, created.ID),
	}, nil
}
