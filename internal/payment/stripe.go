// Package payment implements the Payment Gateway Adapter (C3): hosted
// checkout link creation, signed webhook verification, and refunds,
// grounded on the teacher's stripe-go v82 client usage in
// libs/go/client/payment_sync/stripe.
package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/logger"
)

// CheckoutMetadata is carried on every checkout session the engine
// creates (spec §4.2): purchase_id and kind always, session_id for
// extensions.
type CheckoutMetadata struct {
	PurchaseID string
	SessionID  string
	Kind       string // "initial" | "extension" | "payout_collection"
}

// Gateway is the Payment Gateway Adapter port.
type Gateway interface {
	CreateCheckoutLink(ctx context.Context, amount int64, currency string, meta CheckoutMetadata, successURL, cancelURL string) (checkoutURL string, err error)
	VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error)
	Refund(ctx context.Context, paymentRef string) error
}

// StripeGateway is the Gateway implementation backed by Stripe Checkout.
type StripeGateway struct {
	client        *stripe.Client
	webhookSecret string
}

// NewStripeGateway builds a StripeGateway from an API key and webhook
// signing secret (spec §6 config: payment_api_key, payment_webhook_secret).
func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	return &StripeGateway{
		client:        stripe.NewClient(apiKey, nil),
		webhookSecret: webhookSecret,
	}
}

// CreateCheckoutLink creates a hosted Stripe Checkout Session tagged with
// the purchase metadata the Webhook Reconciler later reads back.
func (g *StripeGateway) CreateCheckoutLink(ctx context.Context, amount int64, currency string, meta CheckoutMetadata, successURL, cancelURL string) (string, error) {
	metadata := map[string]string{
		"purchase_id": meta.PurchaseID,
		"kind":        meta.Kind,
	}
	if meta.SessionID != "" {
		metadata["session_id"] = meta.SessionID
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata:   metadata,
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(amount),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String("Call package"),
					},
				},
			},
		},
	}

	sess, err := g.client.V1CheckoutSessions.New(ctx, params)
	if err != nil {
		logger.Error("stripe checkout session creation failed", zap.String("purchase_id", meta.PurchaseID), zap.Error(err))
		return "", apperr.Upstream("creating stripe checkout session", err)
	}
	return sess.URL, nil
}

// VerifyWebhook validates a webhook's signature against the configured
// secret and returns the decoded event.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, g.webhookSecret)
	if err != nil {
		return stripe.Event{}, apperr.Validation("webhook signature verification failed: %v", err)
	}
	return event, nil
}

// Refund issues a refund for a prior charge, looked up by the opaque
// payment reference (the checkout session id) captured on the Purchase.
func (g *StripeGateway) Refund(ctx context.Context, paymentRef string) error {
	sess, err := g.client.V1CheckoutSessions.Retrieve(ctx, paymentRef, &stripe.CheckoutSessionRetrieveParams{})
	if err != nil {
		return apperr.Upstream("loading checkout session for refund", err)
	}
	if sess.PaymentIntent == nil {
		return apperr.Upstream("checkout session has no payment intent to refund", fmt.Errorf("payment_ref=%s", paymentRef))
	}

	_, err = g.client.V1Refunds.New(ctx, &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(sess.PaymentIntent.ID),
	})
	if err != nil {
		return apperr.Upstream("issuing stripe refund", err)
	}
	return nil
}
