package purchase

import (
	"context"

	"github.com/stripe/stripe-go/v82"

	"github.com/talkline/callengine/internal/payment"
	"github.com/talkline/callengine/internal/pubsub"
)

// fakeGateway is a hand-rolled payment.Gateway double — the interface is
// three methods, cheap enough to fake directly rather than reach for a
// generated mock.
type fakeGateway struct {
	checkoutURL string
	createErr   error
	createCalls []payment.CheckoutMetadata
}

func (g *fakeGateway) CreateCheckoutLink(ctx context.Context, amount int64, currency string, meta payment.CheckoutMetadata, successURL, cancelURL string) (string, error) {
	g.createCalls = append(g.createCalls, meta)
	if g.createErr != nil {
		return "", g.createErr
	}
	if g.checkoutURL == "" {
		return "https://checkout.example/session", nil
	}
	return g.checkoutURL, nil
}

func (g *fakeGateway) VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	return stripe.Event{}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, paymentRef string) error {
	return nil
}

var _ payment.Gateway = (*fakeGateway)(nil)

// noopFabric discards every publish and never receives a Subscribe call
// in these tests.
type noopFabric struct{}

func (noopFabric) Publish(ctx context.Context, group string, event any) error { return nil }
func (noopFabric) Subscribe(ctx context.Context, group string) (pubsub.Subscription, error) {
	return nil, nil
}

var _ pubsub.Fabric = noopFabric{}
