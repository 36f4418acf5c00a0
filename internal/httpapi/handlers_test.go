package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/talkline/callengine/internal/availability"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/dbtest"
	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/mediatoken"
	"github.com/talkline/callengine/internal/middleware"
	"github.com/talkline/callengine/internal/payment"
	"github.com/talkline/callengine/internal/pubsub"
	"github.com/talkline/callengine/internal/purchase"
	"github.com/talkline/callengine/internal/session"
	"github.com/talkline/callengine/internal/webhook"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger.InitLogger(logger.StageLocal)
	os.Exit(m.Run())
}

type fakeGateway struct{}

func (fakeGateway) CreateCheckoutLink(ctx context.Context, amount int64, currency string, meta payment.CheckoutMetadata, successURL, cancelURL string) (string, error) {
	return "https://checkout.example/session", nil
}
func (fakeGateway) VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	return stripe.Event{}, nil
}
func (fakeGateway) Refund(ctx context.Context, paymentRef string) error { return nil }

var _ payment.Gateway = fakeGateway{}

type noopFabric struct{}

func (noopFabric) Publish(ctx context.Context, group string, event any) error { return nil }
func (noopFabric) Subscribe(ctx context.Context, group string) (pubsub.Subscription, error) {
	return nil, nil
}

var _ pubsub.Fabric = noopFabric{}

func newTestHandlers(t *testing.T) (*Handlers, *dbtest.FakeStore, *middleware.TokenIssuer) {
	t.Helper()
	store := dbtest.New()
	engine := session.New(store, noopFabric{}, session.Config{TickInterval: 25 * time.Millisecond, WarningThreshold: 3, EndGrace: time.Second})
	purchases := purchase.New(store, fakeGateway{}, noopFabric{}, "https://success", "https://cancel")
	reconciler := webhook.New(store, fakeGateway{}, engine)
	arbiter := availability.New(store)
	mediaIssuer := mediatoken.New("app-1", "media-certificate", 2*time.Hour)
	authIssuer := middleware.NewTokenIssuer("shared-secret", time.Hour)

	return &Handlers{
		Store: store, Purchases: purchases, Engine: engine, Reconciler: reconciler,
		Arbiter: arbiter, MediaIssuer: mediaIssuer, AuthIssuer: authIssuer, AttachBase: "wss://attach.example",
	}, store, authIssuer
}

func newTestRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	h.Register(r)
	return r
}

func authedRequest(t *testing.T, issuer *middleware.TokenIssuer, userID uuid.UUID, method, path string, body any) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	token, err := issuer.Issue(userID)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateInitialPurchaseEndpointReturnsCheckoutURL(t *testing.T) {
	h, store, issuer := newTestHandlers(t)
	tmpl := db.PackageTemplate{ID: uuid.New(), Kind: db.KindAudio, DurationMinutes: 10, Price: 1000, FeePercent: 20, Active: true}
	store.Templates[tmpl.ID.String()] = tmpl
	talkerID, listenerID := uuid.New(), uuid.New()

	router := newTestRouter(h)
	req := authedRequest(t, issuer, talkerID, http.MethodPost, "/purchases", map[string]string{
		"listener_id": listenerID.String(), "template_id": tmpl.ID.String(),
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["checkout_url"])
}

func TestCreateInitialPurchaseEndpointRejectsUnknownTemplate(t *testing.T) {
	h, _, issuer := newTestHandlers(t)
	router := newTestRouter(h)

	req := authedRequest(t, issuer, uuid.New(), http.MethodPost, "/purchases", map[string]string{
		"listener_id": uuid.New().String(), "template_id": uuid.New().String(),
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProbeAvailabilityEndpoint(t *testing.T) {
	h, store, issuer := newTestHandlers(t)
	listenerID := uuid.New()
	store.BusyListeners[listenerID.String()] = true
	router := newTestRouter(h)

	req := authedRequest(t, issuer, uuid.New(), http.MethodGet, "/listeners/"+listenerID.String()+"/availability", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["free"])
}

func TestGetBalanceEndpointCreatesZeroBalanceForNewListener(t *testing.T) {
	h, _, issuer := newTestHandlers(t)
	listenerID := uuid.New()
	router := newTestRouter(h)

	req := authedRequest(t, issuer, uuid.New(), http.MethodGet, "/listeners/"+listenerID.String()+"/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var balance db.ListenerBalance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, listenerID, balance.ListenerID)
	assert.Equal(t, db.Money(0), balance.Available)
}

func TestRequireAuthRejectsUnauthenticatedRequest(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/listeners/"+uuid.New().String()+"/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
