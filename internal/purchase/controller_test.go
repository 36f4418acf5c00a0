package purchase

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/dbtest"
)

func seedTemplate(t *testing.T, store *dbtest.FakeStore, kind db.PackageKind, durationMinutes int32, active bool) db.PackageTemplate {
	t.Helper()
	tmpl := db.PackageTemplate{
		ID:              uuid.New(),
		Kind:            kind,
		DurationMinutes: durationMinutes,
		Price:           2000,
		FeePercent:      20,
		Active:          active,
	}
	store.Templates[tmpl.ID.String()] = tmpl
	return tmpl
}

func TestCreateInitialPurchaseSucceedsWhenListenerFree(t *testing.T) {
	store := dbtest.New()
	tmpl := seedTemplate(t, store, db.KindAudio, 10, true)
	gateway := &fakeGateway{}
	ctrl := New(store, gateway, noopFabric{}, "https://success", "https://cancel")

	talkerID, listenerID := uuid.New(), uuid.New()
	result, err := ctrl.CreateInitialPurchase(context.Background(), talkerID, listenerID, tmpl.ID)

	require.NoError(t, err)
	assert.Equal(t, db.PurchasePending, result.Purchase.Status)
	assert.Equal(t, tmpl.Price, result.Purchase.Total)
	assert.Equal(t, tmpl.FeeAmount(), result.Purchase.Fee)
	assert.NotEmpty(t, result.CheckoutURL)
	require.Len(t, gateway.createCalls, 1)
	assert.Equal(t, "initial", gateway.createCalls[0].Kind)
}

func TestCreateInitialPurchaseRejectsBusyListenerWithHints(t *testing.T) {
	store := dbtest.New()
	tmpl := seedTemplate(t, store, db.KindAudio, 10, true)
	listenerID := uuid.New()
	store.BusyListeners[listenerID.String()] = true

	otherFreeListener := uuid.New()
	_, err := store.CreatePurchase(context.Background(), db.Purchase{
		TalkerID: uuid.New(), ListenerID: otherFreeListener, Status: db.PurchaseConfirmed,
	})
	require.NoError(t, err)

	ctrl := New(store, &fakeGateway{}, noopFabric{}, "https://success", "https://cancel")
	result, err := ctrl.CreateInitialPurchase(context.Background(), uuid.New(), listenerID, tmpl.ID)

	require.Error(t, err)
	assert.Equal(t, apperr.KindPrecondition, apperr.KindOf(err))
	assert.Contains(t, result.FreeListeners, otherFreeListener)
}

func TestCreateInitialPurchaseRejectsInactiveTemplate(t *testing.T) {
	store := dbtest.New()
	tmpl := seedTemplate(t, store, db.KindAudio, 10, false)
	ctrl := New(store, &fakeGateway{}, noopFabric{}, "https://success", "https://cancel")

	_, err := ctrl.CreateInitialPurchase(context.Background(), uuid.New(), uuid.New(), tmpl.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindPrecondition, apperr.KindOf(err))
}

func TestAllocateSessionCreatesConnectingSessionAndBindsPurchase(t *testing.T) {
	store := dbtest.New()
	tmpl := seedTemplate(t, store, db.KindVideo, 15, true)
	talkerID, listenerID := uuid.New(), uuid.New()

	purchase, err := store.CreatePurchase(context.Background(), db.Purchase{
		TalkerID: talkerID, ListenerID: listenerID, TemplateID: tmpl.ID,
		Status: db.PurchaseConfirmed, Total: tmpl.Price, Fee: tmpl.FeeAmount(), ListenerAmount: tmpl.ListenerAmount(),
	})
	require.NoError(t, err)

	ctrl := New(store, &fakeGateway{}, noopFabric{}, "https://success", "https://cancel")
	result, err := ctrl.AllocateSession(context.Background(), talkerID, purchase.ID, "wss://attach.example")

	require.NoError(t, err)
	assert.Equal(t, db.SessionConnecting, result.Session.Status)
	assert.Equal(t, float64(15), result.Session.TotalMinutesPurchased)
	assert.Contains(t, result.RealtimeAttachURL, result.Session.ID.String())

	boundPurchase, err := store.GetPurchase(context.Background(), purchase.ID.String())
	require.NoError(t, err)
	require.NotNil(t, boundPurchase.SessionID)
	assert.Equal(t, result.Session.ID, *boundPurchase.SessionID)
}

func TestAllocateSessionRejectsWrongCaller(t *testing.T) {
	store := dbtest.New()
	tmpl := seedTemplate(t, store, db.KindAudio, 10, true)
	purchase, err := store.CreatePurchase(context.Background(), db.Purchase{
		TalkerID: uuid.New(), ListenerID: uuid.New(), TemplateID: tmpl.ID, Status: db.PurchaseConfirmed,
	})
	require.NoError(t, err)

	ctrl := New(store, &fakeGateway{}, noopFabric{}, "https://success", "https://cancel")
	_, err = ctrl.AllocateSession(context.Background(), uuid.New(), purchase.ID, "wss://attach.example")

	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestAllocateSessionRejectsDoubleAllocation(t *testing.T) {
	store := dbtest.New()
	tmpl := seedTemplate(t, store, db.KindAudio, 10, true)
	talkerID := uuid.New()
	purchase, err := store.CreatePurchase(context.Background(), db.Purchase{
		TalkerID: talkerID, ListenerID: uuid.New(), TemplateID: tmpl.ID, Status: db.PurchaseConfirmed,
	})
	require.NoError(t, err)

	ctrl := New(store, &fakeGateway{}, noopFabric{}, "https://success", "https://cancel")
	_, err = ctrl.AllocateSession(context.Background(), talkerID, purchase.ID, "wss://attach.example")
	require.NoError(t, err)

	_, err = ctrl.AllocateSession(context.Background(), talkerID, purchase.ID, "wss://attach.example")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPrecondition, apperr.KindOf(err))
}

func TestCreateExtensionPurchaseRejectsNonTalker(t *testing.T) {
	store := dbtest.New()
	tmpl := seedTemplate(t, store, db.KindAudio, 5, true)
	talkerID, listenerID := uuid.New(), uuid.New()
	sess, err := store.CreateSession(context.Background(), db.Session{
		TalkerID: talkerID, ListenerID: listenerID, Status: db.SessionActive, TotalMinutesPurchased: 10,
	})
	require.NoError(t, err)

	ctrl := New(store, &fakeGateway{}, noopFabric{}, "https://success", "https://cancel")
	_, err = ctrl.CreateExtensionPurchase(context.Background(), uuid.New(), sess.ID, tmpl.ID)

	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}
