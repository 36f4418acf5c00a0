package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/dbtest"
)

func testConfig() Config {
	return Config{TickInterval: 25 * time.Millisecond, WarningThreshold: 3, EndGrace: time.Second}
}

func seedSession(t *testing.T, store *dbtest.FakeStore, totalMinutes float64) (db.Session, db.Purchase) {
	t.Helper()
	talkerID, listenerID := uuid.New(), uuid.New()

	purchase, err := store.CreatePurchase(context.Background(), db.Purchase{
		TalkerID:   talkerID,
		ListenerID: listenerID,
		Status:     db.PurchaseConfirmed,
		Total:      1000,
	})
	require.NoError(t, err)

	sess, err := store.CreateSession(context.Background(), db.Session{
		TalkerID:              talkerID,
		ListenerID:            listenerID,
		InitialPurchaseID:     purchase.ID,
		Kind:                  db.KindAudio,
		TotalMinutesPurchased: totalMinutes,
	})
	require.NoError(t, err)
	return sess, purchase
}

func TestAttachRejectsNonParticipant(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestAttachRejectsUnknownSession(t *testing.T) {
	store := dbtest.New()
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAttachRejectsUnconfirmedPayment(t *testing.T) {
	store := dbtest.New()
	talkerID, listenerID := uuid.New(), uuid.New()
	purchase, err := store.CreatePurchase(context.Background(), db.Purchase{
		TalkerID: talkerID, ListenerID: listenerID, Status: db.PurchasePending,
	})
	require.NoError(t, err)
	sess, err := store.CreateSession(context.Background(), db.Session{
		TalkerID: talkerID, ListenerID: listenerID, InitialPurchaseID: purchase.ID,
		Kind: db.KindAudio, TotalMinutesPurchased: 10,
	})
	require.NoError(t, err)

	engine := New(store, newRecordingFabric(), testConfig())
	_, err = engine.Attach(context.Background(), sess.ID, talkerID)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentNotValid)
	assert.Equal(t, apperr.KindPrecondition, apperr.KindOf(err))
}

func TestAttachRejectsTerminalSession(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	_, err := store.TerminateSession(context.Background(), sess.ID.String(), db.SessionEnded, 5, "ended by participant")
	require.NoError(t, err)

	engine := New(store, newRecordingFabric(), testConfig())
	_, err = engine.Attach(context.Background(), sess.ID, sess.TalkerID)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestAttachSucceedsAndSpawnsRunner(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	snap, err := engine.Attach(context.Background(), sess.ID, sess.TalkerID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, snap.SessionID)
	assert.Equal(t, db.SessionConnecting, snap.Status)
	assert.False(t, snap.TimerRunning, "display-only before acceptance")
	assert.InDelta(t, 10, snap.RemainingMinutes, 0.001)

	engine.Detach(sess.ID)
}

func TestAcceptTransitionsToActiveAndPublishesEvent(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	fabric := newRecordingFabric()
	engine := New(store, fabric, testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, sess.ListenerID)
	require.NoError(t, err)

	require.NoError(t, engine.Accept(context.Background(), sess.ID, sess.ListenerID))

	updated, err := store.GetSession(context.Background(), sess.ID.String())
	require.NoError(t, err)
	assert.Equal(t, db.SessionActive, updated.Status)
	assert.NotNil(t, updated.StartedAt)

	purchase, err := store.GetPurchase(context.Background(), sess.InitialPurchaseID.String())
	require.NoError(t, err)
	assert.Equal(t, db.PurchaseInProgress, purchase.Status)

	ev, ok := fabric.lastEventFor("call:session:" + sess.ID.String())
	require.True(t, ok)
	assert.Equal(t, EventCallAccepted, ev.Type)
}

func TestAcceptRejectsNonListener(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, sess.ListenerID)
	require.NoError(t, err)

	err = engine.Accept(context.Background(), sess.ID, sess.TalkerID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestEndCallComputesMinutesUsedAndSettlesFinances(t *testing.T) {
	store := dbtest.New()
	sess, purchase := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, sess.ListenerID)
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), sess.ID, sess.ListenerID))

	require.NoError(t, engine.EndCall(context.Background(), sess.ID, sess.TalkerID, "done talking"))

	terminated, err := store.GetSession(context.Background(), sess.ID.String())
	require.NoError(t, err)
	assert.Equal(t, db.SessionEnded, terminated.Status)
	assert.Equal(t, "done talking", *terminated.EndReason)
	require.NotNil(t, terminated.MinutesUsed)
	assert.InDelta(t, 0, *terminated.MinutesUsed, 0.1)

	finishedPurchase, err := store.GetPurchase(context.Background(), purchase.ID.String())
	require.NoError(t, err)
	assert.Equal(t, db.PurchaseCompleted, finishedPurchase.Status)
}

func TestEndCallRejectsAlreadyTerminal(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, sess.TalkerID)
	require.NoError(t, err)
	require.NoError(t, engine.EndCall(context.Background(), sess.ID, sess.TalkerID, "first end"))

	err = engine.EndCall(context.Background(), sess.ID, sess.TalkerID, "second end")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPrecondition, apperr.KindOf(err))
}

func TestExtendApplyGrowsMinutesAndIsIdempotent(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, sess.TalkerID)
	require.NoError(t, err)

	extPurchaseID := uuid.New()
	require.NoError(t, engine.ExtendApply(context.Background(), sess.ID, extPurchaseID, 5))

	grown, err := store.GetSession(context.Background(), sess.ID.String())
	require.NoError(t, err)
	assert.InDelta(t, 15, grown.TotalMinutesPurchased, 0.001)

	// A payout record for the extension purchase marks it already applied
	// (the webhook reconciler creates this after ExtendApply succeeds);
	// a second delivery of the same extension must not grow minutes again.
	_, err = store.CreatePayoutRecord(context.Background(), db.PayoutRecord{
		ListenerID:  sess.ListenerID,
		PurchaseID:  extPurchaseID,
		IsExtension: true,
		Amount:      500,
	})
	require.NoError(t, err)

	require.NoError(t, engine.ExtendApply(context.Background(), sess.ID, extPurchaseID, 5))

	stillFifteen, err := store.GetSession(context.Background(), sess.ID.String())
	require.NoError(t, err)
	assert.InDelta(t, 15, stillFifteen.TotalMinutesPurchased, 0.001, "idempotent replay must not double-apply")
}

func TestFailConnectingIsNoOpPastConnecting(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, sess.ListenerID)
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), sess.ID, sess.ListenerID))

	require.NoError(t, engine.FailConnecting(context.Background(), sess.ID, "purchase refunded"))

	stillActive, err := store.GetSession(context.Background(), sess.ID.String())
	require.NoError(t, err)
	assert.Equal(t, db.SessionActive, stillActive.Status, "a session that already accepted must not be failed")
}

func TestFailConnectingFromConnectingSetsFailed(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, sess.TalkerID)
	require.NoError(t, err)

	require.NoError(t, engine.FailConnecting(context.Background(), sess.ID, "purchase cancelled"))

	failed, err := store.GetSession(context.Background(), sess.ID.String())
	require.NoError(t, err)
	assert.Equal(t, db.SessionFailed, failed.Status)
}

func TestEndCallCreditsExtensionPayoutToExtensionEarningsNotBalance(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	engine := New(store, newRecordingFabric(), testConfig())

	_, err := engine.Attach(context.Background(), sess.ID, sess.ListenerID)
	require.NoError(t, err)
	require.NoError(t, engine.Accept(context.Background(), sess.ID, sess.ListenerID))

	extPurchase, err := store.CreatePurchase(context.Background(), db.Purchase{
		TalkerID: sess.TalkerID, ListenerID: sess.ListenerID, SessionID: &sess.ID,
		Status: db.PurchaseConfirmed, IsExtension: true, ListenerAmount: 400,
	})
	require.NoError(t, err)
	_, err = store.CreatePayoutRecord(context.Background(), db.PayoutRecord{
		ListenerID: sess.ListenerID, PurchaseID: extPurchase.ID, SessionID: &sess.ID,
		IsExtension: true, Amount: 400, Status: db.PayoutProcessing,
	})
	require.NoError(t, err)

	require.NoError(t, engine.EndCall(context.Background(), sess.ID, sess.TalkerID, "done talking"))

	balance, err := store.GetOrCreateListenerBalance(context.Background(), sess.ListenerID.String())
	require.NoError(t, err)
	assert.Equal(t, db.Money(400), balance.ExtensionEarned, "extension payouts settle into ExtensionEarned")
	assert.Equal(t, db.Money(0), balance.Available, "extension payouts must never reach the withdrawable balance")
}

func TestSignalRelayPublishesOpaquePayload(t *testing.T) {
	store := dbtest.New()
	sess, _ := seedSession(t, store, 10)
	fabric := newRecordingFabric()
	engine := New(store, fabric, testConfig())

	payload := map[string]any{"sdp": "offer-blob"}
	require.NoError(t, engine.SignalRelay(context.Background(), sess.ID, sess.TalkerID, payload))

	ev, ok := fabric.lastEventFor("call:session:" + sess.ID.String())
	require.True(t, ok)
	assert.Equal(t, EventSignalRelay, ev.Type)
	assert.Equal(t, sess.TalkerID.String(), ev.FromParticipant)
	assert.Equal(t, payload, ev.Payload)
}
