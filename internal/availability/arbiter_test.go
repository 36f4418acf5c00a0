package availability

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/dbtest"
)

func TestIsFreeReflectsBusyMarker(t *testing.T) {
	store := dbtest.New()
	listenerID := uuid.New()
	arbiter := New(store)

	free, err := arbiter.IsFree(context.Background(), listenerID)
	require.NoError(t, err)
	assert.True(t, free)

	store.BusyListeners[listenerID.String()] = true
	free, err = arbiter.IsFree(context.Background(), listenerID)
	require.NoError(t, err)
	assert.False(t, free)
}

func TestSuggestFreeListenersExcludesCallerAndBusy(t *testing.T) {
	store := dbtest.New()
	excluded := uuid.New()
	busy := uuid.New()
	free := uuid.New()
	store.BusyListeners[busy.String()] = true

	for _, id := range []uuid.UUID{excluded, busy, free} {
		_, err := store.CreatePurchase(context.Background(), db.Purchase{
			TalkerID: uuid.New(), ListenerID: id, Status: db.PurchaseConfirmed,
		})
		require.NoError(t, err)
	}

	arbiter := New(store)
	hints, err := arbiter.SuggestFreeListeners(context.Background(), db.KindAudio, excluded)
	require.NoError(t, err)

	assert.Contains(t, hints, free)
	assert.NotContains(t, hints, excluded)
	assert.NotContains(t, hints, busy)
}
