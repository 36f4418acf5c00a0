package realtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/talkline/callengine/internal/session"
)

func TestIsSignalRelayFromMatchesSender(t *testing.T) {
	sender := uuid.New()
	raw := []byte(`{"type":"signal_relay","from_participant":"` + sender.String() + `"}`)

	assert.True(t, isSignalRelayFrom(raw, sender), "the sender's own attachment must skip its own relay frame")
	assert.False(t, isSignalRelayFrom(raw, uuid.New()), "the other attachment must still receive the relay frame")
}

func TestIsSignalRelayFromIgnoresOtherEventTypes(t *testing.T) {
	sender := uuid.New()
	raw := []byte(`{"type":"` + string(session.EventCallEnded) + `","from_participant":"` + sender.String() + `"}`)

	assert.False(t, isSignalRelayFrom(raw, sender), "only signal_relay frames are subject to sender exclusion")
}
