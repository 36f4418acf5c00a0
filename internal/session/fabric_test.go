package session

import (
	"context"
	"sync"

	"github.com/talkline/callengine/internal/pubsub"
)

// recordingFabric is a hand-rolled pubsub.Fabric double that records
// every published event per group instead of actually fanning out —
// enough for assertions that the Runner emitted the right event sequence
// without standing up a real Redis instance.
type recordingFabric struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newRecordingFabric() *recordingFabric {
	return &recordingFabric{events: make(map[string][]Event)}
}

func (f *recordingFabric) Publish(ctx context.Context, group string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, _ := event.(Event)
	f.events[group] = append(f.events[group], ev)
	return nil
}

func (f *recordingFabric) Subscribe(ctx context.Context, group string) (pubsub.Subscription, error) {
	return noopSubscription{}, nil
}

func (f *recordingFabric) eventsFor(group string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events[group]))
	copy(out, f.events[group])
	return out
}

func (f *recordingFabric) lastEventFor(group string) (Event, bool) {
	evs := f.eventsFor(group)
	if len(evs) == 0 {
		return Event{}, false
	}
	return evs[len(evs)-1], true
}

type noopSubscription struct{}

func (noopSubscription) Messages() <-chan []byte { return nil }
func (noopSubscription) Close() error            { return nil }

var _ pubsub.Fabric = (*recordingFabric)(nil)
