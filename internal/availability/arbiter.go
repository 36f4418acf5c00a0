// Package availability implements the Availability Arbiter (C5): a thin
// port over the Store's single indexed query, used by the HTTP
// availability probe. The Purchase Controller runs the same Store queries
// itself, inside its allocation transaction, rather than through an Arbiter.
package availability

import (
	"context"

	"github.com/google/uuid"

	"github.com/talkline/callengine/internal/db"
)

const hintLimit = 10

// Arbiter answers "is listener L free right now?"
type Arbiter struct {
	store db.Querier
}

// New builds an Arbiter over a Store.
func New(store db.Querier) *Arbiter {
	return &Arbiter{store: store}
}

// IsFree implements the is_free(listener) contract of spec §4.1.
func (a *Arbiter) IsFree(ctx context.Context, listenerID uuid.UUID) (bool, error) {
	return a.store.IsListenerFree(ctx, listenerID.String())
}

// SuggestFreeListeners returns up to 10 other listeners currently free —
// a helpful hint on a "listener busy" rejection, not a contract (spec
// §4.2). The kind argument is passed to the Store but does not filter the
// result: listeners free for any package kind are returned.
func (a *Arbiter) SuggestFreeListeners(ctx context.Context, kind db.PackageKind, excludeListenerID uuid.UUID) ([]uuid.UUID, error) {
	ids, err := a.store.ListFreeListeners(ctx, kind, excludeListenerID.String(), hintLimit)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
