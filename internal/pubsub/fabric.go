// Package pubsub implements the Pub/Sub Fabric (C2): named groups with
// broadcast, backed by Redis the way the unholy0X/dlishe-style services
// in this corpus lean on go-redis for shared, TTL-free fan-out state.
// Every live participant-connection subscribes to exactly one per-session
// group plus one per-user notification group (spec §2, §5).
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	sessionGroupPrefix = "call:session:"
	userGroupPrefix    = "call:user:"
)

// SessionGroup is the channel name for a session's attachment fan-out.
func SessionGroup(sessionID string) string { return sessionGroupPrefix + sessionID }

// UserGroup is the channel name for a user's notification fan-out.
func UserGroup(userID string) string { return userGroupPrefix + userID }

// Fabric is the Pub/Sub Fabric port: publish a JSON-encodable event to a
// named group, or subscribe to one and receive decoded Messages.
type Fabric interface {
	Publish(ctx context.Context, group string, event any) error
	Subscribe(ctx context.Context, group string) (Subscription, error)
}

// Subscription is a live subscription to one group.
type Subscription interface {
	// Messages yields raw JSON payloads published to the group after
	// subscription began. The channel closes when Close is called or the
	// underlying connection drops.
	Messages() <-chan []byte
	Close() error
}

// RedisFabric is the Fabric implementation backed by Redis Pub/Sub.
// Group names already carry the session or user id (spec §5: "group
// names must carry the session or user id to isolate fan-out"), so a
// single shared *redis.Client serves every session without cross-talk.
type RedisFabric struct {
	client *redis.Client
}

// New builds a RedisFabric over an existing *redis.Client.
func New(client *redis.Client) *RedisFabric {
	return &RedisFabric{client: client}
}

// Publish JSON-encodes event and publishes it to group.
func (f *RedisFabric) Publish(ctx context.Context, group string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event for group %s: %w", group, err)
	}
	return f.client.Publish(ctx, group, payload).Err()
}

// Subscribe joins group and returns a Subscription streaming its
// messages.
func (f *RedisFabric) Subscribe(ctx context.Context, group string) (Subscription, error) {
	sub := f.client.Subscribe(ctx, group)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to group %s: %w", group, err)
	}

	out := make(chan []byte, 32)
	redisCh := sub.Channel()
	go func() {
		defer close(out)
		for msg := range redisCh {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return &redisSubscription{pubsub: sub, messages: out}, nil
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan []byte
}

func (s *redisSubscription) Messages() <-chan []byte { return s.messages }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }
