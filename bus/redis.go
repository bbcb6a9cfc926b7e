package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chatcore/platform/chatevents"
)

// Redis channel names. ChatChannel and TerminalOutputChannel are
// single-producer/single-consumer per key and need no ordering guarantees
// beyond what a single Redis connection already gives pub/sub subscribers.
// UserEventsChannel fans one user's cross-topic notifications (wallet
// updates, scheduled-task results) to every connection that user has open.
func ChatChannel(connectionID string) string { return fmt.Sprintf("chat:%s", connectionID) }

// UserEventsChannel returns the channel a user's non-turn-scoped events
// (wallet credits, notifications) are published on.
func UserEventsChannel(userID string) string { return fmt.Sprintf("user:%s:events", userID) }

// TerminalOutputChannel returns the channel a runner publishes PTY output to
// for a given sandbox session.
func TerminalOutputChannel(ptySessionID string) string {
	return fmt.Sprintf("terminal:output:%s", ptySessionID)
}

// RedisBus publishes and subscribes to the at-most-once, non-durable pub/sub
// channels spec §4.3 names for cross-pod WS relay. It deliberately uses raw
// go-redis Pub/Sub rather than Pulse streams: these channels have no
// consumer-group semantics, no replay requirement, and a dropped message
// simply means the in-flight WS frame is lost, which matches a disconnected
// browser tab anyway.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus constructs a RedisBus over an existing client. The caller owns
// the client's lifecycle.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

// Publish marshals event as JSON and publishes it to channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, event chatevents.Event) error {
	frame := chatevents.ToOutboundFrame(event)
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("bus: marshal event for publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", channel, err)
	}
	return nil
}

// PublishRaw publishes an arbitrary JSON-marshalable payload, used for
// channels that do not carry a chatevents.Event (e.g. runner RPC frames).
func (b *RedisBus) PublishRaw(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscription wraps a Redis pub/sub subscription to one or more channels.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe opens a subscription to the given channels. Callers must call
// Close when done to release the underlying connection.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) *Subscription {
	return &Subscription{pubsub: b.rdb.Subscribe(ctx, channels...)}
}

// Channel returns the receive channel for incoming raw messages.
func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

// Close releases the subscription's connection.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
