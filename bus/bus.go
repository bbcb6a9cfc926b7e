// Package bus fans chatevents.Event values out to in-process subscribers and,
// via redis.go, relays them across pods over Redis pub/sub for the WS-relay
// channels named in spec §4.3.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/chatcore/platform/chatevents"
)

type (
	// Bus publishes turn events to registered subscribers in a fan-out
	// pattern. A Bus is thread-safe and supports concurrent Publish,
	// Register, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first subscriber error.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber in registration order, stopping at the first error.
		Publish(ctx context.Context, event chatevents.Event) error

		// Register adds a subscriber and returns a Subscription that can
		// be closed to unregister. Returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published turn events.
	Subscriber interface {
		HandleEvent(ctx context.Context, event chatevents.Event) error
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event chatevents.Event) error

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and safe to call multiple times.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		order       []*subscription
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event chatevents.Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory event bus ready for immediate use. It is the
// transport the Chat Worker publishes turn events onto for in-pod consumers
// (the Chat Gateway connection holding the WS socket, the settlement
// pipeline); cross-pod delivery goes through redis.go instead.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers event to every currently registered subscriber, in
// registration order, stopping at the first error. The subscriber snapshot is
// captured before iteration begins so concurrent Register/Close calls never
// affect an in-flight Publish.
func (b *bus) Publish(ctx context.Context, event chatevents.Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, s := range b.order {
		subs = append(subs, b.subscribers[s])
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds sub to the bus, returning a Subscription that removes it on
// Close. Returns an error if sub is nil.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("bus: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

// Close unregisters the subscriber. Subsequent calls are no-ops.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		for i, o := range s.bus.order {
			if o == s {
				s.bus.order = append(s.bus.order[:i], s.bus.order[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
