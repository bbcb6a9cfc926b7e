package bus

import (
	"context"
	"testing"

	"github.com/chatcore/platform/chatevents"
)

func TestBusPublishFanOut(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event chatevents.Event) error {
		count++
		return nil
	})
	if _, err := b.Register(sub); err != nil {
		t.Fatalf("register: %v", err)
	}
	evt1 := chatevents.NewStreamingStartEvent("stream1")
	if err := b.Publish(ctx, evt1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	evt2 := chatevents.NewStreamingEndEvent("stream1", nil)
	if err := b.Publish(ctx, evt2); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 events, got %d", count)
	}
}

func TestBusRegisterNil(t *testing.T) {
	b := NewBus()
	if _, err := b.Register(nil); err == nil {
		t.Fatal("expected error registering nil subscriber")
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event chatevents.Event) error {
		count++
		return nil
	})
	subscription, err := b.Register(sub)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	evt1 := chatevents.NewStreamingStartEvent("stream1")
	if err := b.Publish(ctx, evt1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := subscription.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	evt2 := chatevents.NewStreamingEndEvent("stream1", nil)
	if err := b.Publish(ctx, evt2); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only first event delivered, got %d", count)
	}
}

func TestBusPublishStopsAtFirstError(t *testing.T) {
	b := NewBus()
	ctx := context.Background()
	order := []string{}
	errBoom := errFirst{}
	first := SubscriberFunc(func(ctx context.Context, event chatevents.Event) error {
		order = append(order, "first")
		return errBoom
	})
	second := SubscriberFunc(func(ctx context.Context, event chatevents.Event) error {
		order = append(order, "second")
		return nil
	})
	if _, err := b.Register(first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := b.Register(second); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := b.Publish(ctx, chatevents.NewStreamingStartEvent("stream1"))
	if err != errBoom {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if len(order) != 1 {
		t.Fatalf("expected only first subscriber invoked, got %v", order)
	}
}

type errFirst struct{}

func (errFirst) Error() string { return "boom" }
