package notify

import (
	"context"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before event")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch1, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "topic", Event{ID: "1", Key: "batch-7", Owner: "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan Event{ch1, ch2} {
		evt := recvEvent(t, ch)
		if evt.Key != "batch-7" || evt.Owner != "a" {
			t.Fatalf("unexpected event %+v", evt)
		}
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusTopicsAreIsolated(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = bus.Publish(ctx, "b", Event{Key: "x"})
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInMemoryBusContextUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	bus.mu.Lock()
	n := len(bus.subs)
	bus.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no subscriptions, got %d", n)
	}
}

func TestInMemoryBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	if _, err := bus.Subscribe(ctx, "topic"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = bus.Publish(ctx, "topic", Event{Key: "k"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if d := bus.Metrics().Delivered; d != subscriberBuffer {
		t.Fatalf("expected %d delivered, got %d", subscriberBuffer, d)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, ok := decodeEvent([]byte("not json")); ok {
		t.Fatal("expected garbage to be rejected")
	}
	if _, ok := decodeEvent([]byte(`{"id":"1"}`)); ok {
		t.Fatal("expected event without key to be rejected")
	}
}
