package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, mr
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "clusterlock.locks.released")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "clusterlock.locks.released", Event{ID: "1", Key: "batch-7", Owner: "node-a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	evt := recvEvent(t, ch)
	if evt.Key != "batch-7" || evt.Owner != "node-a" || evt.ID != "1" {
		t.Fatalf("unexpected event %+v", evt)
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRedisBusSharedSubscription(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx := context.Background()

	ch1, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.mu.Lock()
	n := len(bus.subs)
	bus.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one redis subscription, got %d", n)
	}
	if err := bus.Publish(ctx, "topic", Event{Key: "k"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	recvEvent(t, ch1)
	recvEvent(t, ch2)

	if err := bus.Unsubscribe(ctx, "topic", ch1); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch1; ok {
		t.Fatal("expected ch1 closed")
	}
	if err := bus.Publish(ctx, "topic", Event{Key: "k2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evt := recvEvent(t, ch2); evt.Key != "k2" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestRedisBusContextUnsubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisBusPublishAfterServerClose(t *testing.T) {
	bus, mr := newRedisBus(t)
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, "topic", Event{Key: "k"}); err == nil {
		t.Fatal("expected publish error with server down")
	}
}

func unreachableRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	bus := NewRedisBus(client)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})
	return bus
}

func TestRedisBusSubscribeUnreachableGivesUp(t *testing.T) {
	bus := unreachableRedisBus(t)
	done := make(chan error, 1)
	go func() {
		_, err := bus.Subscribe(context.Background(), "topic")
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected subscribe error with server unreachable")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe kept retrying against an unreachable server")
	}
}

func TestRedisBusSubscribeBackoffHonorsCancel(t *testing.T) {
	bus := unreachableRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := bus.Subscribe(ctx, "topic")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe ignored cancellation while backing off")
	}
}
