package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-clusterlock/v1/store"
)

// breakableStore lets a test cut the deletion stream.
type breakableStore struct {
	*store.InMemory
	subscribes atomic.Int32

	mu      sync.Mutex
	cancels []context.CancelFunc
}

func (b *breakableStore) Subscribe(ctx context.Context, namespace string) (<-chan store.DeleteEvent, error) {
	b.subscribes.Add(1)
	cctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()
	return b.InMemory.Subscribe(cctx, namespace)
}

func (b *breakableStore) breakStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cancels {
		c()
	}
	b.cancels = nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserverResubscribes(t *testing.T) {
	bs := &breakableStore{InMemory: store.NewInMemory(nil)}
	svc := newService(t, bs, WithRetryInterval(10*time.Second))
	waitFor(t, func() bool { return bs.subscribes.Load() == 1 }, "no initial subscription")

	bs.breakStreams()
	waitFor(t, func() bool { return bs.subscribes.Load() >= 2 }, "observer did not resubscribe")

	// Releases after the resubscribe still wake waiters.
	ctx := context.Background()
	_, _ = bs.InMemory.Insert(ctx, svc.Namespace(), "k", store.Record{Owner: "elsewhere"})
	done := make(chan error, 1)
	go func() { done <- svc.Lock(ctx, "k") }()
	waitFor(t, func() bool { return svc.registry.Len() == 1 }, "waiter not registered")
	_ = bs.InMemory.Delete(ctx, svc.Namespace(), "k")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken after resubscribe")
	}
}

func TestObserverResolvesAllAfterGap(t *testing.T) {
	bs := &breakableStore{InMemory: store.NewInMemory(nil)}
	svc := newService(t, bs, WithRetryInterval(10*time.Second))
	ctx := context.Background()
	_, _ = bs.InMemory.Insert(ctx, svc.Namespace(), "gap", store.Record{Owner: "elsewhere"})

	done := make(chan error, 1)
	go func() { done <- svc.Lock(ctx, "gap") }()
	waitFor(t, func() bool { return svc.registry.Len() == 1 }, "waiter not registered")

	// The release races the stream teardown and may never be delivered.
	bs.breakStreams()
	_ = bs.InMemory.Delete(ctx, svc.Namespace(), "gap")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lock: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken after the stream gap")
	}
}

// stalledStore holds Subscribe until gate is closed or ctx ends.
type stalledStore struct {
	*store.InMemory
	gate chan struct{}
}

func (s *stalledStore) Subscribe(ctx context.Context, namespace string) (<-chan store.DeleteEvent, error) {
	select {
	case <-s.gate:
		return s.InMemory.Subscribe(ctx, namespace)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestNewDoesNotWaitForStalledSubscribe(t *testing.T) {
	ss := &stalledStore{InMemory: store.NewInMemory(nil), gate: make(chan struct{})}
	start := time.Now()
	svc, err := New(ss, WithRetryInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("New blocked for %v on a stalled subscription", took)
	}

	// Polling still hands the lock over.
	ctx := context.Background()
	if err := svc.Lock(ctx, "stalled"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := svc.Unlock(ctx, "stalled"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- svc.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a stalled subscription")
	}
}

func TestLateSubscriptionWakesWaiters(t *testing.T) {
	ss := &stalledStore{InMemory: store.NewInMemory(nil), gate: make(chan struct{})}
	svc := newService(t, ss, WithRetryInterval(10*time.Second))
	ctx := context.Background()
	if err := svc.Lock(ctx, "late"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	other := newService(t, ss, WithRetryInterval(10*time.Second))

	acquired := make(chan error, 1)
	go func() { acquired <- other.Lock(ctx, "late") }()
	waitFor(t, func() bool { return other.registry.Len() == 1 }, "waiter never registered")

	// Release while nobody listens, then let the subscriptions through.
	if err := ss.InMemory.Delete(ctx, "locks", "late"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(ss.gate)
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Lock: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken once the subscription came up")
	}
}
