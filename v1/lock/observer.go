package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-clusterlock/v1/metrics"
	"github.com/mirkobrombin/go-clusterlock/v1/store"
)

// observer turns the store's deletion stream into Waiter resolutions.
type observer struct {
	store      store.Store
	namespace  string
	registry   *WaitRegistry
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// subscribe opens the deletion stream of the namespace.
func (o *observer) subscribe(ctx context.Context) (<-chan store.DeleteEvent, error) {
	return o.store.Subscribe(ctx, o.namespace)
}

type subscribeResult struct {
	ch  <-chan store.DeleteEvent
	err error
}

// start opens the first subscription, waiting at most wait for it. When the
// store is slower than that, late delivers the outcome once it is known.
func (o *observer) start(ctx context.Context, wait time.Duration) (ch <-chan store.DeleteEvent, late <-chan subscribeResult) {
	res := make(chan subscribeResult, 1)
	go func() {
		ch, err := o.subscribe(ctx)
		res <- subscribeResult{ch: ch, err: err}
	}()
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case r := <-res:
		return o.accept(r), nil
	case <-t.C:
		o.logger.Warn("clusterlock: initial subscribe still pending, polling meanwhile", "namespace", o.namespace, "waited", wait)
		return nil, res
	}
}

// accept returns the stream of a subscribe outcome, or nil after logging the
// failure so that run retries it.
func (o *observer) accept(r subscribeResult) <-chan store.DeleteEvent {
	if r.err != nil {
		o.logger.Warn("clusterlock: initial subscribe failed, falling back to polling", "namespace", o.namespace, "error", r.err)
		metrics.StoreErrorCounter.WithLabelValues("subscribe").Inc()
		return nil
	}
	return r.ch
}

// run consumes ch until ctx ends, resubscribing whenever the stream breaks.
// A nil ch means the first subscription has not been established yet.
func (o *observer) run(ctx context.Context, ch <-chan store.DeleteEvent) {
	backoff := o.minBackoff
	for {
		if ch != nil {
			o.drain(ctx, ch)
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("clusterlock: deletion stream ended, resubscribing", "namespace", o.namespace)
			select {
			case <-time.After(o.minBackoff):
			case <-ctx.Done():
				return
			}
		}
		next, err := o.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("clusterlock: subscribe failed", "namespace", o.namespace, "error", err, "retry_in", backoff)
			metrics.StoreErrorCounter.WithLabelValues("subscribe").Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > o.maxBackoff {
				backoff = o.maxBackoff
			}
			ch = nil
			continue
		}
		backoff = o.minBackoff
		ch = next
		// Releases may have happened while nobody was listening.
		if n := o.registry.ResolveAll(); n > 0 {
			o.logger.Debug("clusterlock: woke waiters after resubscribe", "namespace", o.namespace, "waiters", n)
		}
	}
}

func (o *observer) drain(ctx context.Context, ch <-chan store.DeleteEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if o.registry.Resolve(evt.Key) {
				metrics.WakeupCounter.Inc()
			}
		}
	}
}
