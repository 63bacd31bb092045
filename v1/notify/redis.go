package notify

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-clusterlock/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	// redisSubscribeAttempts bounds Subscribe; callers own longer retry loops.
	redisSubscribeAttempts = 3
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-clusterlock/v1/notify")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan Event
}

// RedisBus implements Bus using Redis pub/sub. Events are JSON encoded.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

func ctxError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, evt Event) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("clusterlock.bus.topic", topic),
		attribute.String("clusterlock.bus.key", evt.Key),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, topic, data).Err(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		return ctxError(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The Redis subscription for topic is
// shared by all local subscribers. A failing server is retried a few times
// with jittered backoff before the error is returned.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	ch := make(chan Event, subscriberBuffer)
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		b.mu.Lock()
		if sub, ok := b.subs[topic]; ok {
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, topic)
		_, err := ps.Receive(cctx)
		cancel()
		if err == nil {
			b.mu.Lock()
			if sub, ok := b.subs[topic]; ok {
				// Lost a race with another local subscriber.
				sub.chans = append(sub.chans, ch)
				b.mu.Unlock()
				_ = ps.Close()
				break
			}
			sub := &redisSubscription{pubsub: ps, chans: []chan Event{ch}}
			b.subs[topic] = sub
			b.mu.Unlock()
			go b.dispatch(topic, sub)
			break
		}
		_ = ps.Close()
		if stdErrors.Is(err, redis.ErrClosed) {
			return nil, warperrors.ErrConnectionClosed
		}
		if ctx.Err() != nil {
			return nil, ctxError(ctx.Err())
		}
		if attempt >= redisSubscribeAttempts {
			return nil, ctxError(err)
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		t := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctxError(ctx.Err())
		case <-t.C:
		}
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		evt, ok := decodeEvent([]byte(msg.Payload))
		if !ok {
			continue
		}
		b.mu.Lock()
		b.delivered.Add(fanout(sub.chans, evt))
		b.mu.Unlock()
	}
	// The pub/sub connection is gone; close whatever subscribers are left so
	// they can resubscribe.
	b.mu.Lock()
	if cur, ok := b.subs[topic]; ok && cur == sub {
		delete(b.subs, topic)
		for _, c := range sub.chans {
			close(c)
		}
		sub.chans = nil
	}
	b.mu.Unlock()
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	_ = sub.pubsub.Unsubscribe(cctx, topic)
	if err := sub.pubsub.Close(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close closes every Redis subscription held by the bus. The client itself
// is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	for _, sub := range subs {
		for _, c := range sub.chans {
			close(c)
		}
		sub.chans = nil
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.pubsub.Close()
	}
	return nil
}
