package notify

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan Event
}

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ns, err := b.conn.Subscribe(topic, b.handler(topic))
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[topic] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	// Make sure the server knows about the interest before returning so that
	// an immediately following Publish is not lost.
	if err := b.conn.Flush(); err != nil {
		_ = b.Unsubscribe(context.Background(), topic, ch)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *NATSBus) handler(topic string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		evt, ok := decodeEvent(msg.Data)
		if !ok {
			return
		}
		b.mu.Lock()
		if sub := b.subs[topic]; sub != nil {
			b.delivered.Add(fanout(sub.chans, evt))
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
