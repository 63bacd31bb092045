// Package notify carries lock release events between processes for stores
// that have no change feed of their own. A Bus fans out every Event published
// on a topic to all of the topic's subscribers.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds how many undelivered events a slow subscriber can
// queue before further events are dropped for it.
const subscriberBuffer = 64

// Event describes the removal of a lock record.
type Event struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Owner string `json:"owner,omitempty"`
}

// Bus provides a simple pub/sub mechanism used to propagate release events
// across nodes.
type Bus interface {
	Publish(ctx context.Context, topic string, evt Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

func encodeEvent(evt Event) ([]byte, error) { return json.Marshal(evt) }

func decodeEvent(data []byte) (Event, bool) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil || evt.Key == "" {
		return Event{}, false
	}
	return evt, true
}

// fanout delivers evt to every channel without blocking and returns how many
// channels accepted it.
func fanout(chans []chan Event, evt Event) uint64 {
	var n uint64
	for _, ch := range chans {
		select {
		case ch <- evt:
			n++
		default:
		}
	}
	return n
}

func removeChan(chans []chan Event, ch <-chan Event) ([]chan Event, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			close(c)
			return chans[:len(chans)-1], true
		}
	}
	return chans, false
}

// InMemoryBus is a local implementation of Bus mainly for testing and for
// single process deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[topic]...)
	b.published.Add(1)
	// Sending under the lock keeps Unsubscribe from closing a channel
	// mid-delivery.
	b.delivered.Add(fanout(chans, evt))
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.mu.Lock()
	subs, _ := removeChan(b.subs[topic], ch)
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
