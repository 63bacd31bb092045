package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pcs   []sarama.PartitionConsumer
	chans []chan Event
}

func (s *kafkaSubscription) close() error {
	var first error
	for _, pc := range s.pcs {
		if err := pc.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// KafkaBus implements Bus using a Kafka backend. Every partition of a topic
// is consumed starting at the newest offset, so only events published after
// Subscribe are delivered, whatever partition the key hashed to.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	client    sarama.Client
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFromClients(producer, consumer)
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients builds a KafkaBus on top of an existing producer and
// consumer. Close closes both.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(evt.Key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		partitions, err := b.consumer.Partitions(topic)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{}
		for _, p := range partitions {
			pc, err := b.consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
			if err != nil {
				_ = sub.close()
				b.mu.Unlock()
				return nil, err
			}
			sub.pcs = append(sub.pcs, pc)
		}
		b.subs[topic] = sub
		for _, pc := range sub.pcs {
			go b.dispatch(sub, pc)
		}
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		evt, ok := decodeEvent(msg.Value)
		if !ok {
			continue
		}
		b.mu.Lock()
		b.delivered.Add(fanout(sub.chans, evt))
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
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
		return sub.close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	for _, sub := range subs {
		for _, c := range sub.chans {
			close(c)
		}
		sub.chans = nil
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.close()
	}
	_ = b.producer.Close()
	_ = b.consumer.Close()
	if b.client != nil {
		_ = b.client.Close()
	}
	return nil
}
