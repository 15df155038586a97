package syncbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

// KafkaBus implements Bus using a Kafka backend. Each key maps to a topic
// consumed on partition 0 from the newest offset, so only signals published
// after Subscribe are observed.
type KafkaBus struct {
	hub
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	pcs       map[string]sarama.PartitionConsumer
	published atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
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
	return &KafkaBus{
		hub:      newHub(),
		producer: producer,
		consumer: consumer,
		pcs:      make(map[string]sarama.PartitionConsumer),
	}, nil
}

// TopicFor maps a bus key to a legal Kafka topic name. Characters outside
// [a-zA-Z0-9._-] become dots.
func TopicFor(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '.'
	}, key)
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	msg := &sarama.ProducerMessage{Topic: TopicFor(key), Value: sarama.StringEncoder(uuid.NewString())}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("syncbus: kafka publish %q: %w", key, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pcs[key]; !ok {
		pc, err := b.consumer.ConsumePartition(TopicFor(key), 0, sarama.OffsetNewest)
		if err != nil {
			return nil, fmt.Errorf("syncbus: kafka subscribe %q: %w", key, err)
		}
		b.pcs[key] = pc
		go b.dispatch(key, pc)
	}
	ch, _ := b.add(key)
	watch(ctx, b, key, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(key string, pc sarama.PartitionConsumer) {
	for range pc.Messages() {
		b.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.remove(key, ch) {
		return nil
	}
	pc, ok := b.pcs[key]
	if !ok {
		return nil
	}
	delete(b.pcs, key)
	return pc.Close()
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
	for key, pc := range b.pcs {
		_ = pc.Close()
		delete(b.pcs, key)
	}
	b.mu.Unlock()
	b.closeAll()
	if err := b.producer.Close(); err != nil {
		_ = b.consumer.Close()
		return err
	}
	return b.consumer.Close()
}
