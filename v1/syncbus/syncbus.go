// Package syncbus carries wake-up signals between processes sharing an
// opskit store: a semaphore release wakes waiters, a dead-letter enqueue
// wakes replayers. Signals carry no payload and may be coalesced; receivers
// always re-check the store, so a lost or duplicated signal only costs
// latency, never correctness.
package syncbus

import (
	"context"
	"sync/atomic"
)

// Bus publishes and subscribes to keyed signals.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel receiving a value per delivered signal.
	// The subscription ends when ctx is done or Unsubscribe is called, after
	// which the channel is closed.
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	// Unsubscribe is idempotent.
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a process-local Bus. It is the default when no bus is
// configured and only wakes waiters in the same process.
type InMemoryBus struct {
	hub
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{hub: newHub()}
}

// Publish implements Bus.Publish. A subscriber that has not drained its
// previous signal receives nothing new.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.published.Add(1)
	b.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch, _ := b.add(key)
	watch(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
