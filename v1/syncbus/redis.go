package syncbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-opskit/v1/store"
)

// RedisBus implements Bus over Redis pub/sub on the shared store, so every
// process using the same store and namespace sees the same signals.
type RedisBus struct {
	hub
	client    *store.Client
	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedisBus returns a RedisBus publishing on channels under the client's
// key prefix.
func NewRedisBus(client *store.Client) *RedisBus {
	return &RedisBus{
		hub:     newHub(),
		client:  client,
		pubsubs: make(map[string]*redis.PubSub),
	}
}

func (b *RedisBus) channel(key string) string {
	return b.client.Prefix() + "bus:" + key
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	err := b.client.Do(ctx, "bus.publish", func(ctx context.Context) error {
		return b.client.Redis().Publish(ctx, b.channel(key), uuid.NewString()).Err()
	}, key)
	if err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber for a key opens
// the Redis subscription and waits for the server to confirm it.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pubsubs[key]; !ok {
		ps := b.client.Redis().Subscribe(ctx, b.channel(key))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("syncbus: subscribe %q: %w", key, err)
		}
		b.pubsubs[key] = ps
		go b.dispatch(key, ps)
	}
	ch, _ := b.add(key)
	watch(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.remove(key, ch) {
		return nil
	}
	ps, ok := b.pubsubs[key]
	if !ok {
		return nil
	}
	delete(b.pubsubs, key)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close ends every subscription. The store client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for key, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.pubsubs, key)
	}
	b.closeAll()
	return firstErr
}
