package syncbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend. Subjects are the keys under
// an optional prefix.
type NATSBus struct {
	hub
	conn      *nats.Conn
	prefix    string
	mu        sync.Mutex
	nsubs     map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection. A
// non-empty prefix is joined to every key with a dot.
func NewNATSBus(conn *nats.Conn, prefix string) *NATSBus {
	return &NATSBus{
		hub:    newHub(),
		conn:   conn,
		prefix: prefix,
		nsubs:  make(map[string]*nats.Subscription),
	}
}

func (b *NATSBus) subject(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "." + key
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := b.conn.Publish(b.subject(key), []byte(uuid.NewString())); err != nil {
		return fmt.Errorf("syncbus: nats publish %q: %w", key, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber for a key
// registers the NATS subscription and flushes it to the server.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nsubs[key]; !ok {
		ns, err := b.conn.Subscribe(b.subject(key), func(_ *nats.Msg) {
			b.deliver(key)
		})
		if err != nil {
			return nil, fmt.Errorf("syncbus: nats subscribe %q: %w", key, err)
		}
		if err := b.conn.FlushWithContext(ctx); err != nil {
			_ = ns.Unsubscribe()
			return nil, fmt.Errorf("syncbus: nats subscribe %q: %w", key, err)
		}
		b.nsubs[key] = ns
	}
	ch, _ := b.add(key)
	watch(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.remove(key, ch) {
		return nil
	}
	ns, ok := b.nsubs[key]
	if !ok {
		return nil
	}
	delete(b.nsubs, key)
	if err := ns.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
