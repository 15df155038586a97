// Package store is the client side of the shared Redis store used by every
// opskit primitive. It builds namespaced keys, runs server-side Lua
// procedures with a per-call timeout and a tracing span, and classifies
// transport failures as ErrStoreUnavailable. Primitives never retry; that
// policy belongs to the caller.
package store

import (
	"context"
	"crypto/tls"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-opskit/v1/config"
	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
)

const defaultOpTimeout = 5 * time.Second

// Key tags, one per primitive, so unrelated primitives never collide.
const (
	TagRateLimit   = "ratelimit"
	TagLock        = "lock"
	TagBreaker     = "cb"
	TagIdempotency = "idem"
	TagDeadLetter  = "dlq"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-opskit/v1/store")

// Client wraps a go-redis client with the key prefix and timeout shared by
// all primitives.
type Client struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
	owned   bool
}

// Option configures a Client.
type Option func(*options)

type options struct {
	prefix  string
	timeout time.Duration
}

// WithPrefix sets the raw key prefix, e.g. "n8n:billing:".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithNamespace sets the prefix to "n8n:<ns>:" (or "n8n:" when ns is empty).
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.prefix = config.Config{Namespace: ns}.Prefix()
	}
}

// WithTimeout sets the deadline applied to every store call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New wraps rdb. The returned Client owns rdb: Close closes it.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	o := options{prefix: config.DefaultKeyRoot + ":", timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{rdb: rdb, prefix: o.prefix, timeout: o.timeout, owned: true}
}

// Dial connects to the store described by cfg and verifies the connection
// with a PING.
func Dial(ctx context.Context, cfg config.Config) (*Client, error) {
	ropts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.TLS {
		ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	c := New(redis.NewClient(ropts), WithPrefix(cfg.Prefix()), WithTimeout(cfg.Redis.Timeout))
	if err := c.Do(ctx, "ping", func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	}); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.Redis.Addr, err)
	}
	return c, nil
}

// Key returns the namespaced key for a primitive tag and a caller key.
func (c *Client) Key(tag, key string) string {
	return c.prefix + tag + ":" + key
}

// Prefix returns the namespace prefix of this client.
func (c *Client) Prefix() string { return c.prefix }

// Redis exposes the underlying go-redis client.
func (c *Client) Redis() redis.UniversalClient { return c.rdb }

// Borrow returns a view of c whose Close is a no-op.
func (c *Client) Borrow() *Client {
	cp := *c
	cp.owned = false
	return &cp
}

// Eval runs script atomically on the server. The first key names the span.
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	var res any
	err := c.Do(ctx, "eval", func(ctx context.Context) error {
		var err error
		res, err = script.Run(ctx, c.rdb, keys, args...).Result()
		return err
	}, keys...)
	return res, err
}

// Do runs fn with the client timeout inside a tracing span and classifies
// the returned error.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error, keys ...string) error {
	attrs := []attribute.KeyValue{attribute.String("opskit.store.op", op)}
	if len(keys) > 0 {
		attrs = append(attrs, attribute.String("opskit.store.key", keys[0]))
	}
	ctx, span := tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	defer span.End()

	// The caller giving up is not a store failure: its own context error is
	// returned as is. Only the per-call timeout counts as unavailability.
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && ctx.Err() == nil {
		err = classify(err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Time returns the store's clock.
func (c *Client) Time(ctx context.Context) (time.Time, error) {
	var now time.Time
	err := c.Do(ctx, "time", func(ctx context.Context) error {
		var err error
		now, err = c.rdb.Time(ctx).Result()
		return err
	})
	return now, err
}

// Close releases the connection if this Client owns it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.rdb.Close()
}

func classify(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	switch {
	case stdErrors.Is(err, opserrors.ErrStoreUnavailable):
		return err
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w: %w", opserrors.ErrStoreUnavailable, opserrors.ErrTimeout, err)
	case stdErrors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", opserrors.ErrStoreUnavailable, opserrors.ErrConnectionClosed)
	case stdErrors.Is(err, io.EOF), stdErrors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", opserrors.ErrStoreUnavailable, err)
	}
	var nerr net.Error
	if stdErrors.As(err, &nerr) {
		return fmt.Errorf("%w: %w", opserrors.ErrStoreUnavailable, err)
	}
	return err
}
