// Package deadletter keeps failed items in bounded, topic-scoped lists for
// later replay.
//
// Enqueue pushes entries to the head of the list and trims it to MaxLen, so
// the oldest entries fall off once the bound is reached. Replay pops from
// the tail, oldest first. Each pop is atomic and permanent: an entry is
// never handed to two consumers, and an entry popped but not processed is
// gone unless the caller puts it back with Requeue.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-opskit/v1/clock"
	"github.com/mirkobrombin/go-opskit/v1/store"
	"github.com/mirkobrombin/go-opskit/v1/syncbus"
)

const (
	// DefaultMaxLen bounds a topic when no WithMaxLen is given.
	DefaultMaxLen = 10000
	// DefaultBatch is the replay batch size used by Replayer.
	DefaultBatch = 50
)

// Entry is one dead-lettered item.
type Entry[T any] struct {
	EnqueuedAt time.Time
	Item       T
}

type envelope[T any] struct {
	TS   int64 `json:"ts"`
	Item T     `json:"item"`
}

// Option configures a Queue.
type Option func(*settings)

type settings struct {
	codec  Codec
	maxLen int64
	clock  clock.Clock
	bus    syncbus.Bus
}

// WithCodec sets the entry codec. Every process sharing a topic must use
// the same codec.
func WithCodec(c Codec) Option {
	return func(s *settings) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithMaxLen bounds every topic to n entries.
func WithMaxLen(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// WithClock sets the time source for enqueue timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *settings) {
		s.clock = c
	}
}

// WithBus signals "dlq:<topic>" after every enqueue so replayers wake up
// without waiting for their poll interval.
func WithBus(b syncbus.Bus) Option {
	return func(s *settings) {
		s.bus = b
	}
}

// Queue is a dead-letter store for items of type T.
type Queue[T any] struct {
	client *store.Client
	settings
}

// NewQueue returns a Queue using client.
func NewQueue[T any](client *store.Client, opts ...Option) *Queue[T] {
	q := &Queue[T]{
		client: client,
		settings: settings{
			codec:  JSONCodec{},
			maxLen: DefaultMaxLen,
			clock:  clock.System{},
		},
	}
	for _, opt := range opts {
		opt(&q.settings)
	}
	return q
}

// Key returns the store key of topic.
func (q *Queue[T]) Key(topic string) string {
	return q.client.Key(store.TagDeadLetter, topic)
}

// Signal is the bus key published after an enqueue to topic.
func Signal(topic string) string { return "dlq:" + topic }

// Enqueue stores items at the head of topic and trims the topic to its
// bound. The push and the trim are each atomic but not atomic together.
func (q *Queue[T]) Enqueue(ctx context.Context, topic string, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	ts := q.clock.Now().UnixMilli()
	vals := make([]any, 0, len(items))
	for _, it := range items {
		data, err := q.codec.Marshal(envelope[T]{TS: ts, Item: it})
		if err != nil {
			return fmt.Errorf("deadletter %s: encode: %w", topic, err)
		}
		vals = append(vals, data)
	}
	k := q.Key(topic)
	err := q.client.Do(ctx, "dlq.enqueue", func(ctx context.Context) error {
		_, err := q.client.Redis().Pipelined(ctx, func(p redis.Pipeliner) error {
			p.LPush(ctx, k, vals...)
			p.LTrim(ctx, k, 0, q.maxLen-1)
			return nil
		})
		return err
	}, k)
	if err != nil {
		return fmt.Errorf("deadletter %s: %w", topic, err)
	}
	if q.bus != nil {
		if err := q.bus.Publish(ctx, Signal(topic)); err != nil {
			slog.Warn("opskit: dead letter signal failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// Replay pops up to batch entries from topic, oldest first. An empty topic
// yields no entries and no error. Entries that cannot be decoded are logged
// with their raw payload and skipped.
func (q *Queue[T]) Replay(ctx context.Context, topic string, batch int) ([]Entry[T], error) {
	if batch <= 0 {
		batch = DefaultBatch
	}
	k := q.Key(topic)
	var raws []string
	err := q.client.Do(ctx, "dlq.replay", func(ctx context.Context) error {
		for len(raws) < batch {
			raw, err := q.client.Redis().RPop(ctx, k).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			raws = append(raws, raw)
		}
		return nil
	}, k)
	entries := make([]Entry[T], 0, len(raws))
	for _, raw := range raws {
		var env envelope[T]
		if derr := q.codec.Unmarshal([]byte(raw), &env); derr != nil {
			slog.Error("opskit: dropping undecodable dead letter", "topic", topic, "payload", raw, "error", derr)
			continue
		}
		entries = append(entries, Entry[T]{EnqueuedAt: time.UnixMilli(env.TS), Item: env.Item})
	}
	if err != nil {
		return entries, fmt.Errorf("deadletter %s: %w", topic, err)
	}
	return entries, nil
}

// Requeue puts entries back at the tail of topic so entries[0] is the next
// one replayed. Original enqueue timestamps are kept.
func (q *Queue[T]) Requeue(ctx context.Context, topic string, entries ...Entry[T]) error {
	if len(entries) == 0 {
		return nil
	}
	vals := make([]any, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		data, err := q.codec.Marshal(envelope[T]{TS: entries[i].EnqueuedAt.UnixMilli(), Item: entries[i].Item})
		if err != nil {
			return fmt.Errorf("deadletter %s: encode: %w", topic, err)
		}
		vals = append(vals, data)
	}
	k := q.Key(topic)
	err := q.client.Do(ctx, "dlq.requeue", func(ctx context.Context) error {
		return q.client.Redis().RPush(ctx, k, vals...).Err()
	}, k)
	if err != nil {
		return fmt.Errorf("deadletter %s: %w", topic, err)
	}
	return nil
}

// Len returns the number of entries waiting in topic.
func (q *Queue[T]) Len(ctx context.Context, topic string) (int64, error) {
	k := q.Key(topic)
	var n int64
	err := q.client.Do(ctx, "dlq.len", func(ctx context.Context) error {
		var err error
		n, err = q.client.Redis().LLen(ctx, k).Result()
		return err
	}, k)
	if err != nil {
		return 0, fmt.Errorf("deadletter %s: %w", topic, err)
	}
	return n, nil
}
