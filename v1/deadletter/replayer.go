package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-opskit/v1/syncbus"
)

const defaultReplayPoll = 5 * time.Second

// Handler processes one replayed entry. A non-nil error puts the entry and
// the rest of its batch back on the queue.
type Handler[T any] func(ctx context.Context, e Entry[T]) error

// ReplayerOption configures a Replayer.
type ReplayerOption func(*replayerSettings)

type replayerSettings struct {
	batch int
	poll  time.Duration
	bus   syncbus.Bus
}

// WithBatch sets how many entries are popped per round trip.
func WithBatch(n int) ReplayerOption {
	return func(s *replayerSettings) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithPollInterval sets how often the topic is checked without a signal.
func WithPollInterval(d time.Duration) ReplayerOption {
	return func(s *replayerSettings) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithSignals wakes the replayer on "dlq:<topic>" signals from bus.
func WithSignals(bus syncbus.Bus) ReplayerOption {
	return func(s *replayerSettings) {
		s.bus = bus
	}
}

// Replayer drains a topic into a handler until its context ends.
type Replayer[T any] struct {
	queue   *Queue[T]
	topic   string
	handler Handler[T]
	replayerSettings
}

// NewReplayer returns a Replayer feeding topic of q into h.
func NewReplayer[T any](q *Queue[T], topic string, h Handler[T], opts ...ReplayerOption) *Replayer[T] {
	r := &Replayer[T]{
		queue:   q,
		topic:   topic,
		handler: h,
		replayerSettings: replayerSettings{
			batch: DefaultBatch,
			poll:  defaultReplayPoll,
		},
	}
	for _, opt := range opts {
		opt(&r.replayerSettings)
	}
	return r
}

// Run drains the topic, then sleeps until a signal or the poll interval,
// and repeats. Store failures are logged and retried on the next round. It
// returns ctx.Err() once ctx is done.
func (r *Replayer[T]) Run(ctx context.Context) error {
	var signals chan struct{}
	if r.bus != nil {
		ch, err := r.bus.Subscribe(ctx, Signal(r.topic))
		if err != nil {
			slog.Warn("opskit: replayer runs without signals", "topic", r.topic, "error", err)
		} else {
			signals = ch
			defer func() { _ = r.bus.Unsubscribe(context.Background(), Signal(r.topic), ch) }()
		}
	}
	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("opskit: dead letter drain failed", "topic", r.topic, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signals:
		case <-t.C:
		}
	}
}

// Drain replays batches until the topic is empty or the handler fails, and
// returns how many entries were handled.
func (r *Replayer[T]) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		entries, err := r.queue.Replay(ctx, r.topic, r.batch)
		if err != nil {
			if rerr := r.queue.Requeue(context.WithoutCancel(ctx), r.topic, entries...); rerr != nil {
				slog.Error("opskit: dead letters lost on requeue", "topic", r.topic, "count", len(entries), "error", rerr)
			}
			return handled, err
		}
		if len(entries) == 0 {
			return handled, nil
		}
		for i, e := range entries {
			if herr := r.handler(ctx, e); herr != nil {
				slog.Warn("opskit: dead letter handler failed", "topic", r.topic, "error", herr)
				if rerr := r.queue.Requeue(context.WithoutCancel(ctx), r.topic, entries[i:]...); rerr != nil {
					slog.Error("opskit: dead letters lost on requeue", "topic", r.topic, "count", len(entries)-i, "error", rerr)
					return handled, rerr
				}
				return handled, nil
			}
			handled++
		}
	}
}
