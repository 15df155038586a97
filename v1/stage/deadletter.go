package stage

import (
	"context"
	"strconv"

	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/deadletter"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// DeadLetterParams configures a dead-letter stage for a whole run.
type DeadLetterParams struct {
	Topic string `validate:"required"`
	// MaxLen bounds the topic on enqueue. Zero means deadletter.DefaultMaxLen.
	MaxLen int64 `validate:"gte=0"`
	// Batch is the replay batch size. Zero means deadletter.DefaultBatch.
	Batch int `validate:"gte=0"`
}

func (r *Runner) queue(c *store.Client, p DeadLetterParams) *deadletter.Queue[Item] {
	opts := []deadletter.Option{deadletter.WithMaxLen(p.MaxLen)}
	if r.clock != nil {
		opts = append(opts, deadletter.WithClock(r.clock))
	}
	if r.bus != nil {
		opts = append(opts, deadletter.WithBus(r.bus))
	}
	return deadletter.NewQueue[Item](c, opts...)
}

// DeadLetter stores every item in the topic and forwards them unchanged.
func (r *Runner) DeadLetter(ctx context.Context, items []Item, p DeadLetterParams) (Result, error) {
	return r.run(ctx, "deadletter", items, true, func(ctx context.Context, c *store.Client) (Result, error) {
		if err := config.Validate(p); err != nil {
			return Result{}, err
		}
		if err := r.queue(c, p).Enqueue(ctx, p.Topic, items...); err != nil {
			return Result{}, err
		}
		r.emit("dlq_enqueue", map[string]string{"key": p.Topic, "count": strconv.Itoa(len(items))})
		return Result{Pass: items}, nil
	})
}

// Replay pops up to one batch from the topic, oldest first, and forwards
// the stored items. When the topic is empty the input items pass through
// unchanged.
func (r *Runner) Replay(ctx context.Context, items []Item, p DeadLetterParams) (Result, error) {
	return r.run(ctx, "replay", items, true, func(ctx context.Context, c *store.Client) (Result, error) {
		if err := config.Validate(p); err != nil {
			return Result{}, err
		}
		entries, err := r.queue(c, p).Replay(ctx, p.Topic, p.Batch)
		out := make([]Item, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Item)
		}
		if err != nil {
			// popped entries are gone from the store; hand them out anyway
			return Result{Pass: out}, err
		}
		r.emit("dlq_replay", map[string]string{"key": p.Topic, "count": strconv.Itoa(len(out))})
		if len(out) == 0 {
			return Result{Pass: items}, nil
		}
		return Result{Pass: out}, nil
	})
}
