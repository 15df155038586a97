// Package stage runs the opskit primitives over batches of workflow items.
//
// A stage takes the items of one invocation, resolves the parameters for
// each item, calls the primitive and returns a Result: items on Pass are
// forwarded (usually augmented with a decision record under a fixed field),
// items on Alt go to the stage's second output, such as "blocked" for an
// open breaker or "gave up" for retries. Each Run acquires its own store
// connection through a store.Connector and releases it when done.
//
// Every run writes one canonical log line with the stage name, item counts
// and the error, if any.
package stage

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/nhalm/canonlog"

	"github.com/mirkobrombin/go-opskit/v1/clock"
	"github.com/mirkobrombin/go-opskit/v1/metrics"
	"github.com/mirkobrombin/go-opskit/v1/store"
	"github.com/mirkobrombin/go-opskit/v1/syncbus"
)

// Item is one workflow item.
type Item map[string]any

// With returns a shallow copy of it with field set to v.
func (it Item) With(field string, v any) Item {
	out := make(Item, len(it)+1)
	maps.Copy(out, it)
	out[field] = v
	return out
}

// Result holds the routed items of one run.
type Result struct {
	Pass []Item
	Alt  []Item
}

// Resolver returns the parameters for item i.
type Resolver[P any] func(i int, it Item) (P, error)

// Fixed resolves every item to p.
func Fixed[P any](p P) Resolver[P] {
	return func(int, Item) (P, error) { return p, nil }
}

// Runner runs stages against one store.
type Runner struct {
	connect   store.Connector
	sink      metrics.Sink
	clock     clock.Clock
	bus       syncbus.Bus
	execution string
}

// Option configures a Runner.
type Option func(*Runner)

// WithSink sets the metrics sink. The default discards events.
func WithSink(s metrics.Sink) Option {
	return func(r *Runner) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithClock sets the time source passed to every primitive. Without it the
// rate limiter uses the local clock and the breaker the store clock.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithBus sets the bus used for semaphore wake-ups and dead-letter signals.
func WithBus(b syncbus.Bus) Option {
	return func(r *Runner) {
		r.bus = b
	}
}

// WithExecutionID sets the id used to derive default semaphore holders.
func WithExecutionID(id string) Option {
	return func(r *Runner) {
		if id != "" {
			r.execution = id
		}
	}
}

// NewRunner returns a Runner acquiring connections from connect.
func NewRunner(connect store.Connector, opts ...Option) *Runner {
	r := &Runner{
		connect:   connect,
		sink:      metrics.Noop{},
		execution: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run wraps one stage invocation: canonical log line and scoped connection.
// Stages that do not touch the store skip the connection.
func (r *Runner) run(ctx context.Context, name string, items []Item, needsStore bool, fn func(ctx context.Context, c *store.Client) (Result, error)) (res Result, err error) {
	ctx = canonlog.NewContext(ctx)
	canonlog.InfoAddMany(ctx, map[string]any{
		"stage":     name,
		"execution": r.execution,
		"items":     len(items),
	})
	defer func() {
		if err != nil {
			canonlog.ErrorAdd(ctx, err)
		}
		canonlog.InfoAddMany(ctx, map[string]any{
			"pass": len(res.Pass),
			"alt":  len(res.Alt),
		})
		canonlog.Flush(ctx)
	}()

	var c *store.Client
	if needsStore {
		if r.connect == nil {
			return Result{}, fmt.Errorf("stage %s: no store connector", name)
		}
		c, err = r.connect(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("stage %s: %w", name, err)
		}
		defer store.Release(c)
	}
	return fn(ctx, c)
}

func (r *Runner) emit(event string, labels map[string]string) {
	r.sink.Emit(event, labels)
}
