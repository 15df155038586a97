package stage

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-opskit/v1/breaker"
	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// CircuitMode selects what the circuit stage does.
type CircuitMode string

const (
	Evaluate      CircuitMode = "evaluate"
	RecordSuccess CircuitMode = "success"
	RecordFailure CircuitMode = "failure"
)

// CircuitParams configures the circuit stage for one item.
type CircuitParams struct {
	Name     string      `validate:"required"`
	Mode     CircuitMode `validate:"oneof=evaluate success failure"`
	Settings breaker.Settings
}

// Circuit evaluates or updates a breaker per item. Items carry
// circuit{name, state}. In evaluate mode items seeing an open breaker go to
// Alt; recording modes always pass.
func (r *Runner) Circuit(ctx context.Context, items []Item, resolve Resolver[CircuitParams]) (Result, error) {
	return r.run(ctx, "circuit", items, true, func(ctx context.Context, c *store.Client) (Result, error) {
		var opts []breaker.Option
		if r.clock != nil {
			opts = append(opts, breaker.WithClock(r.clock))
		}
		b := breaker.New(c, opts...)
		var res Result
		for i, it := range items {
			p, err := resolve(i, it)
			if err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			if err := config.Validate(p); err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			action := breaker.Noop
			switch p.Mode {
			case RecordSuccess:
				action = breaker.IncSuccess
			case RecordFailure:
				action = breaker.IncFailure
			}
			snap, err := b.Update(ctx, p.Name, p.Settings, action)
			if err != nil {
				return Result{}, err
			}
			r.emit("circuit_"+string(snap.State), map[string]string{"key": p.Name, "mode": string(p.Mode)})
			enriched := it.With("circuit", map[string]any{"name": p.Name, "state": string(snap.State)})
			if p.Mode == Evaluate && snap.Blocked() {
				res.Alt = append(res.Alt, enriched)
				continue
			}
			res.Pass = append(res.Pass, enriched)
		}
		return res, nil
	})
}
