package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/idempotency"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// IdempotencyParams configures the idempotency stage for one item.
type IdempotencyParams struct {
	Key string        `validate:"required"`
	TTL time.Duration `validate:"gte=0"`
	// Tag replaces the default "idem" key tag.
	Tag string `validate:"excludes=:"`
}

// Idempotency forwards items whose key is seen for the first time within
// the TTL, with idempotency{accepted, key}. Duplicates are dropped.
func (r *Runner) Idempotency(ctx context.Context, items []Item, resolve Resolver[IdempotencyParams]) (Result, error) {
	return r.run(ctx, "idempotency", items, true, func(ctx context.Context, c *store.Client) (Result, error) {
		out := make([]Item, 0, len(items))
		guards := make(map[string]*idempotency.Guard)
		for i, it := range items {
			p, err := resolve(i, it)
			if err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			if err := config.Validate(p); err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			g, ok := guards[p.Tag]
			if !ok {
				g = idempotency.New(c, idempotency.WithTag(p.Tag))
				guards[p.Tag] = g
			}
			dec, err := g.Admit(ctx, p.Key, p.TTL)
			if err != nil {
				return Result{}, err
			}
			if !dec.Admitted {
				r.emit("idempotency_duplicate", map[string]string{"key": p.Key})
				continue
			}
			r.emit("idempotency_accepted", map[string]string{"key": p.Key})
			out = append(out, it.With("idempotency", map[string]any{"accepted": true, "key": dec.Key}))
		}
		return Result{Pass: out}, nil
	})
}
