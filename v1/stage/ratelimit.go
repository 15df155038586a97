package stage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/ratelimit"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// RateLimitParams configures the rate limit gate for one item.
type RateLimitParams struct {
	Key     string `validate:"required"`
	Limit   ratelimit.Limit
	OnLimit ratelimit.OnLimit
	MaxWait time.Duration `validate:"gte=0"`
}

// RateLimit takes tokens for every item in order, waiting or failing per
// item policy. Admitted items carry ratelimit{remaining}. A denied item
// aborts the run with ErrRateLimitExceeded or ErrRateLimitWaitTimeout.
func (r *Runner) RateLimit(ctx context.Context, items []Item, resolve Resolver[RateLimitParams]) (Result, error) {
	return r.run(ctx, "ratelimit", items, true, func(ctx context.Context, c *store.Client) (Result, error) {
		var opts []ratelimit.Option
		if r.clock != nil {
			opts = append(opts, ratelimit.WithClock(r.clock))
		}
		lim := ratelimit.New(c, opts...)
		out := make([]Item, 0, len(items))
		for i, it := range items {
			p, err := resolve(i, it)
			if err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			if err := config.Validate(p); err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			dec, err := lim.Take(ctx, p.Key, p.Limit, p.OnLimit, p.MaxWait)
			if err != nil {
				r.emit("ratelimit_denied", map[string]string{"key": p.Key})
				return Result{}, err
			}
			remaining := int64(dec.Remaining)
			r.emit("ratelimit_allow", map[string]string{
				"key":       p.Key,
				"remaining": strconv.FormatInt(remaining, 10),
			})
			out = append(out, it.With("ratelimit", map[string]any{"remaining": remaining}))
		}
		return Result{Pass: out}, nil
	})
}
