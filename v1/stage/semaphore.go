package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/lock"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// LockAction selects what the semaphore stage does.
type LockAction string

const (
	Acquire LockAction = "acquire"
	Release LockAction = "release"
)

// SemaphoreParams configures the semaphore stage for one item.
type SemaphoreParams struct {
	Key    string     `validate:"required"`
	Action LockAction `validate:"oneof=acquire release"`
	Limit  int
	TTL    time.Duration
	// Holder defaults to "<execution>_<index>".
	Holder string
	// MaxWait makes acquire wait up to this long for a slot instead of
	// failing at once.
	MaxWait time.Duration `validate:"gte=0"`
	// HolderLeases selects per-holder expiry. Every caller of a key must
	// agree on it.
	HolderLeases bool
}

// Semaphore acquires or releases a slot per item. Items carry
// lock{acquired|released, key, holderId}. A full semaphore aborts the run
// with ErrSemaphoreFull.
func (r *Runner) Semaphore(ctx context.Context, items []Item, resolve Resolver[SemaphoreParams]) (Result, error) {
	return r.run(ctx, "semaphore", items, true, func(ctx context.Context, c *store.Client) (Result, error) {
		out := make([]Item, 0, len(items))
		for i, it := range items {
			p, err := resolve(i, it)
			if err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			if err := config.Validate(p); err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			holder := p.Holder
			if holder == "" {
				holder = fmt.Sprintf("%s_%d", r.execution, i)
			}
			sem := lock.NewSemaphore(c, r.lockOptions(p)...)
			full := c.Key(store.TagLock, p.Key)

			if p.Action == Release {
				if err := sem.Release(ctx, p.Key, holder); err != nil {
					return Result{}, err
				}
				r.emit("lock_released", map[string]string{"key": p.Key})
				out = append(out, it.With("lock", map[string]any{"released": true, "key": full, "holderId": holder}))
				continue
			}

			if p.MaxWait > 0 {
				wctx, cancel := context.WithTimeout(ctx, p.MaxWait)
				err = sem.AcquireWait(wctx, p.Key, p.Limit, holder, p.TTL)
				cancel()
			} else {
				err = sem.Acquire(ctx, p.Key, p.Limit, holder, p.TTL)
			}
			if err != nil {
				r.emit("lock_denied", map[string]string{"key": p.Key})
				return Result{}, err
			}
			r.emit("lock_acquired", map[string]string{"key": p.Key})
			out = append(out, it.With("lock", map[string]any{"acquired": true, "key": full, "holderId": holder}))
		}
		return Result{Pass: out}, nil
	})
}

func (r *Runner) lockOptions(p SemaphoreParams) []lock.Option {
	var opts []lock.Option
	if r.bus != nil {
		opts = append(opts, lock.WithBus(r.bus))
	}
	if r.clock != nil {
		opts = append(opts, lock.WithClock(r.clock))
	}
	if p.HolderLeases {
		opts = append(opts, lock.WithHolderLeases())
	}
	return opts
}
