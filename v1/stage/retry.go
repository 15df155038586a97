package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/retry"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// RetryMetaField holds the attempt counter carried by items looping back
// through a retry stage.
const RetryMetaField = "_retry"

// Retry counts an attempt on every item. From the second attempt on it
// first waits the policy's backoff delay. Items within MaxAttempts pass
// with retry{attempts, gaveUp: false}; the rest go to Alt with
// retry{attempts, gaveUp: true}.
func (r *Runner) Retry(ctx context.Context, items []Item, resolve Resolver[retry.Policy]) (Result, error) {
	return r.run(ctx, "retry", items, false, func(ctx context.Context, _ *store.Client) (Result, error) {
		var res Result
		for i, it := range items {
			p, err := resolve(i, it)
			if err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			if err := config.Validate(p); err != nil {
				return Result{}, fmt.Errorf("item %d: %w", i, err)
			}
			attempts := attemptsOf(it) + 1
			if d := p.Delay(attempts, nil); d > 0 {
				if err := sleep(ctx, d); err != nil {
					return Result{}, err
				}
			}
			meta := map[string]any{"attempts": attempts}
			gaveUp := attempts > p.MaxAttempts
			next := it.With(RetryMetaField, meta).With("retry", map[string]any{"attempts": attempts, "gaveUp": gaveUp})
			if gaveUp {
				r.emit("retry_gave_up", map[string]string{"attempts": fmt.Sprint(attempts)})
				res.Alt = append(res.Alt, next)
				continue
			}
			res.Pass = append(res.Pass, next)
		}
		return res, nil
	})
}

// attemptsOf reads the attempt counter, accepting the numeric types a JSON
// round trip or a Go caller may produce.
func attemptsOf(it Item) int {
	meta, ok := it[RetryMetaField].(map[string]any)
	if !ok {
		return 0
	}
	switch n := meta["attempts"].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
