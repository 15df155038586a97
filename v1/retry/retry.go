// Package retry runs an operation again with exponential backoff and jitter.
//
// The primitives in this module never retry store failures themselves; this
// package is the caller-side policy that decides when to try again and when
// to give up.
package retry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mirkobrombin/go-opskit/v1/config"
	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
)

// Policy describes how often and how far apart attempts are made. The
// delay before attempt n (n >= 2) is BaseDelay*2^(n-2), moved randomly by
// up to JitterPct percent and capped at MaxDelay.
type Policy struct {
	MaxAttempts int           `validate:"gte=1"`
	BaseDelay   time.Duration `validate:"gte=0"`
	JitterPct   float64       `validate:"gte=0,lte=100"`
	MaxDelay    time.Duration `validate:"gte=0"`
}

// DefaultPolicy makes 5 attempts starting at 500ms with 20% jitter, never
// waiting more than a minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		JitterPct:   20,
		MaxDelay:    time.Minute,
	}
}

// Delay returns the wait before attempt. The first attempt never waits.
// rnd returns values in [0, 1); nil uses math/rand.
func (p Policy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt-2))
	delta := base * p.JitterPct / 100
	d := base + (rnd()*2-1)*delta
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if d > float64(maxDelay) {
		return maxDelay
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, ctx is done, or
// MaxAttempts is reached. Exhaustion returns an error matching both
// ErrGaveUp and the last failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if err := config.Validate(p); err != nil {
		return err
	}
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if d := p.Delay(attempt, nil); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm permanent
		if stdErrors.As(err, &perm) {
			return perm.err
		}
		last = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", opserrors.ErrGaveUp, p.MaxAttempts, last)
}
