package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-opskit/v1/clock"
	"github.com/mirkobrombin/go-opskit/v1/config"
	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// DefaultPollInterval is the retry interval of Wait.
const DefaultPollInterval = 250 * time.Millisecond

// KEYS[1]=bucket ARGV: capacity, refillRatePerSec, nowMs, cost, ttlSec
// returns {allowed, remaining, ts}
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local need = tonumber(ARGV[4])
local ttlSec = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1]) or capacity
local ts = tonumber(data[2]) or now

if now > ts then
  local delta = (now - ts) / 1000.0
  tokens = math.min(capacity, tokens + delta * rate)
  ts = now
end

local allowed = 0
local remaining = tokens
if tokens >= need then
  tokens = tokens - need
  remaining = tokens
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
if ttlSec > 0 then redis.call('EXPIRE', key, ttlSec) end

return {allowed, remaining, ts}
`)

// Limit describes a bucket. The same values must be used by every caller
// sharing the key.
type Limit struct {
	// Capacity is the bucket size, also the largest possible burst.
	Capacity float64 `validate:"gt=0"`
	// RefillRate is the number of tokens earned per second.
	RefillRate float64 `validate:"gte=0"`
	// Cost is the number of tokens one call takes. Zero means 1.
	Cost float64 `validate:"gte=0"`
	// TTL expires idle buckets. Zero keeps them forever.
	TTL time.Duration `validate:"gte=0"`
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of tokens left after the call.
	Remaining float64
	// LastRefill is the refill timestamp stored with the bucket.
	LastRefill time.Time
}

// OnLimit selects what Take does when the bucket is empty.
type OnLimit int

const (
	// OnLimitWait polls until a token is available or the max wait elapses.
	OnLimitWait OnLimit = iota
	// OnLimitFail returns ErrRateLimitExceeded immediately.
	OnLimitFail
)

// Limiter is a distributed token bucket limiter.
type Limiter struct {
	client       *store.Client
	clock        clock.Clock
	pollInterval time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source for refill timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithPollInterval sets the interval between attempts in Wait.
func WithPollInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// New returns a Limiter using client.
func New(client *store.Client, opts ...Option) *Limiter {
	l := &Limiter{client: client, clock: clock.System{}, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow atomically refills the bucket for key and takes limit.Cost tokens
// if available.
func (l *Limiter) Allow(ctx context.Context, key string, limit Limit) (Decision, error) {
	if err := config.Validate(limit); err != nil {
		return Decision{}, err
	}
	cost := limit.Cost
	if cost == 0 {
		cost = 1
	}
	res, err := l.client.Eval(ctx, tokenBucketScript, []string{l.client.Key(store.TagRateLimit, key)},
		limit.Capacity, limit.RefillRate, l.clock.Now().UnixMilli(), cost, config.Seconds(limit.TTL))
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit %s: %w", key, err)
	}
	values, ok := res.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("ratelimit %s: unexpected script reply %v", key, res)
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	ts, _ := values[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  float64(remaining),
		LastRefill: time.UnixMilli(ts),
	}, nil
}

// Wait calls Allow until it succeeds, polling every poll interval. It
// returns ErrRateLimitWaitTimeout once maxWait has elapsed on the limiter's
// clock. Polling is not
// exact scheduling; many pollers on one key are safe because every attempt
// is an atomic check.
func (l *Limiter) Wait(ctx context.Context, key string, limit Limit, maxWait time.Duration) (Decision, error) {
	deadline := l.clock.Now().Add(maxWait)
	for {
		dec, err := l.Allow(ctx, key, limit)
		if err != nil {
			return dec, err
		}
		if dec.Allowed {
			return dec, nil
		}
		if l.clock.Now().After(deadline) {
			return dec, fmt.Errorf("%w (%s) for %s", opserrors.ErrRateLimitWaitTimeout, maxWait, key)
		}
		t := time.NewTimer(l.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return dec, ctx.Err()
		case <-t.C:
		}
	}
}

// Take applies the OnLimit policy around Allow.
func (l *Limiter) Take(ctx context.Context, key string, limit Limit, onLimit OnLimit, maxWait time.Duration) (Decision, error) {
	if onLimit == OnLimitWait {
		return l.Wait(ctx, key, limit, maxWait)
	}
	dec, err := l.Allow(ctx, key, limit)
	if err != nil {
		return dec, err
	}
	if !dec.Allowed {
		return dec, fmt.Errorf("%w for %s", opserrors.ErrRateLimitExceeded, key)
	}
	return dec, nil
}
