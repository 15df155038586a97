package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-opskit/v1/clock"
	"github.com/mirkobrombin/go-opskit/v1/config"
	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
	"github.com/mirkobrombin/go-opskit/v1/store"
	"github.com/mirkobrombin/go-opskit/v1/syncbus"
)

const defaultPollInterval = 500 * time.Millisecond

// KEYS[1]=set ARGV: limit, holderId, ttlSec
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local holder = ARGV[2]
local ttl = tonumber(ARGV[3])

local cnt = tonumber(redis.call('SCARD', key)) or 0
if cnt >= limit then return 0 end
redis.call('SADD', key, holder)
if ttl > 0 then redis.call('EXPIRE', key, ttl) end
return 1
`)

// KEYS[1]=set ARGV: holderId
var releaseScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
return 1
`)

// KEYS[1]=zset ARGV: limit, holderId, ttlMs, nowMs
// Scores are lease expiries; the key lives as long as the longest lease.
var leaseAcquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local holder = ARGV[2]
local ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if not redis.call('ZSCORE', key, holder) then
  local cnt = tonumber(redis.call('ZCARD', key)) or 0
  if cnt >= limit then return 0 end
end
redis.call('ZADD', key, now + ttl, holder)
local last = redis.call('ZRANGE', key, -1, -1, 'WITHSCORES')
redis.call('PEXPIRE', key, math.max(1, tonumber(last[2]) - now))
return 1
`)

// KEYS[1]=zset ARGV: holderId, nowMs
var leaseReleaseScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
return 1
`)

type lease struct {
	Limit  int           `validate:"gt=0"`
	Holder string        `validate:"required"`
	TTL    time.Duration `validate:"gt=0"`
}

// Semaphore implements a distributed counting semaphore on the shared store.
type Semaphore struct {
	client       *store.Client
	bus          syncbus.Bus
	clock        clock.Clock
	holderLeases bool
	pollInterval time.Duration
}

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithBus sets the bus used to signal releases. Use a Redis or NATS bus to
// wake waiters in other processes.
func WithBus(bus syncbus.Bus) Option {
	return func(s *Semaphore) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithHolderLeases gives every holder its own lease instead of one TTL on
// the whole set. Expired holders are removed on the next call touching the
// key and a holder re-acquiring renews its lease. Keys written in this mode
// are sorted sets and must not be shared with the default mode.
func WithHolderLeases() Option {
	return func(s *Semaphore) {
		s.holderLeases = true
	}
}

// WithClock sets the time source for per-holder lease expiries.
func WithClock(c clock.Clock) Option {
	return func(s *Semaphore) {
		s.clock = c
	}
}

// WithPollInterval bounds how long AcquireWait sleeps between attempts when
// no release signal arrives.
func WithPollInterval(d time.Duration) Option {
	return func(s *Semaphore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewSemaphore returns a Semaphore using client.
func NewSemaphore(client *store.Client, opts ...Option) *Semaphore {
	s := &Semaphore{
		client:       client,
		bus:          syncbus.NewInMemoryBus(),
		clock:        clock.System{},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewHolderID returns a random holder identifier.
func NewHolderID() string {
	return uuid.NewString()
}

// TryAcquire attempts to take a slot of key for holder without waiting.
func (s *Semaphore) TryAcquire(ctx context.Context, key string, limit int, holder string, ttl time.Duration) (bool, error) {
	if err := config.Validate(lease{Limit: limit, Holder: holder, TTL: ttl}); err != nil {
		return false, err
	}
	k := s.client.Key(store.TagLock, key)
	var (
		res any
		err error
	)
	if s.holderLeases {
		res, err = s.client.Eval(ctx, leaseAcquireScript, []string{k},
			limit, holder, ttl.Milliseconds(), s.clock.Now().UnixMilli())
	} else {
		res, err = s.client.Eval(ctx, acquireScript, []string{k}, limit, holder, config.Seconds(ttl))
	}
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	ok, _ := res.(int64)
	return ok == 1, nil
}

// Acquire takes a slot or fails with ErrSemaphoreFull. It never waits;
// retrying or routing elsewhere is up to the caller.
func (s *Semaphore) Acquire(ctx context.Context, key string, limit int, holder string, ttl time.Duration) error {
	ok, err := s.TryAcquire(ctx, key, limit, holder, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w for %s", opserrors.ErrSemaphoreFull, s.client.Key(store.TagLock, key))
	}
	_ = s.bus.Publish(ctx, AcquiredEvent(key))
	return nil
}

// AcquireWait blocks until a slot is obtained or ctx is done. It wakes on
// release signals and re-checks at least every poll interval, which also
// covers slots freed by lease expiry. When ctx's deadline passes first the
// error matches both ErrSemaphoreFull and context.DeadlineExceeded.
func (s *Semaphore) AcquireWait(ctx context.Context, key string, limit int, holder string, ttl time.Duration) error {
	event := ReleasedEvent(key)
	for {
		wctx, cancel := context.WithCancel(ctx)
		ch, err := s.bus.Subscribe(wctx, event)
		if err != nil {
			cancel()
			return err
		}
		ok, err := s.TryAcquire(ctx, key, limit, holder, ttl)
		if err != nil || ok {
			_ = s.bus.Unsubscribe(context.Background(), event, ch)
			cancel()
			if ok {
				_ = s.bus.Publish(ctx, AcquiredEvent(key))
			}
			return s.waitErr(ctx, key, err)
		}
		t := time.NewTimer(s.pollInterval)
		select {
		case <-ch:
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
		_ = s.bus.Unsubscribe(context.Background(), event, ch)
		cancel()
		if err := ctx.Err(); err != nil {
			return s.waitErr(ctx, key, err)
		}
	}
}

// waitErr reports a wait that ran past the caller's deadline as a denied
// acquire. Cancellation and store failures pass through.
func (s *Semaphore) waitErr(ctx context.Context, key string, err error) error {
	if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w for %s: %w", opserrors.ErrSemaphoreFull, s.client.Key(store.TagLock, key), ctx.Err())
}

// Release gives back holder's slot. Releasing a holder that is not a member
// is a no-op.
func (s *Semaphore) Release(ctx context.Context, key string, holder string) error {
	k := s.client.Key(store.TagLock, key)
	var err error
	if s.holderLeases {
		_, err = s.client.Eval(ctx, leaseReleaseScript, []string{k}, holder, s.clock.Now().UnixMilli())
	} else {
		_, err = s.client.Eval(ctx, releaseScript, []string{k}, holder)
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	_ = s.bus.Publish(ctx, ReleasedEvent(key))
	return nil
}

// Holders returns the current members of key. In holder lease mode expired
// holders are left out.
func (s *Semaphore) Holders(ctx context.Context, key string) ([]string, error) {
	k := s.client.Key(store.TagLock, key)
	var holders []string
	err := s.client.Do(ctx, "holders", func(ctx context.Context) error {
		var err error
		if s.holderLeases {
			holders, err = s.client.Redis().ZRangeByScore(ctx, k, &redis.ZRangeBy{
				Min: fmt.Sprintf("(%d", s.clock.Now().UnixMilli()),
				Max: "+inf",
			}).Result()
		} else {
			holders, err = s.client.Redis().SMembers(ctx, k).Result()
		}
		return err
	}, k)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return holders, nil
}

// ReleasedEvent is the bus key published after a release of key.
func ReleasedEvent(key string) string { return "unlock:" + key }

// AcquiredEvent is the bus key published after a successful acquire of key.
// Holder views such as the admin server's lock watch subscribe to it.
func AcquiredEvent(key string) string { return "lock:" + key }
