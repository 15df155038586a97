// Package breaker implements a distributed circuit breaker driven by the
// failure rate over a sliding window of per-second counters.
//
// All aggregation and state transitions run inside one Lua procedure, so
// evaluations and outcome reports from any number of processes see a
// consistent state. Evaluation is not read-only: an open breaker whose
// reopen time has passed moves to half-open on whichever call observes it.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-opskit/v1/clock"
	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// MinSamples is the number of outcomes in the window below which the
// breaker never opens.
const MinSamples = 10

// KEYS[1]=breaker hash ARGV: action, windowSec, threshold, halfOpenAfterSec, [nowSec]
// Counters live at <key>:succ:<sec> and <key>:fail:<sec>.
var updateScript = redis.NewScript(`
local key = KEYS[1]
local action = ARGV[1]
local win = tonumber(ARGV[2])
local thr = tonumber(ARGV[3])
local halfAfter = tonumber(ARGV[4]) or win

local nowSec = tonumber(ARGV[5])
if not nowSec then
  local now = redis.call('TIME')
  nowSec = tonumber(now[1])
end

if action == 'inc_success' or action == 'inc_failure' then
  local succKey = key..':succ:'..nowSec
  local failKey = key..':fail:'..nowSec
  if action == 'inc_success' then redis.call('INCR', succKey) else redis.call('INCR', failKey) end
  redis.call('EXPIRE', succKey, win * 2)
  redis.call('EXPIRE', failKey, win * 2)
end

local succ = 0
local fail = 0
for i=0,win-1 do
  succ = succ + tonumber(redis.call('GET', key..':succ:'..(nowSec - i)) or '0')
  fail = fail + tonumber(redis.call('GET', key..':fail:'..(nowSec - i)) or '0')
end
local total = succ + fail
local failureRate = 0
if total > 0 then failureRate = fail / total end

local state = redis.call('HGET', key, 'state') or 'closed'
local reopenAt = tonumber(redis.call('HGET', key, 'reopenAt') or '0')

if state == 'open' and nowSec >= reopenAt then
  state = 'half'
end

if failureRate >= thr and total >= 10 then
  state = 'open'
  redis.call('HSET', key, 'state', state, 'reopenAt', nowSec + halfAfter)
elseif state == 'half' and failureRate < thr then
  state = 'closed'
  redis.call('HSET', key, 'state', state)
else
  redis.call('HSET', key, 'state', state)
end
redis.call('EXPIRE', key, win * 2 + halfAfter)

return {state, tostring(failureRate), tostring(total)}
`)

// State is a breaker state as stored.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half"
)

// Action selects what an update records before evaluating.
type Action string

const (
	Noop       Action = "noop"
	IncSuccess Action = "inc_success"
	IncFailure Action = "inc_failure"
)

// Settings parameterizes one breaker call. Window and HalfOpenAfter are
// rounded up to whole seconds; a zero HalfOpenAfter means one Window.
type Settings struct {
	Window        time.Duration `validate:"gte=1s"`
	Threshold     float64       `validate:"gt=0,lte=1"`
	HalfOpenAfter time.Duration `validate:"gte=0"`
}

// DefaultSettings mirrors the defaults operators are used to: a 60 second
// window, opening at 30% failures, probing again after 30 seconds.
func DefaultSettings() Settings {
	return Settings{Window: time.Minute, Threshold: 0.3, HalfOpenAfter: 30 * time.Second}
}

// Snapshot is the breaker state after a call.
type Snapshot struct {
	Name        string
	State       State
	FailureRate float64
	Total       int64
}

// Blocked reports whether callers should route work to the blocked path.
func (s Snapshot) Blocked() bool { return s.State == Open }

// Breaker evaluates and updates named circuit breakers.
type Breaker struct {
	client *store.Client
	clock  clock.Clock
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock makes the breaker use c instead of the store's clock. All
// processes sharing a breaker should agree on the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) {
		b.clock = c
	}
}

// New returns a Breaker using client. Without WithClock the store's TIME is
// authoritative.
func New(client *store.Client, opts ...Option) *Breaker {
	b := &Breaker{client: client}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Evaluate aggregates the window and applies transitions without recording
// an outcome.
func (b *Breaker) Evaluate(ctx context.Context, name string, s Settings) (Snapshot, error) {
	return b.Update(ctx, name, s, Noop)
}

// RecordSuccess records a success and returns the resulting state.
func (b *Breaker) RecordSuccess(ctx context.Context, name string, s Settings) (Snapshot, error) {
	return b.Update(ctx, name, s, IncSuccess)
}

// RecordFailure records a failure and returns the resulting state.
func (b *Breaker) RecordFailure(ctx context.Context, name string, s Settings) (Snapshot, error) {
	return b.Update(ctx, name, s, IncFailure)
}

// Update runs one breaker procedure for action.
func (b *Breaker) Update(ctx context.Context, name string, s Settings, action Action) (Snapshot, error) {
	switch action {
	case Noop, IncSuccess, IncFailure:
	default:
		return Snapshot{}, fmt.Errorf("breaker %s: unknown action %q", name, action)
	}
	if err := config.Validate(s); err != nil {
		return Snapshot{}, err
	}
	half := s.HalfOpenAfter
	if half == 0 {
		half = s.Window
	}
	args := []any{
		string(action),
		config.Seconds(s.Window),
		strconv.FormatFloat(s.Threshold, 'f', -1, 64),
		config.Seconds(half),
	}
	if b.clock != nil {
		args = append(args, b.clock.Now().Unix())
	}
	res, err := b.client.Eval(ctx, updateScript, []string{b.client.Key(store.TagBreaker, name)}, args...)
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker %s: %w", name, err)
	}
	return parse(name, res)
}

func parse(name string, res any) (Snapshot, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Snapshot{}, fmt.Errorf("breaker %s: unexpected reply %v", name, res)
	}
	state, _ := vals[0].(string)
	rateStr, _ := vals[1].(string)
	totalStr, _ := vals[2].(string)
	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker %s: failure rate %q: %w", name, rateStr, err)
	}
	total, err := strconv.ParseFloat(totalStr, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker %s: total %q: %w", name, totalStr, err)
	}
	return Snapshot{Name: name, State: State(state), FailureRate: rate, Total: int64(total)}, nil
}
