// Package idempotency admits each key at most once per TTL window.
//
// Admission is a single SET NX EX in the store, so exactly one caller across
// all processes wins a key until its marker expires. Duplicates are a false
// result, not an error; dropping them is up to the caller.
package idempotency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-opskit/v1/config"
	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// KEYS[1]=marker ARGV: ttlSec
var admitScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local ok = redis.call('SET', key, '1', 'NX', 'EX', ttl)
if ok then return 1 else return 0 end
`)

// DefaultTTL is how long a marker lives when the caller passes zero.
const DefaultTTL = 24 * time.Hour

// Decision is the outcome of one Admit call.
type Decision struct {
	Admitted bool
	// Key is the full store key of the marker.
	Key string
}

// Guard admits keys once per TTL window.
type Guard struct {
	client *store.Client
	tag    string
	local  *seenCache
}

// Option configures a Guard.
type Option func(*Guard)

// WithTag stores markers under tag instead of "idem", keeping unrelated
// deduplication domains apart within one namespace.
func WithTag(tag string) Option {
	return func(g *Guard) {
		if tag != "" {
			g.tag = tag
		}
	}
}

// WithLocalCache remembers keys this process admitted until their markers
// expire, answering repeats without a store round trip. Only duplicates are
// answered locally.
func WithLocalCache(opts ...LocalOption) Option {
	return func(g *Guard) {
		g.local = newSeenCache(opts...)
	}
}

// New returns a Guard using client.
func New(client *store.Client, opts ...Option) *Guard {
	g := &Guard{client: client, tag: store.TagIdempotency}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit reports whether key is seen for the first time within ttl. The TTL
// is rounded up to whole seconds with a minimum of one; zero means
// DefaultTTL.
func (g *Guard) Admit(ctx context.Context, key string, ttl time.Duration) (Decision, error) {
	if ttl < 0 {
		return Decision{}, fmt.Errorf("%w: idempotency ttl %v is negative", opserrors.ErrInvalidConfig, ttl)
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	k := g.client.Key(g.tag, key)
	if g.local != nil && g.local.seen(k) {
		return Decision{Admitted: false, Key: k}, nil
	}
	secs := config.Seconds(ttl)
	if secs < 1 {
		secs = 1
	}
	start := time.Now()
	res, err := g.client.Eval(ctx, admitScript, []string{k}, secs)
	if err != nil {
		return Decision{}, fmt.Errorf("idempotency %s: %w", key, err)
	}
	ok, _ := res.(int64)
	if ok == 1 && g.local != nil {
		g.local.remember(k, localTTL(time.Duration(secs)*time.Second, time.Since(start)))
	}
	return Decision{Admitted: ok == 1, Key: k}, nil
}

// Close releases the local cache, if any.
func (g *Guard) Close() {
	if g.local != nil {
		g.local.close()
	}
}
