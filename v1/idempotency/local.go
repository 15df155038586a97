package idempotency

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// LocalOption configures the local seen-key cache.
type LocalOption func(*ristretto.Config)

// WithRistretto replaces the local cache configuration. A nil cfg keeps the
// defaults.
func WithRistretto(cfg *ristretto.Config) LocalOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// seenCache remembers admitted marker keys. Eviction only costs a round
// trip, since the store stays authoritative. Markers the store evicts
// early (maxmemory policies) are not noticed: the local entry keeps
// answering duplicate until its own TTL ends.
type seenCache struct {
	c *ristretto.Cache
}

func newSeenCache(opts ...LocalOption) *seenCache {
	cfg := &ristretto.Config{
		NumCounters: 1e5,     // ~10x the expected number of live markers
		MaxCost:     1 << 14, // one unit per key
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		panic(err)
	}
	return &seenCache{c: rc}
}

func (s *seenCache) seen(key string) bool {
	_, ok := s.c.Get(key)
	return ok
}

func (s *seenCache) remember(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.c.SetWithTTL(key, struct{}{}, 1, ttl)
	s.c.Wait()
}

// localTTL ends the local entry no later than the store marker. The marker
// was set somewhere inside the round trip, so the whole rtt is taken off.
func localTTL(ttl, rtt time.Duration) time.Duration {
	return ttl - rtt
}

func (s *seenCache) close() {
	s.c.Close()
}
