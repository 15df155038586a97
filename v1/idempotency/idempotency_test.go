package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

func newTestStore(t *testing.T) (*store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestAdmitOncePerWindow(t *testing.T) {
	c, mr := newTestStore(t)
	g := New(c)
	ctx := context.Background()

	d, err := g.Admit(ctx, "msg-1", time.Minute)
	if err != nil || !d.Admitted {
		t.Fatalf("first admit: %+v %v", d, err)
	}
	if d.Key != "n8n:idem:msg-1" {
		t.Fatalf("unexpected key %q", d.Key)
	}
	d, err = g.Admit(ctx, "msg-1", time.Minute)
	if err != nil || d.Admitted {
		t.Fatalf("duplicate admitted: %+v %v", d, err)
	}

	mr.FastForward(61 * time.Second)
	d, err = g.Admit(ctx, "msg-1", time.Minute)
	if err != nil || !d.Admitted {
		t.Fatalf("admit after expiry: %+v %v", d, err)
	}
}

func TestExactlyOneConcurrentWinner(t *testing.T) {
	c, _ := newTestStore(t)
	g := New(c)
	var admitted atomic.Int64
	var eg errgroup.Group
	for i := 0; i < 25; i++ {
		eg.Go(func() error {
			d, err := g.Admit(context.Background(), "order-42", time.Hour)
			if d.Admitted {
				admitted.Add(1)
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly one admission, got %d", got)
	}
}

func TestTTLRounding(t *testing.T) {
	c, mr := newTestStore(t)
	g := New(c)
	ctx := context.Background()
	cases := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{1500 * time.Millisecond, 2 * time.Second},
		{time.Millisecond, time.Second},
		{0, DefaultTTL},
	}
	for i, tc := range cases {
		key := fmt.Sprintf("k%d", i)
		if _, err := g.Admit(ctx, key, tc.ttl); err != nil {
			t.Fatalf("admit: %v", err)
		}
		if got := mr.TTL("n8n:idem:" + key); got != tc.want {
			t.Errorf("ttl %v: stored %v, want %v", tc.ttl, got, tc.want)
		}
	}
	if _, err := g.Admit(ctx, "neg", -time.Second); !errors.Is(err, opserrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestWithTag(t *testing.T) {
	c, mr := newTestStore(t)
	a := New(c, WithTag("webhooks"))
	b := New(c)
	ctx := context.Background()

	if d, _ := a.Admit(ctx, "x", time.Minute); !d.Admitted {
		t.Fatal("expected admit under custom tag")
	}
	if d, _ := b.Admit(ctx, "x", time.Minute); !d.Admitted {
		t.Fatal("default tag must not collide with custom tag")
	}
	if !mr.Exists("n8n:webhooks:x") || !mr.Exists("n8n:idem:x") {
		t.Fatal("expected both markers to exist")
	}
}

func TestLocalCacheAnswersDuplicates(t *testing.T) {
	c, mr := newTestStore(t)
	g := New(c, WithLocalCache())
	t.Cleanup(g.Close)
	ctx := context.Background()

	if d, err := g.Admit(ctx, "evt", time.Minute); err != nil || !d.Admitted {
		t.Fatalf("first admit: %+v %v", d, err)
	}
	mr.Close()
	d, err := g.Admit(ctx, "evt", time.Minute)
	if err != nil {
		t.Fatalf("duplicate should be answered locally, got %v", err)
	}
	if d.Admitted {
		t.Fatal("local cache must never admit")
	}
	if _, err := g.Admit(ctx, "other", time.Minute); !errors.Is(err, opserrors.ErrStoreUnavailable) {
		t.Fatalf("unknown keys must reach the store, got %v", err)
	}
}

func TestLocalCacheDoesNotAdmitOnStoreDuplicate(t *testing.T) {
	c, _ := newTestStore(t)
	other := New(c)
	g := New(c, WithLocalCache())
	t.Cleanup(g.Close)
	ctx := context.Background()

	if d, _ := other.Admit(ctx, "evt", time.Minute); !d.Admitted {
		t.Fatal("expected other process to admit")
	}
	if d, err := g.Admit(ctx, "evt", time.Minute); err != nil || d.Admitted {
		t.Fatalf("expected duplicate from the store: %+v %v", d, err)
	}
}

func TestLocalTTLEndsBeforeMarker(t *testing.T) {
	tests := []struct {
		ttl, rtt, want time.Duration
	}{
		{ttl: 10 * time.Second, rtt: 0, want: 10 * time.Second},
		{ttl: 10 * time.Second, rtt: 300 * time.Millisecond, want: 9700 * time.Millisecond},
		{ttl: time.Second, rtt: 2 * time.Second, want: -time.Second},
	}
	for _, tt := range tests {
		if got := localTTL(tt.ttl, tt.rtt); got != tt.want {
			t.Errorf("localTTL(%v, %v) = %v, want %v", tt.ttl, tt.rtt, got, tt.want)
		}
	}
}

func TestLocalCacheSkipsExpiredEntries(t *testing.T) {
	s := newSeenCache()
	t.Cleanup(s.close)
	s.remember("k", 0)
	s.remember("j", -time.Second)
	if s.seen("k") || s.seen("j") {
		t.Fatal("entries without remaining lifetime must not be remembered")
	}
}

func TestLocalCacheReadmitsAfterExpiry(t *testing.T) {
	c, mr := newTestStore(t)
	g := New(c, WithLocalCache())
	t.Cleanup(g.Close)
	ctx := context.Background()

	if d, err := g.Admit(ctx, "evt", time.Second); err != nil || !d.Admitted {
		t.Fatalf("first admit: %+v %v", d, err)
	}
	time.Sleep(time.Second)
	mr.FastForward(time.Second)
	d, err := g.Admit(ctx, "evt", time.Second)
	if err != nil {
		t.Fatalf("admit after expiry: %v", err)
	}
	if !d.Admitted {
		t.Fatal("expected the key to be admitted again once the marker expired")
	}
}
