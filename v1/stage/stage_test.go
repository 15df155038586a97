package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-opskit/v1/breaker"
	"github.com/mirkobrombin/go-opskit/v1/clock"
	"github.com/mirkobrombin/go-opskit/v1/config"
	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
	"github.com/mirkobrombin/go-opskit/v1/ratelimit"
	"github.com/mirkobrombin/go-opskit/v1/retry"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Emit(event string, _ map[string]string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestRunner(t *testing.T, opts ...Option) (*Runner, *miniredis.Miniredis, *recorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	rec := &recorder{}
	opts = append([]Option{
		WithSink(rec),
		WithExecutionID("exec"),
		WithClock(clock.NewManual(time.Unix(1_700_000_000, 0))),
	}, opts...)
	return NewRunner(store.Reuse(c), opts...), mr, rec
}

func batch(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{"id": fmt.Sprintf("m%d", i)}
	}
	return items
}

func TestRateLimitStage(t *testing.T) {
	r, _, rec := newTestRunner(t)
	params := Fixed(RateLimitParams{
		Key:     "openai",
		Limit:   ratelimit.Limit{Capacity: 2, RefillRate: 1},
		OnLimit: ratelimit.OnLimitFail,
	})
	res, err := r.RateLimit(context.Background(), batch(2), params)
	if err != nil {
		t.Fatalf("ratelimit: %v", err)
	}
	if len(res.Pass) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.Pass))
	}
	got := res.Pass[1]["ratelimit"].(map[string]any)["remaining"]
	if got != int64(0) {
		t.Fatalf("expected remaining 0, got %v", got)
	}
	if res.Pass[0]["id"] != "m0" {
		t.Fatal("item fields must be preserved")
	}

	_, err = r.RateLimit(context.Background(), batch(1), params)
	if !errors.Is(err, opserrors.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if rec.count("ratelimit_allow") != 2 || rec.count("ratelimit_denied") != 1 {
		t.Fatalf("unexpected events %v", rec.events)
	}
}

func TestItemWithDoesNotMutateInput(t *testing.T) {
	in := Item{"a": 1}
	out := in.With("b", 2)
	if _, ok := in["b"]; ok {
		t.Fatal("input item was mutated")
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Fatalf("unexpected copy %v", out)
	}
}

func TestSemaphoreStage(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ctx := context.Background()
	acquire := Fixed(SemaphoreParams{Key: "report", Action: Acquire, Limit: 1, TTL: 30 * time.Second})

	res, err := r.Semaphore(ctx, batch(1), acquire)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rec := res.Pass[0]["lock"].(map[string]any)
	if rec["acquired"] != true || rec["key"] != "n8n:lock:report" || rec["holderId"] != "exec_0" {
		t.Fatalf("unexpected lock record %v", rec)
	}

	other := Fixed(SemaphoreParams{Key: "report", Action: Acquire, Limit: 1, TTL: 30 * time.Second, Holder: "B"})
	if _, err := r.Semaphore(ctx, batch(1), other); !errors.Is(err, opserrors.ErrSemaphoreFull) {
		t.Fatalf("expected ErrSemaphoreFull, got %v", err)
	}

	release := Fixed(SemaphoreParams{Key: "report", Action: Release})
	res, err = r.Semaphore(ctx, batch(1), release)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Pass[0]["lock"].(map[string]any)["released"] != true {
		t.Fatal("expected released record")
	}
	if _, err := r.Semaphore(ctx, batch(1), other); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSemaphoreStageMaxWaitExpires(t *testing.T) {
	r, _, rec := newTestRunner(t)
	ctx := context.Background()
	hold := Fixed(SemaphoreParams{Key: "report", Action: Acquire, Limit: 1, TTL: time.Minute, Holder: "A"})
	if _, err := r.Semaphore(ctx, batch(1), hold); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	wait := Fixed(SemaphoreParams{Key: "report", Action: Acquire, Limit: 1, TTL: time.Minute, Holder: "B", MaxWait: 300 * time.Millisecond})
	_, err := r.Semaphore(ctx, batch(1), wait)
	if !errors.Is(err, opserrors.ErrSemaphoreFull) {
		t.Fatalf("expected ErrSemaphoreFull, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the wait deadline as cause, got %v", err)
	}
	if errors.Is(err, opserrors.ErrStoreUnavailable) {
		t.Fatalf("expired wait reported as unavailable: %v", err)
	}
	if rec.count("lock_denied") != 1 {
		t.Fatalf("expected one lock_denied event, got %d", rec.count("lock_denied"))
	}
}

func TestSemaphoreStageRejectsUnknownAction(t *testing.T) {
	r, _, _ := newTestRunner(t)
	_, err := r.Semaphore(context.Background(), batch(1), Fixed(SemaphoreParams{Key: "k", Action: "steal"}))
	if !errors.Is(err, opserrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCircuitStageRoutesBlocked(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ctx := context.Background()
	settings := breaker.Settings{Window: 10 * time.Second, Threshold: 0.5, HalfOpenAfter: 30 * time.Second}

	res, err := r.Circuit(ctx, batch(10), Fixed(CircuitParams{Name: "api", Mode: RecordFailure, Settings: settings}))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(res.Pass) != 10 || len(res.Alt) != 0 {
		t.Fatalf("recording must always pass, got %d/%d", len(res.Pass), len(res.Alt))
	}

	res, err = r.Circuit(ctx, batch(2), Fixed(CircuitParams{Name: "api", Mode: Evaluate, Settings: settings}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Alt) != 2 || len(res.Pass) != 0 {
		t.Fatalf("expected both items blocked, got %d/%d", len(res.Pass), len(res.Alt))
	}
	if st := res.Alt[0]["circuit"].(map[string]any)["state"]; st != "open" {
		t.Fatalf("expected open state, got %v", st)
	}
}

func TestIdempotencyStageDropsDuplicates(t *testing.T) {
	r, _, rec := newTestRunner(t)
	items := []Item{{"message_id": "a"}, {"message_id": "b"}, {"message_id": "a"}}
	resolve := func(_ int, it Item) (IdempotencyParams, error) {
		return IdempotencyParams{Key: it["message_id"].(string), TTL: time.Hour}, nil
	}
	res, err := r.Idempotency(context.Background(), items, resolve)
	if err != nil {
		t.Fatalf("idempotency: %v", err)
	}
	if len(res.Pass) != 2 {
		t.Fatalf("expected 2 unique items, got %d", len(res.Pass))
	}
	if k := res.Pass[1]["idempotency"].(map[string]any)["key"]; k != "n8n:idem:b" {
		t.Fatalf("unexpected key %v", k)
	}
	if rec.count("idempotency_duplicate") != 1 {
		t.Fatalf("expected one duplicate event, got %v", rec.events)
	}
}

func TestDeadLetterAndReplayStages(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ctx := context.Background()
	p := DeadLetterParams{Topic: "payments", Batch: 2}

	res, err := r.DeadLetter(ctx, batch(3), p)
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if len(res.Pass) != 3 {
		t.Fatal("dead letter stage must forward its input")
	}

	trigger := []Item{{"trigger": true}}
	res, err = r.Replay(ctx, trigger, p)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Pass) != 2 || res.Pass[0]["id"] != "m0" || res.Pass[1]["id"] != "m1" {
		t.Fatalf("unexpected replay %v", res.Pass)
	}
	res, _ = r.Replay(ctx, trigger, p)
	if len(res.Pass) != 1 || res.Pass[0]["id"] != "m2" {
		t.Fatalf("unexpected replay %v", res.Pass)
	}
	res, err = r.Replay(ctx, trigger, p)
	if err != nil {
		t.Fatalf("replay empty: %v", err)
	}
	if len(res.Pass) != 1 || res.Pass[0]["trigger"] != true {
		t.Fatalf("empty queue should pass the input through, got %v", res.Pass)
	}
}

func TestRetryStage(t *testing.T) {
	r, _, rec := newTestRunner(t)
	policy := Fixed(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	ctx := context.Background()

	items := batch(1)
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := r.Retry(ctx, items, policy)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if len(res.Pass) != 1 {
			t.Fatalf("attempt %d should pass", attempt)
		}
		if got := res.Pass[0]["retry"].(map[string]any)["attempts"]; got != attempt {
			t.Fatalf("expected attempts %d, got %v", attempt, got)
		}
		items = res.Pass
	}
	res, err := r.Retry(ctx, items, policy)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(res.Alt) != 1 || len(res.Pass) != 0 {
		t.Fatalf("third attempt should give up, got %d/%d", len(res.Pass), len(res.Alt))
	}
	if res.Alt[0]["retry"].(map[string]any)["gaveUp"] != true {
		t.Fatal("expected gaveUp record")
	}
	if rec.count("retry_gave_up") != 1 {
		t.Fatalf("unexpected events %v", rec.events)
	}
}

func TestRetryReadsJSONCounters(t *testing.T) {
	it := Item{RetryMetaField: map[string]any{"attempts": float64(3)}}
	if got := attemptsOf(it); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestConnectionScopedPerRun(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()

	var mu sync.Mutex
	var clients []*store.Client
	dial := store.DialConnector(cfg)
	connect := func(ctx context.Context) (*store.Client, error) {
		c, err := dial(ctx)
		if err == nil {
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}
		return c, err
	}
	r := NewRunner(connect)
	if _, err := r.Idempotency(context.Background(), batch(1), Fixed(IdempotencyParams{Key: "x", TTL: time.Minute})); err != nil {
		t.Fatalf("idempotency: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("expected one connection, got %d", len(clients))
	}
	if err := clients[0].Redis().Ping(context.Background()).Err(); !errors.Is(err, redis.ErrClosed) {
		t.Fatalf("connection should be closed after the run, got %v", err)
	}
}

func TestConnectorFailure(t *testing.T) {
	boom := errors.New("dial failed")
	r := NewRunner(func(context.Context) (*store.Client, error) { return nil, boom })
	_, err := r.DeadLetter(context.Background(), batch(1), DeadLetterParams{Topic: "t"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected connector error, got %v", err)
	}
	// retry never touches the store
	if _, err := r.Retry(context.Background(), batch(1), Fixed(retry.DefaultPolicy())); err != nil {
		t.Fatalf("retry without store: %v", err)
	}
}
