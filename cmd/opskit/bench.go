package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-opskit/v1/idempotency"
	"github.com/mirkobrombin/go-opskit/v1/lock"
	"github.com/mirkobrombin/go-opskit/v1/ratelimit"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

type benchOp func(ctx context.Context, worker, i int) error

func runBench(ctx context.Context, c *store.Client, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	concurrency := fs.Int("c", 50, "Concurrency")
	requests := fs.Int("n", 100000, "Requests")
	target := fs.String("target", "ratelimit,lock,idempotency", "Comma separated primitives to exercise")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *concurrency <= 0 || *requests < *concurrency {
		return fmt.Errorf("need 0 < c <= n, got c=%d n=%d", *concurrency, *requests)
	}

	// Keys are unique per run so repeated benches never share state.
	run := uuid.NewString()
	w := os.Stdout
	fmt.Fprintf(w, "| %-12s | %-10s | %-12s | %-12s |\n", "Primitive", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Fprintln(w, "|:---|:---|:---|:---|")
	for _, name := range strings.Split(*target, ",") {
		name = strings.TrimSpace(name)
		op, err := benchTarget(c, name, run)
		if err != nil {
			return err
		}
		benchmark(ctx, w, name, op, *concurrency, *requests)
	}
	return nil
}

func benchTarget(c *store.Client, name, run string) (benchOp, error) {
	switch name {
	case "ratelimit":
		l := ratelimit.New(c)
		limit := ratelimit.Limit{Capacity: 1e9, RefillRate: 1e9, TTL: time.Minute}
		key := "bench:" + run
		return func(ctx context.Context, _, _ int) error {
			_, err := l.Allow(ctx, key, limit)
			return err
		}, nil
	case "lock":
		sem := lock.NewSemaphore(c)
		key := "bench:" + run
		return func(ctx context.Context, worker, _ int) error {
			holder := strconv.Itoa(worker)
			if err := sem.Acquire(ctx, key, 1<<20, holder, time.Minute); err != nil {
				return err
			}
			return sem.Release(ctx, key, holder)
		}, nil
	case "idempotency":
		g := idempotency.New(c, idempotency.WithTag("bench"))
		return func(ctx context.Context, worker, i int) error {
			_, err := g.Admit(ctx, run+":"+strconv.Itoa(worker)+":"+strconv.Itoa(i), time.Minute)
			return err
		}, nil
	}
	return nil, fmt.Errorf("unknown bench target %q", name)
}

func benchmark(ctx context.Context, w io.Writer, name string, op benchOp, concurrency, requests int) {
	var (
		wg  sync.WaitGroup
		ops atomic.Int64
	)
	chunk := requests / concurrency
	latencies := make([]int64, chunk*concurrency)

	start := time.Now()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			offset := worker * chunk
			for j := 0; j < chunk; j++ {
				if ctx.Err() != nil {
					return
				}
				reqStart := time.Now()
				if err := op(ctx, worker, j); err == nil {
					ops.Add(1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	n := ops.Load()
	if n == 0 {
		fmt.Fprintf(w, "| %-12s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}
	throughput := float64(n) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(n)
	fmt.Fprintf(w, "| %-12s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, avgLat, p99(latencies))
}

// p99 ignores zero entries, which mark failed or skipped requests.
func p99(latencies []int64) string {
	valid := make([]int64, 0, len(latencies))
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	if len(valid) == 0 {
		return "-"
	}
	slices.Sort(valid)
	idx := int(float64(len(valid)) * 0.99)
	if idx >= len(valid) {
		idx = len(valid) - 1
	}
	return strconv.FormatInt(valid[idx], 10)
}
