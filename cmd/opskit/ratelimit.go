package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/ratelimit"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

// runRateLimit takes tokens from a bucket once, as a probe.
func runRateLimit(ctx context.Context, c *store.Client, args []string) error {
	fs := flag.NewFlagSet("ratelimit", flag.ContinueOnError)
	key := fs.String("key", "", "Policy key")
	capacity := fs.Float64("capacity", 60, "Bucket capacity")
	refill := fs.Float64("refill", 1, "Tokens per second")
	cost := fs.Float64("cost", 1, "Tokens to take")
	ttl := fs.String("ttl", "3600s", "Idle bucket expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	d, err := config.ParseDuration(*ttl)
	if err != nil {
		return err
	}
	dec, err := ratelimit.New(c).Allow(ctx, *key, ratelimit.Limit{
		Capacity:   *capacity,
		RefillRate: *refill,
		Cost:       *cost,
		TTL:        d,
	})
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"allowed":    dec.Allowed,
		"remaining":  dec.Remaining,
		"lastRefill": dec.LastRefill.UnixMilli(),
	})
}
