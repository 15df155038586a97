package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/mirkobrombin/go-opskit/v1/breaker"
	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

func runBreaker(ctx context.Context, c *store.Client, args []string) error {
	defaults := breaker.DefaultSettings()
	fs := flag.NewFlagSet("breaker", flag.ContinueOnError)
	name := fs.String("name", "default", "Breaker name")
	mode := fs.String("mode", "evaluate", "evaluate, success or failure")
	window := fs.String("window", "60s", "Sliding window")
	threshold := fs.Float64("threshold", defaults.Threshold, "Failure rate that opens the breaker (0..1]")
	half := fs.String("half-open-after", "30s", "Delay before probing an open breaker")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := config.ParseDuration(*window)
	if err != nil {
		return err
	}
	h, err := config.ParseDuration(*half)
	if err != nil {
		return err
	}
	action := breaker.Noop
	switch *mode {
	case "success":
		action = breaker.IncSuccess
	case "failure":
		action = breaker.IncFailure
	}
	snap, err := breaker.New(c).Update(ctx, *name, breaker.Settings{Window: w, Threshold: *threshold, HalfOpenAfter: h}, action)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(snapshotView(snap))
}

func snapshotView(s breaker.Snapshot) map[string]any {
	return map[string]any{
		"name":        s.Name,
		"state":       s.State,
		"failureRate": s.FailureRate,
		"total":       s.Total,
		"blocked":     s.Blocked(),
	}
}
