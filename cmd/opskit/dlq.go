package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mirkobrombin/go-opskit/v1/deadletter"
	"github.com/mirkobrombin/go-opskit/v1/stage"
	"github.com/mirkobrombin/go-opskit/v1/store"
	"github.com/mirkobrombin/go-opskit/v1/syncbus"
)

func runDLQ(ctx context.Context, c *store.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("missing dlq action")
	}
	action := args[0]
	fs := flag.NewFlagSet("dlq "+action, flag.ContinueOnError)
	topic := fs.String("topic", "default", "Dead-letter topic")
	batch := fs.Int("batch", deadletter.DefaultBatch, "Entries to pop")
	maxLen := fs.Int64("max", deadletter.DefaultMaxLen, "Topic bound on push")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	// pushes signal "opskit serve" watchers through the store
	bus := syncbus.NewRedisBus(c)
	defer func() { _ = bus.Close() }()
	q := deadletter.NewQueue[stage.Item](c, deadletter.WithMaxLen(*maxLen), deadletter.WithBus(bus))
	enc := json.NewEncoder(os.Stdout)

	switch action {
	case "len":
		n, err := q.Len(ctx, *topic)
		if err != nil {
			return err
		}
		fmt.Println(n)
	case "replay":
		entries, err := q.Replay(ctx, *topic, *batch)
		for _, e := range entries {
			_ = enc.Encode(map[string]any{"ts": e.EnqueuedAt.UnixMilli(), "item": e.Item})
		}
		return err
	case "push":
		// items are read as JSON objects from the remaining arguments
		var items []stage.Item
		for _, raw := range fs.Args() {
			var it stage.Item
			if err := json.Unmarshal([]byte(raw), &it); err != nil {
				return fmt.Errorf("item %q: %w", raw, err)
			}
			items = append(items, it)
		}
		return q.Enqueue(ctx, *topic, items...)
	default:
		return fmt.Errorf("unknown dlq action %q", action)
	}
	return nil
}
