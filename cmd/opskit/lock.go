package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mirkobrombin/go-opskit/v1/lock"
	"github.com/mirkobrombin/go-opskit/v1/store"
	"github.com/mirkobrombin/go-opskit/v1/syncbus"
)

func runLock(ctx context.Context, c *store.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("missing lock action")
	}
	action := args[0]
	fs := flag.NewFlagSet("lock "+action, flag.ContinueOnError)
	key := fs.String("key", "", "Semaphore key")
	holder := fs.String("holder", "", "Holder to release")
	leases := fs.Bool("leases", false, "Key uses per-holder leases")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	bus := syncbus.NewRedisBus(c)
	defer func() { _ = bus.Close() }()
	opts := []lock.Option{lock.WithBus(bus)}
	if *leases {
		opts = append(opts, lock.WithHolderLeases())
	}
	sem := lock.NewSemaphore(c, opts...)

	switch action {
	case "holders":
		holders, err := sem.Holders(ctx, *key)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(holders)
	case "release":
		if *holder == "" {
			return errors.New("-holder is required")
		}
		return sem.Release(ctx, *key, *holder)
	}
	return fmt.Errorf("unknown lock action %q", action)
}
