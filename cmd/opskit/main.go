// Command opskit inspects and operates the shared opskit store: dead-letter
// topics, circuit breakers, rate limit buckets and semaphores. "opskit
// serve" exposes the same views over HTTP together with Prometheus metrics.
//
// Connection settings come from the OPSKIT_* environment variables or a
// .env file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/store"
)

var envFile = flag.String("env", "", "Optional .env file to load")

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, c *store.Client, args []string) error
}

var commands = []command{
	{"dlq", "dlq len|replay|push -topic T [...]", runDLQ},
	{"breaker", "breaker -name N [-mode evaluate|success|failure] [...]", runBreaker},
	{"ratelimit", "ratelimit -key K -capacity C -refill R [-cost N]", runRateLimit},
	{"lock", "lock holders|release -key K [-holder H]", runLock},
	{"serve", "serve [-addr :9090] [-trace] [-topics a,b]", runServe},
	{"bench", "bench [-c 50] [-n 100000] [-target ratelimit,lock,idempotency]", runBench},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: opskit [-env file] <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := flag.Arg(0)
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		c, err := store.Dial(ctx, cfg)
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		err = cmd.run(ctx, c, flag.Args()[1:])
		store.Release(c)
		if err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		return
	}
	usage()
	os.Exit(2)
}
