package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T, prefix string) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("OPSKIT_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bus := NewNATSBus(conn, prefix)
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t, "")
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestNATSBusSubjectPrefix(t *testing.T) {
	bus, ctx := newNATSBus(t, "opskit.tenant")
	if got := bus.subject("unlock:jobs"); got != "opskit.tenant.unlock:jobs" {
		t.Fatalf("unexpected subject %q", got)
	}
	ch, err := bus.Subscribe(ctx, "unlock:jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.conn.Publish("opskit.tenant.unlock:jobs", []byte("x")); err != nil {
		t.Fatalf("direct publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("prefixed subject not delivered")
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t, "")
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.nsubs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestNATSBusPublishAfterCloseFails(t *testing.T) {
	bus, ctx := newNATSBus(t, "")
	bus.conn.Close()
	if err := bus.Publish(ctx, "key"); err == nil {
		t.Fatal("expected error publishing on a closed connection")
	}
	if got := bus.Metrics().Published; got != 0 {
		t.Fatalf("expected published 0 got %d", got)
	}
}
