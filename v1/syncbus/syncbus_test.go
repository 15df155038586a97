package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "key"); err != nil {
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

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
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

	bus.hub.mu.Lock()
	defer bus.hub.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(context.Background(), "key", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Unsubscribe(context.Background(), "key", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	cancel()
	// the watcher's late unsubscribe must not panic on the closed channel
	time.Sleep(20 * time.Millisecond)
}

func TestPendingSignalsCoalesce(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "key"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("expected undrained signals to coalesce")
	default:
	}
	metrics := bus.Metrics()
	if metrics.Published != 3 || metrics.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestPublishOnlyReachesSameKey(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, _ := bus.Subscribe(ctx, "a")
	b, _ := bus.Subscribe(ctx, "b")
	if err := bus.Publish(ctx, "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for a")
	}
	select {
	case <-b:
		t.Fatal("b should not be signalled")
	default:
	}
}

func TestTopicFor(t *testing.T) {
	cases := map[string]string{
		"unlock:jobs":   "unlock.jobs",
		"dlq:orders-eu": "dlq.orders-eu",
		"a b/c":         "a.b.c",
	}
	for in, want := range cases {
		if got := TopicFor(in); got != want {
			t.Errorf("TopicFor(%q) = %q, want %q", in, got, want)
		}
	}
}
