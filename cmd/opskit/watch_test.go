package main

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-opskit/v1/deadletter"
	"github.com/mirkobrombin/go-opskit/v1/lock"
	"github.com/mirkobrombin/go-opskit/v1/stage"
)

func dialWatch(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read: %v", err)
	}
}

type depthView struct {
	Topic string `json:"topic"`
	Len   int64  `json:"len"`
}

func TestWatchDeadLetterDepth(t *testing.T) {
	srv, c, _, bus := newWatchServer(t)
	conn := dialWatch(t, srv.URL+"/v1/dlq/orders/watch")

	var got depthView
	readJSON(t, conn, &got)
	if got.Topic != "orders" || got.Len != 0 {
		t.Fatalf("unexpected initial view %+v", got)
	}

	q := deadletter.NewQueue[stage.Item](c, deadletter.WithBus(bus))
	if err := q.Enqueue(context.Background(), "orders", stage.Item{"id": "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	readJSON(t, conn, &got)
	if got.Len != 1 {
		t.Fatalf("expected len 1 after enqueue, got %+v", got)
	}

	resp, err := http.Post(srv.URL+"/v1/dlq/orders/replay", "application/json", nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	resp.Body.Close()
	readJSON(t, conn, &got)
	if got.Len != 0 {
		t.Fatalf("expected len 0 after replay, got %+v", got)
	}
}

func TestWatchIgnoresOtherTopics(t *testing.T) {
	srv, c, _, bus := newWatchServer(t)
	conn := dialWatch(t, srv.URL+"/v1/dlq/orders/watch")
	var got depthView
	readJSON(t, conn, &got)

	q := deadletter.NewQueue[stage.Item](c, deadletter.WithBus(bus))
	if err := q.Enqueue(context.Background(), "payments", stage.Item{"id": "x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := conn.ReadJSON(&got); err == nil {
		t.Fatalf("unexpected update for another topic: %+v", got)
	}
}

func TestWatchLockHolders(t *testing.T) {
	srv, c, _, bus := newWatchServer(t)
	conn := dialWatch(t, srv.URL+"/v1/locks/report/watch")

	var got struct {
		Key     string   `json:"key"`
		Holders []string `json:"holders"`
	}
	readJSON(t, conn, &got)
	if got.Key != "report" || len(got.Holders) != 0 {
		t.Fatalf("unexpected initial view %+v", got)
	}

	sem := lock.NewSemaphore(c, lock.WithBus(bus))
	ctx := context.Background()
	if err := sem.Acquire(ctx, "report", 2, "exec_1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	readJSON(t, conn, &got)
	if len(got.Holders) != 1 || got.Holders[0] != "exec_1" {
		t.Fatalf("expected [exec_1], got %+v", got)
	}

	if err := sem.Release(ctx, "report", "exec_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	readJSON(t, conn, &got)
	if len(got.Holders) != 0 {
		t.Fatalf("expected no holders after release, got %+v", got)
	}
}

func TestWatchUnsubscribesOnClose(t *testing.T) {
	srv, _, _, bus := newWatchServer(t)
	conn := dialWatch(t, srv.URL+"/v1/dlq/orders/watch")
	var got depthView
	readJSON(t, conn, &got)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		before := bus.Metrics().Delivered
		if err := bus.Publish(context.Background(), deadletter.Signal("orders")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if bus.Metrics().Delivered == before {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watch subscription still delivering after the client closed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
