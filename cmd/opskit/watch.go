package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-opskit/v1/deadletter"
	"github.com/mirkobrombin/go-opskit/v1/lock"
	"github.com/mirkobrombin/go-opskit/v1/stage"
)

var upgrader = websocket.Upgrader{}

type snapshotFunc func(ctx context.Context) (any, error)

// watch upgrades the request to a WebSocket and writes snapshot as JSON on
// connect and again after every publish of one of events. Signals arriving
// while a snapshot is written coalesce into one refresh.
func (a *api) watch(w http.ResponseWriter, r *http.Request, events []string, snapshot snapshotFunc) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wake := make(chan struct{}, 1)
	for _, event := range events {
		ch, err := a.bus.Subscribe(ctx, event)
		if err != nil {
			slog.Warn("opskit: watch subscribe failed", "event", event, "error", err)
			return
		}
		defer func(event string) { _ = a.bus.Unsubscribe(context.Background(), event, ch) }(event)
		go func() {
			for {
				select {
				case _, ok := <-ch:
					if !ok {
						return
					}
					select {
					case wake <- struct{}{}:
					default:
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// the client only ever closes; reading surfaces that
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		v, err := snapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("opskit: watch snapshot failed", "path", r.URL.Path, "error", err)
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			}
			return
		}
		if err := conn.WriteJSON(v); err != nil {
			return
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}

func (a *api) watchDLQ(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	q := deadletter.NewQueue[stage.Item](a.client)
	a.watch(w, r, []string{deadletter.Signal(topic)}, func(ctx context.Context) (any, error) {
		n, err := q.Len(ctx, topic)
		if err != nil {
			return nil, err
		}
		return map[string]any{"topic": topic, "len": n}, nil
	})
}

func (a *api) watchLock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sem := a.semaphore(r)
	a.watch(w, r, []string{lock.AcquiredEvent(key), lock.ReleasedEvent(key)}, func(ctx context.Context) (any, error) {
		holders, err := sem.Holders(ctx, key)
		if err != nil {
			return nil, err
		}
		if holders == nil {
			holders = []string{}
		}
		return map[string]any{"key": key, "holders": holders}, nil
	})
}
