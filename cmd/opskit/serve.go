package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-opskit/v1/breaker"
	"github.com/mirkobrombin/go-opskit/v1/config"
	"github.com/mirkobrombin/go-opskit/v1/deadletter"
	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
	"github.com/mirkobrombin/go-opskit/v1/lock"
	"github.com/mirkobrombin/go-opskit/v1/metrics"
	"github.com/mirkobrombin/go-opskit/v1/stage"
	"github.com/mirkobrombin/go-opskit/v1/store"
	"github.com/mirkobrombin/go-opskit/v1/syncbus"
)

func runServe(ctx context.Context, c *store.Client, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":9090", "Listen address")
	trace := fs.Bool("trace", false, "Print store spans to stdout")
	topics := fs.String("topics", "", "Comma separated dead-letter topics to export depth for")
	interval := fs.String("interval", "15s", "Depth refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	every, err := config.ParseDuration(*interval)
	if err != nil {
		return err
	}

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	bus := syncbus.NewRedisBus(c)
	defer func() { _ = bus.Close() }()
	srv := &http.Server{Addr: *addr, Handler: newRouter(c, reg, bus)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("opskit: admin server listening", "addr", *addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if *topics != "" {
		names := strings.Split(*topics, ",")
		g.Go(func() error {
			exportDepth(gctx, deadletter.NewQueue[stage.Item](c), names, every)
			return nil
		})
	}
	return g.Wait()
}

// exportDepth refreshes the dead-letter depth gauge until ctx is done.
func exportDepth(ctx context.Context, q *deadletter.Queue[stage.Item], topics []string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		for _, topic := range topics {
			topic = strings.TrimSpace(topic)
			n, err := q.Len(ctx, topic)
			if err != nil {
				slog.Warn("opskit: dead letter depth", "topic", topic, "error", err)
				continue
			}
			metrics.DeadLetterDepth.WithLabelValues(topic).Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

type api struct {
	client *store.Client
	bus    syncbus.Bus
	runner *stage.Runner
}

// newRouter builds the admin API. Watch endpoints refresh on bus signals,
// so producers must publish on a bus reaching this process (a RedisBus on
// the same store prefix).
func newRouter(c *store.Client, reg *prometheus.Registry, bus syncbus.Bus) http.Handler {
	a := &api{
		client: c,
		bus:    bus,
		runner: stage.NewRunner(store.Reuse(c), stage.WithSink(metrics.Multi(metrics.PrometheusSink{}, metrics.FromEnv()))),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/dlq/{topic}", a.dlqLen)
		r.Post("/dlq/{topic}/replay", a.dlqReplay)
		r.Get("/dlq/{topic}/watch", a.watchDLQ)
		r.Get("/breakers/{name}", a.breaker)
		r.Get("/locks/{key}", a.holders)
		r.Get("/locks/{key}/watch", a.watchLock)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, opserrors.ErrInvalidConfig), errors.Is(err, opserrors.ErrInvalidDuration):
		status = http.StatusBadRequest
	case errors.Is(err, opserrors.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if _, err := a.client.Time(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) dlqLen(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	n, err := deadletter.NewQueue[stage.Item](a.client).Len(r.Context(), topic)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.DeadLetterDepth.WithLabelValues(topic).Set(float64(n))
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "len": n})
}

func (a *api) dlqReplay(w http.ResponseWriter, r *http.Request) {
	batch := deadletter.DefaultBatch
	if raw := r.URL.Query().Get("batch"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, errBadRequest)
			return
		}
		batch = n
	}
	res, err := a.runner.Replay(r.Context(), nil, stage.DeadLetterParams{Topic: chi.URLParam(r, "topic"), Batch: batch})
	if err != nil && len(res.Pass) > 0 {
		// popped entries are already gone from the store
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "items": res.Pass})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	// watchers of the topic refresh their depth
	_ = a.bus.Publish(r.Context(), deadletter.Signal(chi.URLParam(r, "topic")))
	items := res.Pass
	if items == nil {
		items = []stage.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) breaker(w http.ResponseWriter, r *http.Request) {
	s := breaker.DefaultSettings()
	q := r.URL.Query()
	if raw := q.Get("window"); raw != "" {
		d, err := config.ParseDuration(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		s.Window = d
	}
	if raw := q.Get("halfOpenAfter"); raw != "" {
		d, err := config.ParseDuration(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		s.HalfOpenAfter = d
	}
	if raw := q.Get("threshold"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, errBadRequest)
			return
		}
		s.Threshold = f
	}
	snap, err := breaker.New(a.client).Evaluate(r.Context(), chi.URLParam(r, "name"), s)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (a *api) holders(w http.ResponseWriter, r *http.Request) {
	holders, err := a.semaphore(r).Holders(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	if holders == nil {
		holders = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": chi.URLParam(r, "key"), "holders": holders})
}

// semaphore reads holders in lease mode when ?leases=true.
func (a *api) semaphore(r *http.Request) *lock.Semaphore {
	var opts []lock.Option
	if r.URL.Query().Get("leases") == "true" {
		opts = append(opts, lock.WithHolderLeases())
	}
	return lock.NewSemaphore(a.client, opts...)
}
