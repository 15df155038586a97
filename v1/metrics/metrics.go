// Package metrics is the optional event sink of the opskit stages. A sink
// receives (event, labels) pairs such as ("ratelimit_denied", {"key": k}).
// Nothing is emitted unless a sink is configured.
package metrics

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-opskit/v1/config"
)

// LogPrefix starts every line written by LogSink.
const LogPrefix = "[OPSKIT_METRIC]"

var (
	// EventsCounter counts emitted events by name and primitive key.
	EventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opskit_events_total",
		Help: "Total number of opskit decision events",
	}, []string{"event", "key"})
	// DeadLetterDepth reports the number of entries waiting per topic.
	DeadLetterDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opskit_dead_letters",
		Help: "Current number of dead letters per topic",
	}, []string{"topic"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the opskit metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(EventsCounter, DeadLetterDepth)
}

// Sink receives metric events.
type Sink interface {
	Emit(event string, labels map[string]string)
}

// Noop discards every event.
type Noop struct{}

// Emit implements Sink.
func (Noop) Emit(string, map[string]string) {}

// LogSink writes each event as "[OPSKIT_METRIC] {json}" through slog.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(event string, labels map[string]string) {
	payload := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		payload[k] = v
	}
	payload["event"] = event
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(LogPrefix + " " + string(data))
}

// PrometheusSink counts events on EventsCounter. Only the "key" label is
// kept to bound cardinality.
type PrometheusSink struct{}

// Emit implements Sink.
func (PrometheusSink) Emit(event string, labels map[string]string) {
	EventsCounter.WithLabelValues(event, labels["key"]).Inc()
}

type multi []Sink

func (m multi) Emit(event string, labels map[string]string) {
	for _, s := range m {
		s.Emit(event, labels)
	}
}

// Multi fans every event out to sinks. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Noop{}
	case 1:
		return out[0]
	}
	return out
}

// FromConfig returns a LogSink when metrics are enabled, Noop otherwise.
func FromConfig(cfg config.Config) Sink {
	if cfg.Metrics {
		return LogSink{}
	}
	return Noop{}
}

// FromEnv enables the LogSink when OPSKIT_METRICS or N8N_METRICS is "true".
func FromEnv() Sink {
	if os.Getenv("OPSKIT_METRICS") == "true" || os.Getenv("N8N_METRICS") == "true" {
		return LogSink{}
	}
	return Noop{}
}
