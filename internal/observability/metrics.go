package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure kinds used as the "kind" label of FailuresTotal.
const (
	FailureGeneration    = "generation"
	FailureTranslation   = "translation"
	FailurePersistence   = "persistence"
	FailureSummarization = "summarization"
	FailureProtocol      = "protocol"
)

// Metrics holds the server's Prometheus collectors, registered on a private
// registry so independent instances (one per test) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	TurnsCommitted prometheus.Counter
	Summarizations prometheus.Counter
	BroadcastDrops prometheus.Counter
	Failures       *prometheus.CounterVec
	ActionDuration prometheus.Histogram
	LiveSessions   prometheus.Gauge
	Subscribers    prometheus.Gauge
}

// NewMetrics creates and registers every collector.
//
// Postcondition: Returns a Metrics whose Registry also carries the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TurnsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "storyweave_turns_committed_total",
			Help: "Total number of turns appended to session transcripts.",
		}),
		Summarizations: f.NewCounter(prometheus.CounterOpts{
			Name: "storyweave_summarizations_total",
			Help: "Total number of working set collapses into a summary.",
		}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "storyweave_broadcast_drops_total",
			Help: "Total number of subscribers dropped after a failed send.",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storyweave_failures_total",
			Help: "Total number of recovered failures, partitioned by kind.",
		}, []string{"kind"}),
		ActionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "storyweave_action_duration_seconds",
			Help:    "Time from acquiring a session to releasing it for one action.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "storyweave_live_sessions",
			Help: "Number of sessions held in the registry.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "storyweave_subscribers",
			Help: "Number of live subscribers across all sessions.",
		}),
	}
}

// Failure increments the failure counter for kind.
func (m *Metrics) Failure(kind string) {
	m.Failures.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
