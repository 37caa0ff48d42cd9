// Package metrics exposes the Prometheus collectors shared by all three DFM
// services. New builds a per-instance Registry of collectors that is wired
// through constructor injection rather than a global registry touched ad
// hoc from call sites (SPEC_FULL.md §11 DOMAIN
// STACK: prometheus/client_golang, from arkeep + jordigilh-kubernaut go.mod).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every gauge/counter/histogram a DFM service reports on
// its /metrics endpoint. Each service constructs its own Registry against
// its own prometheus.Registerer so the process/scheduler/execute binaries
// never collide on collector names when run side by side in tests.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth        *prometheus.GaugeVec
	StreamValuesTotal *prometheus.CounterVec
	CacheHitsTotal    *prometheus.CounterVec
	CacheMissesTotal  *prometheus.CounterVec
	AdapterErrors     *prometheus.CounterVec
	JobsIngested      *prometheus.CounterVec
	JobsPromoted      prometheus.Counter
	ResponsesAppended *prometheus.CounterVec
}

// New builds a fresh Registry with its own prometheus.Registry, so callers
// don't fight over the global DefaultRegisterer across services or tests.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dfm",
			Name:      "queue_depth",
			Help:      "Number of jobs currently parked in a queue.",
		}, []string{"queue"}),
		StreamValuesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dfm",
			Name:      "stream_values_total",
			Help:      "Number of values produced by an adapter's stream.",
		}, []string{"api_class"}),
		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dfm",
			Name:      "cache_hits_total",
			Help:      "Number of adapter streams served from a sentinel-valid cache.",
		}, []string{"api_class"}),
		CacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dfm",
			Name:      "cache_misses_total",
			Help:      "Number of adapter streams computed live because a wired cache held no sentinel-valid entry (force_compute runs are not counted).",
		}, []string{"api_class"}),
		AdapterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dfm",
			Name:      "adapter_errors_total",
			Help:      "Number of adapter stream failures, by error taxonomy kind.",
		}, []string{"api_class", "kind"}),
		JobsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dfm",
			Name:      "jobs_ingested_total",
			Help:      "Number of jobs the scheduler's ingest loop has claimed.",
		}, []string{"outcome"}),
		JobsPromoted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dfm",
			Name:      "jobs_promoted_total",
			Help:      "Number of jobs the scheduler's promote loop has moved to execute.",
		}),
		ResponsesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dfm",
			Name:      "responses_appended_total",
			Help:      "Number of responses appended to request state, by variant.",
		}, []string{"variant"}),
	}
}

// Handler returns the http.Handler serving this Registry's collectors in
// the Prometheus exposition format, for mounting at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
