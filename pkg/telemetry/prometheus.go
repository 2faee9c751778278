package telemetry

import (
	"net/http"

	"github.com/illmade-knight/go-asyncops/pkg/cache"
	"github.com/illmade-knight/go-asyncops/pkg/jobs"
	"github.com/illmade-knight/go-asyncops/pkg/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default buckets for chunk attempts per outcome.
var attemptBuckets = []float64{1, 2, 3, 4, 6, 8}

// Metrics wraps the prometheus collectors for the async operations layer. It
// satisfies jobs.Recorder, batch.Recorder and pagination.Recorder.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry

	jobTransitions *prometheus.CounterVec
	chunkOutcomes  *prometheus.CounterVec
	chunkAttempts  *prometheus.HistogramVec
	queries        *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the Go and process
// collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		namespace: namespace,
		registry:  registry,

		jobTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_transitions_total",
				Help:      "Job state transitions by job type and target status",
			},
			[]string{"type", "status"},
		),

		chunkOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_chunks_total",
				Help:      "Batch chunks by final outcome",
			},
			[]string{"outcome"},
		),

		chunkAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_chunk_attempts",
				Help:      "Store calls made per chunk",
				Buckets:   attemptBuckets,
			},
			[]string{"outcome"},
		),

		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Store queries by index; index is \"scan\" for full scans",
			},
			[]string{"index"},
		),
	}
	registry.MustRegister(m.jobTransitions, m.chunkOutcomes, m.chunkAttempts, m.queries)
	return m
}

// ObserveTransition counts a job reaching a status.
func (m *Metrics) ObserveTransition(jobType jobs.Type, to jobs.Status) {
	m.jobTransitions.WithLabelValues(string(jobType), string(to)).Inc()
}

// ObserveChunk records a chunk's outcome and the attempts it took.
func (m *Metrics) ObserveChunk(outcome string, attempts int) {
	m.chunkOutcomes.WithLabelValues(outcome).Inc()
	m.chunkAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// ObserveQuery counts a store query.
func (m *Metrics) ObserveQuery(index string, fullScan bool) {
	if fullScan {
		index = "scan"
	}
	m.queries.WithLabelValues(index).Inc()
}

// RegisterCache exposes a cache's counters under the given cache label. The
// snapshot function is called on every scrape.
func (m *Metrics) RegisterCache(name string, snapshot func() cache.Metrics) error {
	labels := prometheus.Labels{"cache": name}
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace, Name: "cache_hits_total", Help: "Cache hits", ConstLabels: labels,
		}, func() float64 { return float64(snapshot().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace, Name: "cache_misses_total", Help: "Cache misses", ConstLabels: labels,
		}, func() float64 { return float64(snapshot().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace, Name: "cache_evictions_total", Help: "Entries evicted for capacity", ConstLabels: labels,
		}, func() float64 { return float64(snapshot().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace, Name: "cache_entries", Help: "Entries currently held", ConstLabels: labels,
		}, func() float64 { return float64(snapshot().Size) }),
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterHub exposes notification hub statistics.
func (m *Metrics) RegisterHub(snapshot func() notify.Stats) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace, Name: "notify_connections", Help: "Live notification connections",
		}, func() float64 { return float64(snapshot().Connections) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace, Name: "notify_events_published_total", Help: "Events enqueued to connections",
		}, func() float64 { return float64(snapshot().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace, Name: "notify_events_dropped_total", Help: "Events dropped from full connection buffers",
		}, func() float64 { return float64(snapshot().Dropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace, Name: "notify_connections_reaped_total", Help: "Stale connections removed",
		}, func() float64 { return float64(snapshot().Reaped) }),
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
