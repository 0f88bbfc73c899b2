// Package metrics holds the Prometheus collectors shared by the queue,
// ingestion and chat components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kbchat"

type Metrics struct {
	Registry *prometheus.Registry

	jobsClaimed   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	ingestStage   *prometheus.HistogramVec
	chunks        *prometheus.CounterVec
	genTokens     *prometheus.CounterVec
	confidence    *prometheus.CounterVec
	activeStreams prometheus.Gauge
}

// New creates a registry labelled with the service name and registers all
// collectors on it. Go and process collectors are included when
// withDefaultCollectors is set.
func New(serviceName string, withDefaultCollectors bool) *Metrics {
	registry := prometheus.NewRegistry()
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, registry)

	if withDefaultCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		Registry: registry,
		jobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_claimed_total",
			Help: "Jobs claimed by a worker.",
		}, []string{"job_type"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_finished_total",
			Help: "Job attempts by outcome (completed, retry, failed, cancelled).",
		}, []string{"job_type", "outcome"}),
		ingestStage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "stage_duration_seconds",
			Help:    "Duration of each ingestion stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "chunks_total",
			Help: "Chunks processed by embedding result (embedded, dropped).",
		}, []string{"result"}),
		genTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "tokens_total",
			Help: "Tokens consumed per provider; estimated=true marks the chars/4 approximation.",
		}, []string{"provider", "estimated"}),
		confidence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "confidence_total",
			Help: "Answered turns by confidence bucket.",
		}, []string{"bucket"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "generation", Name: "active_streams",
			Help: "Generation streams currently in flight.",
		}),
	}
	reg.MustRegister(m.jobsClaimed, m.jobsFinished, m.ingestStage, m.chunks, m.genTokens, m.confidence, m.activeStreams)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobClaimed(jobType string) {
	if m == nil {
		return
	}
	m.jobsClaimed.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobFinished(jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(jobType, outcome).Inc()
}

// ObserveStage records how long an ingestion stage took, measured from start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.ingestStage.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ChunkResults(embedded, dropped int) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues("embedded").Add(float64(embedded))
	m.chunks.WithLabelValues("dropped").Add(float64(dropped))
}

func (m *Metrics) Tokens(provider string, n int, estimated bool) {
	if m == nil || n <= 0 {
		return
	}
	m.genTokens.WithLabelValues(provider, strconv.FormatBool(estimated)).Add(float64(n))
}

func (m *Metrics) Confidence(bucket string) {
	if m == nil {
		return
	}
	m.confidence.WithLabelValues(bucket).Inc()
}

// StreamStarted increments the in-flight stream gauge and returns the func
// that decrements it.
func (m *Metrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	m.activeStreams.Inc()
	return m.activeStreams.Dec
}
