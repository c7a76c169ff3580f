package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the pipeline-level Prometheus collectors, shared by the
// extraction, report, and conversational pipelines.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	Duration          *prometheus.HistogramVec
	BatchesTotal      prometheus.Counter
	ParseFailures     prometheus.Counter
	EphemeralActive   prometheus.Gauge
	RetrievedChunks   *prometheus.HistogramVec
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_requests_total",
				Help: "Total pipeline requests by pipeline and outcome.",
			},
			[]string{"pipeline", "status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_duration_seconds",
				Help:    "End-to-end pipeline latency in seconds.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"pipeline"},
		),
		BatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_extraction_batches_total",
				Help: "Total bulk-upload batches dispatched to the worker pool.",
			},
		),
		ParseFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_parse_failures_total",
				Help: "Total results retained with parsing_error set.",
			},
		),
		EphemeralActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_ephemeral_namespaces_active",
				Help: "Ephemeral vector namespaces currently live.",
			},
		),
		RetrievedChunks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_retrieved_chunks",
				Help:    "Chunks returned per retrieval by pipeline.",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
			},
			[]string{"pipeline"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.Duration, m.BatchesTotal, m.ParseFailures, m.EphemeralActive, m.RetrievedChunks)
	return m
}

func (m *Metrics) observe(pipeline, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(pipeline, status).Inc()
	m.Duration.WithLabelValues(pipeline).Observe(seconds)
}

func (m *Metrics) retrieved(pipeline string, n int) {
	if m == nil {
		return
	}
	m.RetrievedChunks.WithLabelValues(pipeline).Observe(float64(n))
}
