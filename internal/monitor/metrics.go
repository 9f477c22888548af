package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the code runner.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	Findings          *prometheus.CounterVec
	ImagePulls        *prometheus.CounterVec
	KillsTotal        *prometheus.CounterVec
	ExtractedBlocks   *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates the collectors on a dedicated registry so tests can
// build as many as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_runner",
				Name:      "executions_total",
				Help:      "Executions by language and final status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "code_runner",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_runner",
				Name:      "execution_errors_total",
				Help:      "Non-successful executions by error kind.",
			},
			[]string{"kind"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "code_runner",
				Name:      "active_executions",
				Help:      "Containers currently registered as running.",
			},
		),

		Findings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_runner",
				Name:      "findings_total",
				Help:      "Suspicious patterns seen in code or output.",
			},
			[]string{"pattern", "source"},
		),

		ImagePulls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_runner",
				Name:      "image_pulls_total",
				Help:      "Image warm-up pulls by result.",
			},
			[]string{"result"},
		),

		KillsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_runner",
				Name:      "kills_total",
				Help:      "Kill requests by result.",
			},
			[]string{"result"},
		),

		ExtractedBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "code_runner",
				Name:      "extracted_blocks_total",
				Help:      "Code blocks saved from conversation messages.",
			},
			[]string{"language"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "code_runner",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "code_runner",
				Name:      "code_size_bytes",
				Help:      "Size of executed code files in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "code_runner",
				Name:      "output_size_bytes",
				Help:      "Size of captured output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.Findings,
		m.ImagePulls,
		m.KillsTotal,
		m.ExtractedBlocks,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordError counts a non-successful execution by kind.
func (m *Metrics) RecordError(kind string) {
	m.ExecutionErrors.WithLabelValues(kind).Inc()
}

// RecordFindings counts each finding.
func (m *Metrics) RecordFindings(findings []Finding) {
	for _, f := range findings {
		m.Findings.WithLabelValues(f.Pattern, string(f.Source)).Inc()
	}
}

// RecordPulls counts warm-up results per image.
func (m *Metrics) RecordPulls(status map[string]error) {
	for _, err := range status {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.ImagePulls.WithLabelValues(result).Inc()
	}
}

// RecordKill counts a kill request.
func (m *Metrics) RecordKill(err error) {
	result := "killed"
	if err != nil {
		result = "error"
	}
	m.KillsTotal.WithLabelValues(result).Inc()
}
