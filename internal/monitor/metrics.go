package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the rental service.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsTotal       *prometheus.CounterVec
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionErrors     *prometheus.CounterVec
	ActiveExecutions    prometheus.Gauge
	BilledCentsTotal    prometheus.Counter
	DebitRejectionsTotal prometheus.Counter
	SettledCentsTotal   *prometheus.CounterVec
	RequestsInFlight    prometheus.Gauge
	OutputSizeBytes     prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toollease",
				Name:      "sessions_total",
				Help:      "Total number of session transitions by resulting status.",
			},
			[]string{"status"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toollease",
				Name:      "executions_total",
				Help:      "Total number of tool executions by tool and status.",
			},
			[]string{"tool", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toollease",
				Name:      "execution_duration_seconds",
				Help:      "Duration of tool executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toollease",
				Name:      "execution_errors_total",
				Help:      "Total tool execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toollease",
				Name:      "active_executions",
				Help:      "Number of currently running tool executions.",
			},
		),

		BilledCentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "toollease",
				Name:      "billed_cents_total",
				Help:      "Total cents debited across all sessions.",
			},
		),

		DebitRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "toollease",
				Name:      "debit_rejections_total",
				Help:      "Total debits rejected because they would exceed the session budget.",
			},
		),

		SettledCentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toollease",
				Name:      "settled_cents_total",
				Help:      "Total cents settled, by payout share.",
			},
			[]string{"share"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toollease",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "toollease",
				Name:      "output_size_bytes",
				Help:      "Size of captured execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.SessionsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.BilledCentsTotal,
		m.DebitRejectionsTotal,
		m.SettledCentsTotal,
		m.RequestsInFlight,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(tool, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ExecutionDuration.WithLabelValues(tool).Observe(durationSec)
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordDebit records a successful debit against a session budget.
func (m *Metrics) RecordDebit(costCents int64) {
	m.BilledCentsTotal.Add(float64(costCents))
}

// RecordSettlement records settled amounts by payout share.
func (m *Metrics) RecordSettlement(providerCents, platformCents, reserveCents int64) {
	m.SettledCentsTotal.WithLabelValues("provider").Add(float64(providerCents))
	m.SettledCentsTotal.WithLabelValues("platform").Add(float64(platformCents))
	m.SettledCentsTotal.WithLabelValues("reserve").Add(float64(reserveCents))
}
