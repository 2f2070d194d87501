package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/waygate/internal/domain"
)

type Metrics struct {
	// Latency: время от приема команды или egress-запроса до терминального исхода
	RequestDuration *prometheus.HistogramVec

	// Traffic: kind = command|egress, subject = action или правило
	TotalRequests *prometheus.CounterVec

	// Errors: классификация отказов по ErrorKind
	ErrorTotal *prometheus.CounterVec

	RateLimited *prometheus.CounterVec

	// Saturation: состояние предохранителя правила (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера sink-воркера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waygate_request_duration_seconds",
			Help:    "Histogram of request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind", "decision"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "waygate_requests_total",
			Help: "Total number of processed requests.",
		}, []string{"kind", "subject"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "waygate_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}),

		RateLimited: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "waygate_rate_limited_total",
			Help: "Egress requests rejected by the rule token bucket.",
		}, []string{"rule"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "waygate_circuit_breaker_state",
			Help: "Current state of the upstream circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"rule"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "waygate_audit_buffer_utilization",
			Help: "Current number of records waiting for the audit sink.",
		}),
	}
}

// ObserveCommand — метрики одного Execute
func (m *Metrics) ObserveCommand(action string, res domain.CommandResult) {
	m.TotalRequests.WithLabelValues("command", action).Inc()
	m.RequestDuration.WithLabelValues("command", string(res.Status)).Observe(res.Duration.Seconds())
	if res.ErrorKind != "" {
		m.ErrorTotal.WithLabelValues(string(res.ErrorKind)).Inc()
	}
}

// ObserveEgress подходит как egress.Observer
func (m *Metrics) ObserveEgress(resp domain.EgressResponse, kind domain.ErrorKind) {
	subject := resp.Rule
	if subject == "" {
		subject = "none"
	}
	m.TotalRequests.WithLabelValues("egress", subject).Inc()
	m.RequestDuration.WithLabelValues("egress", string(resp.Decision)).Observe(resp.Duration.Seconds())
	if kind != "" {
		m.ErrorTotal.WithLabelValues(string(kind)).Inc()
	}
	if resp.Decision == domain.EgressRateLimited {
		m.RateLimited.WithLabelValues(subject).Inc()
	}
}

// ObserveBreaker подходит как connectors.Config.OnBreakerState
func (m *Metrics) ObserveBreaker(rule string, _, to gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(rule).Set(float64(to))
}
