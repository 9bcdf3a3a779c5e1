package jingle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики одного менеджера. Регистрируются в собственном реестре,
// поэтому несколько менеджеров в процессе не конфликтуют.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal      *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	terminationsTotal  *prometheus.CounterVec
	protocolErrors     *prometheus.CounterVec
	contentNegotiation prometheus.Histogram
	resolverResults    *prometheus.CounterVec
	probeResults       *prometheus.CounterVec
}

// NewMetrics создает метрики с префиксом namespace
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of Jingle sessions by direction",
		}, []string{"direction"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions that are not closed",
		}),
		terminationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_terminations_total",
			Help:      "Session terminations by reason",
		}, []string{"reason"}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors returned to peers by condition",
		}, []string{"condition"}),
		contentNegotiation: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "content_negotiation_seconds",
			Help:      "Time from content creation to active",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		resolverResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_results_total",
			Help:      "Candidate resolution results by strategy",
		}, []string{"kind", "result"}),
		probeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Connectivity check results",
		}, []string{"result"}),
	}
}

// Registry реестр для экспорта через promhttp
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) sessionCreated(direction string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(direction).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.terminationsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) protocolError(condition string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(condition).Inc()
}

func (m *Metrics) contentActive(since time.Time) {
	if m == nil {
		return
	}
	m.contentNegotiation.Observe(time.Since(since).Seconds())
}

func (m *Metrics) resolverResult(kind string, err error) {
	if m == nil {
		return
	}
	m.resolverResults.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *Metrics) probeResult(err error) {
	if m == nil {
		return
	}
	m.probeResults.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
