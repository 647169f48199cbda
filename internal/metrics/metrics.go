// Package metrics exposes Prometheus collectors for entitlement decisions,
// usage accounting, sweeps and the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seoaudit"

// Metrics holds the hub's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	decisions       *prometheus.CounterVec
	usageRecorded   prometheus.Counter
	sweepProcessed  prometheus.Counter
	sweepDuration   prometheus.Histogram
	storeErrors     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

// NewWith registers the collectors on reg and serves them from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: g,
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entitlement",
				Name:      "decisions_total",
				Help:      "Entitlement decisions by action, plan and outcome.",
			},
			[]string{"action", "plan", "outcome"},
		),
		usageRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "events_recorded_total",
			Help:      "Usage events appended to the ledger.",
		}),
		sweepProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "demoted_total",
			Help:      "Expired cancellations demoted to the free plan.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciler sweeps.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "unavailable_total",
				Help:      "Requests that failed because the record store was unavailable.",
			},
			[]string{"operation"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration observed at the API layer.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route", "status"},
		),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled by the API.",
			},
			[]string{"method", "route", "status"},
		),
		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_errors_total",
				Help:      "Total number of HTTP errors surfaced to clients.",
			},
			[]string{"method", "route", "status_class"},
		),
	}
	reg.MustRegister(m.decisions, m.usageRecorded, m.sweepProcessed, m.sweepDuration,
		m.storeErrors, m.requestDuration, m.requestTotal, m.requestErrors)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveDecision counts one entitlement decision.
func (m *Metrics) ObserveDecision(action, plan string, permitted bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if permitted {
		outcome = "permitted"
	}
	m.decisions.WithLabelValues(action, plan, outcome).Inc()
}

// ObserveUsageRecorded counts one ledger append.
func (m *Metrics) ObserveUsageRecorded() {
	if m == nil {
		return
	}
	m.usageRecorded.Inc()
}

// ObserveSweep records a finished sweep.
func (m *Metrics) ObserveSweep(processed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepProcessed.Add(float64(processed))
	m.sweepDuration.Observe(elapsed.Seconds())
}

// ObserveStoreUnavailable counts a request failed by the record store.
func (m *Metrics) ObserveStoreUnavailable(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// ObserveRequest records one HTTP request. route should be the router pattern,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	statusCode := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, route, statusCode).Observe(elapsed.Seconds())
	m.requestTotal.WithLabelValues(method, route, statusCode).Inc()
	if status >= 400 {
		m.requestErrors.WithLabelValues(method, route, classifyStatus(status)).Inc()
	}
}

func classifyStatus(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "none"
	}
}
