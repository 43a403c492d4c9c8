// Package metrics exposes gateway counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atat"

type Metrics struct {
	registry *prometheus.Registry

	engineCalls    *prometheus.CounterVec
	engineErrors   *prometheus.CounterVec
	engineDuration *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	rateLimited    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		engineCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_calls_total",
				Help:      "Engine exchanges by command and HTTP status reported to the caller",
			},
			[]string{"command", "code"},
		),
		engineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Engine exchanges that failed before a valid response arrived",
			},
			[]string{"command", "kind"},
		),
		engineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_call_duration_seconds",
				Help:      "Engine exchange latency",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"command"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP API requests by route and status",
			},
			[]string{"method", "route", "code"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_rate_limited_total",
				Help:      "HTTP API requests rejected by the per-client rate limit",
			},
		),
	}
	reg.MustRegister(
		m.engineCalls,
		m.engineErrors,
		m.engineDuration,
		m.httpRequests,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCall records one engine exchange. kind is empty for exchanges
// that produced a response, whatever its code.
func (m *Metrics) ObserveCall(command string, status int, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.engineCalls.WithLabelValues(command, strconv.Itoa(status)).Inc()
	m.engineDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	if kind != "" {
		m.engineErrors.WithLabelValues(command, kind).Inc()
	}
}

func (m *Metrics) ObserveRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
