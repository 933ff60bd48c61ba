package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on an isolated registry
// so tests can construct independent instances.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	cacheServes *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	orders      *prometheus.CounterVec
}

// NewMetrics constructs and registers the gateway collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Requests by endpoint and outcome",
			},
			[]string{"endpoint", "status"},
		),
		cacheServes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_serves_total",
				Help: "Read responses by freshness (fresh, cached, stale)",
			},
			[]string{"resource", "freshness"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Denied admissions by resource class",
			},
			[]string{"class"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_orders_total",
				Help: "Orders by mode, side, and result",
			},
			[]string{"mode", "side", "result"},
		),
	}

	m.registry.MustRegister(m.requests, m.cacheServes, m.rateLimited, m.orders)
	return m
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(endpoint, status string) {
	m.requests.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) observeCacheServe(resource string, cached, stale bool) {
	freshness := "fresh"
	switch {
	case stale:
		freshness = "stale"
	case cached:
		freshness = "cached"
	}
	m.cacheServes.WithLabelValues(resource, freshness).Inc()
}

func (m *Metrics) observeRateLimited(class string) {
	m.rateLimited.WithLabelValues(class).Inc()
}

func (m *Metrics) observeOrder(mode, side, result string) {
	m.orders.WithLabelValues(mode, side, result).Inc()
}
