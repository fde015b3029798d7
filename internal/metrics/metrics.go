package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters for the publish, registration and catalog flows.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	publishesTotal *prometheus.CounterVec
	registrations  *prometheus.CounterVec
	catalogFetches *prometheus.CounterVec
	staleFetches   prometheus.Counter
	catalogSize    prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidchain_http_requests_total",
			Help: "HTTP requests served, by status class",
		}, []string{"class"}),
		publishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidchain_publishes_total",
			Help: "Publish attempts by outcome (ok, validation, storage, commit)",
		}, []string{"outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidchain_identity_resolutions_total",
			Help: "Identity resolutions by final state",
		}, []string{"state"}),
		catalogFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidchain_catalog_fetches_total",
			Help: "Catalog fetches by outcome",
		}, []string{"outcome"}),
		staleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidchain_catalog_stale_fetches_total",
			Help: "Catalog fetch results discarded because a newer fetch had started",
		}),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidchain_catalog_videos",
			Help: "Number of videos in the last accepted catalog snapshot",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.publishesTotal,
		m.registrations,
		m.catalogFetches,
		m.staleFetches,
		m.catalogSize,
	)
	return m
}

// Every method is nil-safe so components can run without metrics.

func (m *Metrics) ObserveRequest(status int) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requestsTotal.WithLabelValues(class).Inc()
}

func (m *Metrics) ObservePublish(outcome string) {
	if m == nil {
		return
	}
	m.publishesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveResolution(state string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveCatalogFetch(outcome string, size int) {
	if m == nil {
		return
	}
	m.catalogFetches.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.catalogSize.Set(float64(size))
	}
}

func (m *Metrics) IncStaleFetches() {
	if m == nil {
		return
	}
	m.staleFetches.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
