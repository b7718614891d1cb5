// Package metrics exposes the prometheus instruments shared by the API and
// service layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal     *prometheus.CounterVec
	LedgerSubmitDuration prometheus.Histogram
	LedgerReadsTotal     *prometheus.CounterVec
	CacheRefreshTotal    prometheus.Counter
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustchain_transitions_total",
			Help: "Transition submissions by action and outcome.",
		}, []string{"action", "outcome"}),
		LedgerSubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustchain_ledger_submit_duration_seconds",
			Help:    "Latency of ledger submissions as seen by the application.",
			Buckets: prometheus.DefBuckets,
		}),
		LedgerReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustchain_ledger_reads_total",
			Help: "Authoritative ledger reads by operation and outcome.",
		}, []string{"operation", "outcome"}),
		CacheRefreshTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trustchain_cache_refresh_total",
			Help: "Projection refreshes triggered by stale cache reads.",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trustchain_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustchain_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
