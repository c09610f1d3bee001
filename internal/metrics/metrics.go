// Package metrics exports broker metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "broker"

// Collector owns a private registry so several brokers (or tests) can run in
// one process.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	brokerErrors     *prometheus.CounterVec

	tokenCacheHits   *prometheus.CounterVec
	tokenCacheMisses *prometheus.CounterVec
	tokensIssued     *prometheus.CounterVec
	tokenFailures    *prometheus.CounterVec
	tokenDurations   *prometheus.HistogramVec

	reloads *prometheus.CounterVec
}

// NewCollector creates a collector with the Go runtime and process
// collectors registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound requests by route, method, status and response origin.",
		}, []string{"route", "method", "status", "origin"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Broker-originated error responses by kind.",
		}, []string{"kind"}),
		tokenCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "cache_hits_total",
			Help:      "Token lookups served from the cache.",
		}, []string{"api"}),
		tokenCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "cache_misses_total",
			Help:      "Token lookups that required an issuance or joined one.",
		}, []string{"api"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "issued_total",
			Help:      "Tokens obtained from token endpoints.",
		}, []string{"api"}),
		tokenFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "issue_failures_total",
			Help:      "Failed token issuances.",
		}, []string{"api"}),
		tokenDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "issue_duration_seconds",
			Help:      "Latency of successful token issuances.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"api"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.brokerErrors,
		c.tokenCacheHits,
		c.tokenCacheMisses,
		c.tokensIssued,
		c.tokenFailures,
		c.tokenDurations,
		c.reloads,
	)
	return c
}

// RecordRequest records a completed inbound request.
func (c *Collector) RecordRequest(route, method string, status int, origin string, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status), origin).Inc()
	c.requestDurations.WithLabelValues(route).Observe(d.Seconds())
}

// RecordError records a broker-originated error response.
func (c *Collector) RecordError(kind string) {
	c.brokerErrors.WithLabelValues(kind).Inc()
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// CacheHit implements token.Observer.
func (c *Collector) CacheHit(api string) { c.tokenCacheHits.WithLabelValues(api).Inc() }

// CacheMiss implements token.Observer.
func (c *Collector) CacheMiss(api string) { c.tokenCacheMisses.WithLabelValues(api).Inc() }

// Issued implements token.Observer.
func (c *Collector) Issued(api string, d time.Duration) {
	c.tokensIssued.WithLabelValues(api).Inc()
	c.tokenDurations.WithLabelValues(api).Observe(d.Seconds())
}

// IssueFailed implements token.Observer.
func (c *Collector) IssueFailed(api string) { c.tokenFailures.WithLabelValues(api).Inc() }

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
