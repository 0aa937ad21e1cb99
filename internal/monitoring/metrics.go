// Package monitoring exposes operational metrics for the proxy.
//
// Collectors are registered on an injected registry so tests can use
// isolated registries and the binary wires one /metrics endpoint.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's Prometheus collectors.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	RateLimited      *prometheus.CounterVec
	LinkageDegraded  prometheus.Counter
	ActiveStreams    prometheus.Gauge
	TokensServed     *prometheus.CounterVec
}

// NewMetrics registers the proxy collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claudegate_requests_total",
			Help: "Proxied requests by tenant domain and response status class",
		}, []string{"domain", "status"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claudegate_upstream_duration_seconds",
			Help:    "Upstream round-trip duration, including stream relay",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"domain"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claudegate_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"domain"}),
		LinkageDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "claudegate_linkage_degraded_total",
			Help: "Requests that proceeded with a standalone conversation because linkage could not be determined",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "claudegate_active_streams",
			Help: "Streaming responses currently being relayed",
		}),
		TokensServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claudegate_tokens_total",
			Help: "Token usage relayed to tenants, by direction",
		}, []string{"domain", "direction"}),
	}
}
