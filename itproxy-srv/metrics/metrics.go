// Package metrics exposes proxy counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "itproxy"

// Request outcomes.
const (
	OutcomeProxied       = "proxied"
	OutcomeUpstreamError = "upstream_error"
	OutcomePanic         = "panic"
)

// Collector owns the proxy's Prometheus metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	resolutionMisses  *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	sessions          prometheus.Gauge
	forwardedRequests prometheus.Counter
	upstreamBytes     *prometheus.CounterVec
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
}

// NewCollector registers all metrics on registry, or on a fresh registry
// when registry is nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the proxy, by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		resolutionMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_misses_total",
			Help:      "Requests for which no target could be resolved.",
		}, []string{"strategy"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Requests answered with 502 because the upstream transfer failed.",
		}, []string{"protocol"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request arrival until the proxied exchange finished.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 300},
		}, []string{"protocol"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Entries in the session map after the last reload.",
		}),
		forwardedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_requests_total",
			Help:      "Requests redirected to the fixed forward address.",
		}),
		upstreamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_total",
			Help:      "Bytes transferred on upstream connections, including upgraded tunnels.",
		}, []string{"direction"}),
	}
	c.bytesSent = c.upstreamBytes.WithLabelValues("sent")
	c.bytesReceived = c.upstreamBytes.WithLabelValues("received")

	registry.MustRegister(
		c.requests,
		c.resolutionMisses,
		c.upstreamErrors,
		c.requestDuration,
		c.sessions,
		c.forwardedRequests,
		c.upstreamBytes,
	)
	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRequest records a finished request.
func (c *Collector) ObserveRequest(protocol, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(protocol, outcome).Inc()
	c.requestDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// ResolutionMiss counts a request whose target was not found.
func (c *Collector) ResolutionMiss(strategy string) {
	if c == nil {
		return
	}
	c.resolutionMisses.WithLabelValues(strategy).Inc()
}

// UpstreamError counts a 502 answer.
func (c *Collector) UpstreamError(protocol string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(protocol).Inc()
}

// Forwarded counts a request sent to the fixed forward address.
func (c *Collector) Forwarded() {
	if c == nil {
		return
	}
	c.forwardedRequests.Inc()
}

// UpstreamBytesSent counts n bytes written to an upstream connection.
func (c *Collector) UpstreamBytesSent(n int) {
	if c == nil {
		return
	}
	c.bytesSent.Add(float64(n))
}

// UpstreamBytesReceived counts n bytes read from an upstream connection.
func (c *Collector) UpstreamBytesReceived(n int) {
	if c == nil {
		return
	}
	c.bytesReceived.Add(float64(n))
}

// SetSessions updates the session map size.
func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessions.Set(float64(n))
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
