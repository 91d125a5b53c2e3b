// Package metric provides Prometheus metrics for fwserve.
package metric

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fwserve"

// Registry holds all application metrics.
//
// A nil *Registry is valid: every recording method is a no-op on it.
type Registry struct {
	registry *prometheus.Registry

	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected prometheus.Counter
	AcceptErrors        prometheus.Counter
	HandshakeFailures   *prometheus.CounterVec
	ConnectionErrors    prometheus.Counter

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseBytes   prometheus.Counter
}

// NewRegistry creates a registry with Go runtime and process collectors
// plus the fwserve metrics.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "TCP connections accepted, by listener mode.",
		}, []string{"mode"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently being served.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed by admission control.",
		}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Errors returned by accept().",
		}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_failures_total",
			Help:      "Failed TLS handshakes, by reason.",
		}, []string{"reason"}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connections that ended with a transport error.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to serve a request including the body transfer.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"method"}),
		ResponseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_bytes_total",
			Help:      "Response body bytes written.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ConnectionsAccepted,
		r.ConnectionsActive,
		r.ConnectionsRejected,
		r.AcceptErrors,
		r.HandshakeFailures,
		r.ConnectionErrors,
		r.RequestsTotal,
		r.RequestDuration,
		r.ResponseBytes,
	)

	return r
}

// Gatherer returns the underlying registry for scraping or inspection.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ConnAccepted records an accepted connection in the given mode.
func (r *Registry) ConnAccepted(mode string) {
	if r == nil {
		return
	}
	r.ConnectionsAccepted.WithLabelValues(mode).Inc()
}

// ConnOpened increments the live connection gauge.
func (r *Registry) ConnOpened() {
	if r == nil {
		return
	}
	r.ConnectionsActive.Inc()
}

// ConnClosed decrements the live connection gauge.
func (r *Registry) ConnClosed() {
	if r == nil {
		return
	}
	r.ConnectionsActive.Dec()
}

// ConnRejected records a connection refused by admission control.
func (r *Registry) ConnRejected() {
	if r == nil {
		return
	}
	r.ConnectionsRejected.Inc()
}

// AcceptError records a failed accept().
func (r *Registry) AcceptError() {
	if r == nil {
		return
	}
	r.AcceptErrors.Inc()
}

// HandshakeFailed records a failed TLS handshake.
func (r *Registry) HandshakeFailed(reason string) {
	if r == nil {
		return
	}
	r.HandshakeFailures.WithLabelValues(reason).Inc()
}

// ConnError records a connection that ended with a transport error.
func (r *Registry) ConnError() {
	if r == nil {
		return
	}
	r.ConnectionErrors.Inc()
}

// ObserveRequest records one completed HTTP request.
func (r *Registry) ObserveRequest(method string, code int, bytes int64, d time.Duration) {
	if r == nil {
		return
	}
	r.RequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
	r.ResponseBytes.Add(float64(bytes))
}
