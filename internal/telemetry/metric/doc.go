// Package metric provides Prometheus metrics for fwserve.
//
// Metrics cover the connection path (accepts, admission rejections,
// handshake failures, per-connection errors, live connection count)
// and the request path (requests by method and status, bytes served,
// latency). They are exposed by the optional admin listener.
package metric
