// Package httpserver provides the optional admin HTTP server.
//
// It runs on its own address, separate from the firmware listener, and
// exposes:
//
//   - the Prometheus metrics endpoint (default /metrics)
//   - /healthz, answering 200 while the process is serving
package httpserver
