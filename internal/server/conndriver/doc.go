// Package conndriver runs the HTTP engine over one accepted connection.
//
// A Driver owns a single http.Server configured once at startup. Each
// connection is fed to it through a one-shot listener so the engine handles
// keep-alive, pipelined HTTP/1.1 and multiplexed HTTP/2 exactly as it would
// on its own listener, while the caller keeps control of accept, admission
// and TLS termination.
//
// Connections must be wrapped with Track before any TLS layer is added so
// that transport errors below TLS are observed and the end of the
// connection can be awaited.
package conndriver
