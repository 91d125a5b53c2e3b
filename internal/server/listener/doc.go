// Package listener owns the single TCP listening socket and its accept loop.
//
// Every accepted connection is handed to its own goroutine immediately, so
// a slow handshake, a stalled client or a failing connection never delays
// acceptance of the next one. Accept errors are logged and counted and the
// loop carries on.
//
// The transport mode (plain or TLS) is fixed when the Server is built.
package listener
