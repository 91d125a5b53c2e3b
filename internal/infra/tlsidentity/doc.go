// Package tlsidentity loads the server TLS identity for fwserve.
//
// This package handles the certificate directory used in HTTPS mode:
//
//   - identity.go: ca_cert.pem / ca_key.pem loading
//   - config.go: shared server-side tls.Config construction
//
// The identity is read once at startup. It is never reloaded or mutated;
// every TLS handshake reads the same *tls.Config.
package tlsidentity
