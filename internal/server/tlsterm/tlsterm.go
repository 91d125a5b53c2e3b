// Package tlsterm terminates TLS on accepted connections.
//
// Accept performs the server side of exactly one handshake over a raw
// connection. Failures are returned as *HandshakeError and the raw
// connection is closed; there is no retry.
package tlsterm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// HandshakeError reports a failed TLS handshake with one peer.
type HandshakeError struct {
	Peer net.Addr
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s: %v", e.Peer, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Accept wraps raw in a server-side TLS connection and completes the
// handshake. A positive timeout bounds the handshake; zero leaves it
// bounded only by ctx.
func Accept(ctx context.Context, raw net.Conn, cfg *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	conn := tls.Server(raw, cfg)

	hsCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, &HandshakeError{Peer: raw.RemoteAddr(), Err: err}
	}
	return conn, nil
}

// Handshake failure reasons used in logs and metric labels.
const (
	ReasonTimeout         = "timeout"
	ReasonCanceled        = "canceled"
	ReasonEOF             = "eof"
	ReasonNotTLS          = "not_tls"
	ReasonProtocolVersion = "protocol_version"
	ReasonNoSharedCipher  = "no_shared_cipher"
	ReasonBadCertificate  = "bad_certificate"
	ReasonRemoteAlert     = "remote_alert"
	ReasonOther           = "other"
)

// Classify maps a handshake error to a short reason label.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return ReasonNotTLS
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return ReasonEOF
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" {
		if strings.Contains(opErr.Err.Error(), "certificate") {
			return ReasonBadCertificate
		}
		return ReasonRemoteAlert
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unsupported versions"), strings.Contains(msg, "protocol version"):
		return ReasonProtocolVersion
	case strings.Contains(msg, "no cipher suite"), strings.Contains(msg, "no mutually supported"):
		return ReasonNoSharedCipher
	}

	return ReasonOther
}
