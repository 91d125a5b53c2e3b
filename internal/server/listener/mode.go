package listener

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/yndnr/fwserve-go/internal/server/tlsterm"
)

// Mode is the transport variant: Plain or TLS. It is sealed; the accept
// loop never inspects TLS material per connection.
type Mode interface {
	// Name is "http" or "https".
	Name() string

	prepare(ctx context.Context, conn net.Conn) (net.Conn, error)
}

type plainMode struct{}

// Plain serves HTTP directly on the accepted socket.
func Plain() Mode { return plainMode{} }

func (plainMode) Name() string { return "http" }

func (plainMode) prepare(_ context.Context, conn net.Conn) (net.Conn, error) {
	return conn, nil
}

type tlsMode struct {
	cfg     *tls.Config
	timeout time.Duration
}

// TLS terminates TLS with cfg on every accepted socket before serving HTTP.
// A positive handshakeTimeout bounds each handshake.
func TLS(cfg *tls.Config, handshakeTimeout time.Duration) Mode {
	return tlsMode{cfg: cfg, timeout: handshakeTimeout}
}

func (tlsMode) Name() string { return "https" }

func (m tlsMode) prepare(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tc, err := tlsterm.Accept(ctx, conn, m.cfg, m.timeout)
	if err != nil {
		return nil, err
	}
	return tc, nil
}
