package conndriver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/yndnr/fwserve-go/internal/telemetry/logger"
)

// ErrUntracked is returned by Serve for a TLS connection whose transport was
// not wrapped with Track before the handshake.
var ErrUntracked = errors.New("conndriver: TLS connection not tracked")

// errHandedOff ends http.Server.Serve once its single connection is taken.
var errHandedOff = errors.New("conndriver: connection handed off")

// Config controls the shared HTTP engine.
type Config struct {
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration

	// HTTP2 enables HTTP/2 (ALPN "h2" on TLS connections).
	HTTP2                bool
	MaxConcurrentStreams uint32

	// Cleartext additionally accepts HTTP/2 with prior knowledge or an
	// h2c upgrade on plain connections. Only meaningful with HTTP2.
	Cleartext bool
}

// ConnectionError reports a connection that ended on a transport error.
type ConnectionError struct {
	Peer net.Addr
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection from %s: %v", e.Peer, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Driver serves HTTP on individual connections.
type Driver struct {
	srv    *http.Server
	logger *slog.Logger
}

// New builds the HTTP engine once. handler receives every request of every
// connection later passed to Serve.
func New(handler http.Handler, cfg Config, log *slog.Logger) (*Driver, error) {
	if handler == nil {
		return nil, errors.New("conndriver: nil handler")
	}
	if log == nil {
		log = slog.Default()
	}

	srv := &http.Server{
		Handler:           markServed(handler),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		ConnContext:       connContext,
		ConnState:         connState,
	}

	if !cfg.HTTP2 {
		// A non-nil empty map keeps net/http from enabling HTTP/2 itself.
		srv.TLSNextProto = make(map[string]func(*http.Server, *tls.Conn, http.Handler))
		return &Driver{srv: srv, logger: log}, nil
	}

	h2 := &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		IdleTimeout:          cfg.IdleTimeout,
	}
	if err := http2.ConfigureServer(srv, h2); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	if cfg.Cleartext {
		srv.Handler = markServed(h2c.NewHandler(handler, h2))
	}

	return &Driver{srv: srv, logger: log}, nil
}

// Serve drives conn until it closes. It returns nil on an orderly close and
// a *ConnectionError when the connection ended on a transport error or on a
// request the engine could not serve (ErrMalformedRequest,
// ErrIncompleteRequest).
// Cancelling ctx closes the connection.
func (d *Driver) Serve(ctx context.Context, conn net.Conn) error {
	tc := trackerOf(conn)
	if tc == nil {
		if _, ok := conn.(*tls.Conn); ok {
			_ = conn.Close()
			return ErrUntracked
		}
		tc = Track(conn, "").(*trackedConn)
		conn = tc
	}
	peer := conn.RemoteAddr()

	ln := &oneConnListener{conn: conn, addr: conn.LocalAddr()}
	err := d.srv.Serve(ln)
	if !ln.taken() {
		// The engine shut down before it could take the connection.
		_ = conn.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return &ConnectionError{Peer: peer, Err: err}
	}

	select {
	case <-tc.done:
	case <-ctx.Done():
		_ = conn.Close()
		<-tc.done
	}

	if err := tc.Err(); err != nil {
		return &ConnectionError{Peer: peer, Err: err}
	}
	return nil
}

// Shutdown stops taking new connections and waits for driven connections
// to finish their in-flight requests, or for ctx to expire.
func (d *Driver) Shutdown(ctx context.Context) error {
	return d.srv.Shutdown(ctx)
}

// Close closes every driven connection immediately.
func (d *Driver) Close() error {
	return d.srv.Close()
}

// connContext tags request contexts with the tracker and connection id.
func connContext(ctx context.Context, c net.Conn) context.Context {
	tc := trackerOf(c)
	if tc == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, trackerKey{}, tc)
	if tc.id != "" {
		ctx = logger.WithConnID(ctx, tc.id)
	}
	return ctx
}

// connState forwards engine state changes to the connection's tracker.
func connState(c net.Conn, state http.ConnState) {
	if tc := trackerOf(c); tc != nil {
		tc.observe(c, state)
	}
}

type trackerKey struct{}

// markServed tells the tracker that the request reached a handler.
func markServed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tc, ok := r.Context().Value(trackerKey{}).(*trackedConn); ok {
			tc.served()
		}
		next.ServeHTTP(w, r)
	})
}

// oneConnListener yields a single connection, then errHandedOff.
type oneConnListener struct {
	mu   sync.Mutex
	conn net.Conn
	addr net.Addr
	used bool
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used {
		return nil, errHandedOff
	}
	l.used = true
	return l.conn, nil
}

// Close is a no-op: the connection outlives the listener.
func (l *oneConnListener) Close() error { return nil }

func (l *oneConnListener) Addr() net.Addr { return l.addr }

func (l *oneConnListener) taken() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}
