package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/yndnr/fwserve-go/internal/server/config"
	"github.com/yndnr/fwserve-go/internal/server/conndriver"
	"github.com/yndnr/fwserve-go/internal/server/tlsterm"
	"github.com/yndnr/fwserve-go/internal/telemetry/logger"
	"github.com/yndnr/fwserve-go/internal/telemetry/metric"
)

// ErrRunning is returned by Run when the server is already running.
var ErrRunning = errors.New("listener: already running")

// ServeFunc drives one prepared connection until it ends.
type ServeFunc func(ctx context.Context, conn net.Conn) error

// Config holds admission control settings.
type Config struct {
	// MaxConnections caps concurrently served connections. 0 = unlimited.
	MaxConnections int
	// Overflow is config.OverflowReject or config.OverflowQueue.
	Overflow string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metric.Registry) Option {
	return func(s *Server) { s.metrics = m }
}

// WithDrain registers a function Shutdown calls after the listener is
// closed, typically the connection driver's graceful shutdown.
func WithDrain(fn func(context.Context) error) Option {
	return func(s *Server) { s.drain = fn }
}

// Server runs the accept loop for one listening socket.
type Server struct {
	cfg     Config
	mode    Mode
	serve   ServeFunc
	drain   func(context.Context) error
	logger  *slog.Logger
	metrics *metric.Registry

	sem *semaphore.Weighted

	acceptLog throttledLog
	rejectLog throttledLog

	mu      sync.Mutex
	ln      net.Listener
	closed  bool
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Server. serve is called once per connection after the
// mode's preparation step succeeded.
func New(cfg Config, mode Mode, serve ServeFunc, opts ...Option) *Server {
	if mode == nil {
		mode = Plain()
	}

	s := &Server{
		cfg:       cfg,
		mode:      mode,
		serve:     serve,
		logger:    slog.Default(),
		acceptLog: newThrottledLog(),
		rejectLog: newThrottledLog(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.MaxConnections > 0 && cfg.Overflow != config.OverflowQueue {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}

	return s
}

// Mode returns the transport mode.
func (s *Server) Mode() Mode {
	return s.mode
}

// Addr returns the bound address, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run accepts connections on ln until Shutdown. It returns nil after
// Shutdown, or an error if the listener fails permanently.
//
// Cancelling ctx closes every connection still being served.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 && s.cfg.Overflow == config.OverflowQueue {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	if s.ln != nil {
		s.mu.Unlock()
		return ErrRunning
	}
	s.ln = ln
	s.running.Store(true)
	s.mu.Unlock()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			s.metrics.AcceptError()
			s.acceptLog.log(s.logger, slog.LevelError, "accept failed", "error", err)
			continue
		}
		s.dispatch(ctx, raw)
	}
}

// dispatch applies admission control and spawns the connection task.
// It never blocks.
func (s *Server) dispatch(ctx context.Context, raw net.Conn) {
	s.metrics.ConnAccepted(s.mode.Name())

	if s.sem != nil && !s.sem.TryAcquire(1) {
		s.metrics.ConnRejected()
		s.rejectLog.log(s.logger, slog.LevelWarn, "connection rejected: limit reached",
			"peer", raw.RemoteAddr().String(), "max_connections", s.cfg.MaxConnections)
		_ = raw.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.release()
		_ = raw.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.release()
		s.handle(ctx, raw)
	}()
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// handle runs one connection: prepare, then serve. Nothing escapes it.
func (s *Server) handle(ctx context.Context, raw net.Conn) {
	id := ulid.Make().String()
	ctx = logger.WithConnID(ctx, id)
	log := logger.FromSlog(s.logger).With("peer", raw.RemoteAddr().String()).WithContext(ctx)

	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()

	defer func() {
		if r := recover(); r != nil {
			_ = raw.Close()
			log.Error("connection task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	log.Info("connection accepted", "mode", s.mode.Name())

	conn, err := s.mode.prepare(ctx, conndriver.Track(raw, id))
	if err != nil {
		reason := tlsterm.Classify(err)
		s.metrics.HandshakeFailed(reason)
		log.Warn("TLS handshake failed", "reason", reason, "error", err)
		return
	}
	if tc, ok := conn.(*tls.Conn); ok {
		st := tc.ConnectionState()
		log.Debug("TLS handshake complete",
			"tls_version", tls.VersionName(st.Version),
			"alpn", st.NegotiatedProtocol)
	}

	if err := s.serve(ctx, conn); err != nil {
		s.metrics.ConnError()
		log.Warn("connection closed with error", "error", err, "duration", time.Since(start))
		return
	}
	log.Info("connection closed", "duration", time.Since(start))
}

// Shutdown closes the listener, drains served connections and waits for
// every connection task to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	s.mu.Lock()
	s.closed = true
	s.running.Store(false)
	if s.ln != nil {
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			firstErr = err
		}
	}
	s.mu.Unlock()

	if s.drain != nil {
		if err := s.drain(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return firstErr
}

// throttledLog limits how often a repeated condition is logged. Suppressed
// occurrences are reported with the next line that gets through.
type throttledLog struct {
	limiter    *rate.Limiter
	suppressed *atomic.Int64
}

func newThrottledLog() throttledLog {
	return throttledLog{
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
		suppressed: new(atomic.Int64),
	}
}

func (t throttledLog) log(l *slog.Logger, level slog.Level, msg string, args ...any) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	l.Log(context.Background(), level, msg, args...)
}
