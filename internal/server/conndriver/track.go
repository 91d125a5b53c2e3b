package conndriver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
)

var (
	// ErrMalformedRequest reports request bytes the engine rejected before
	// any handler ran (bad request line, bad headers, missing Host).
	ErrMalformedRequest = errors.New("conndriver: malformed request")

	// ErrIncompleteRequest reports a request whose head stopped arriving,
	// by deadline or by the peer closing, before it could be served.
	ErrIncompleteRequest = errors.New("conndriver: incomplete request")
)

// trackedConn records the first transport error and signals when the
// connection is closed.
type trackedConn struct {
	net.Conn

	id   string
	done chan struct{}
	once sync.Once

	// pending is set when the engine starts reading a request and cleared
	// when a handler takes it.
	pending  atomic.Bool
	detached atomic.Bool

	mu       sync.Mutex
	err      error
	lastRead error
}

// Track wraps raw so a Driver can observe its transport errors and its end.
// id is the connection identifier attached to request contexts.
func Track(raw net.Conn, id string) net.Conn {
	if tc, ok := raw.(*trackedConn); ok {
		return tc
	}
	return &trackedConn{Conn: raw, id: id, done: make(chan struct{})}
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.lastRead = nil
		c.mu.Unlock()
	}
	if err != nil {
		c.record(err, true)
	}
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.record(err, false)
	}
	return n, err
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}

// Err returns the first transport error seen, or, for a connection that
// ended between reading a request and serving it, why it was not served.
func (c *trackedConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.detached.Load() || !c.pending.Load() {
		return nil
	}
	if c.lastRead != nil {
		return fmt.Errorf("%w: %w", ErrIncompleteRequest, c.lastRead)
	}
	return ErrMalformedRequest
}

// record keeps the first error that is not part of an orderly close.
//
// Read-side EOF and deadline expiries are not failures by themselves: the
// engine uses deadlines to end idle keep-alive connections and to abort
// background reads. The first one after the last successful read is kept
// and only counts when a request was left half read. A write deadline
// always means a stalled response.
func (c *trackedConn) record(err error, read bool) {
	if errors.Is(err, net.ErrClosed) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if read && (errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded)) {
		if c.lastRead == nil {
			c.lastRead = err
		}
		return
	}
	if errors.Is(err, io.EOF) {
		return
	}
	if c.err == nil {
		c.err = err
	}
}

// observe follows the engine's view of an HTTP/1 connection. HTTP/2
// connections are left alone: their streams are framed and reset by the
// HTTP/2 server itself.
func (c *trackedConn) observe(nc net.Conn, state http.ConnState) {
	if tc, ok := nc.(*tls.Conn); ok && tc.ConnectionState().NegotiatedProtocol == "h2" {
		c.detached.Store(true)
	}
	switch state {
	case http.StateActive:
		c.pending.Store(true)
	case http.StateHijacked:
		c.detached.Store(true)
	}
}

// served clears pending once a handler has the request.
func (c *trackedConn) served() {
	c.pending.Store(false)
}

// trackerOf finds the tracked connection under conn, looking through a TLS
// layer if present.
func trackerOf(conn net.Conn) *trackedConn {
	switch c := conn.(type) {
	case *trackedConn:
		return c
	case *tls.Conn:
		tc, _ := c.NetConn().(*trackedConn)
		return tc
	}
	return nil
}
