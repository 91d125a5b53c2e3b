package listener

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yndnr/fwserve-go/internal/infra/tlsidentity"
	"github.com/yndnr/fwserve-go/internal/infra/tlsidentity/tlstest"
	"github.com/yndnr/fwserve-go/internal/server/config"
	"github.com/yndnr/fwserve-go/internal/server/conndriver"
	"github.com/yndnr/fwserve-go/internal/server/fileserver"
	"github.com/yndnr/fwserve-go/internal/server/tlsterm"
	"github.com/yndnr/fwserve-go/internal/telemetry/metric"
)

var firmware = []byte("\xe9\x03\x02\x20firmware-image-v1")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func firmwareHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fw.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(firmware)
	})
	return mux
}

type harness struct {
	srv     *Server
	driver  *conndriver.Driver
	metrics *metric.Registry
	addr    string
	client  *http.Client
	runErr  chan error
}

type harnessOpts struct {
	tls     bool
	limits  Config
	handler http.Handler
	serve   func(d *conndriver.Driver) ServeFunc
}

func start(t *testing.T, o harnessOpts) *harness {
	t.Helper()

	if o.handler == nil {
		o.handler = firmwareHandler()
	}
	driver, err := conndriver.New(o.handler, conndriver.Config{
		ReadHeaderTimeout:    10 * time.Second,
		IdleTimeout:          30 * time.Second,
		HTTP2:                true,
		MaxConcurrentStreams: 16,
		Cleartext:            !o.tls,
	}, discardLogger())
	if err != nil {
		t.Fatalf("conndriver.New() error = %v", err)
	}

	mode := Plain()
	transport := &http.Transport{}
	if o.tls {
		dir, pool := tlstest.WriteDir(t)
		id, err := tlsidentity.Load(dir)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		mode = TLS(tlsidentity.ServerConfig(id, true), 2*time.Second)
		transport.TLSClientConfig = tlstest.ClientConfig(pool)
		transport.ForceAttemptHTTP2 = true
	}

	serve := ServeFunc(driver.Serve)
	if o.serve != nil {
		serve = o.serve(driver)
	}

	reg := metric.NewRegistry()
	srv := New(o.limits, mode, serve,
		WithLogger(discardLogger()),
		WithMetrics(reg),
		WithDrain(driver.Shutdown),
	)

	ln, err := Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	h := &harness{
		srv:     srv,
		driver:  driver,
		metrics: reg,
		addr:    ln.Addr().String(),
		client:  &http.Client{Transport: transport, Timeout: 10 * time.Second},
		runErr:  make(chan error, 1),
	}
	go func() { h.runErr <- srv.Run(context.Background(), ln) }()

	t.Cleanup(func() {
		transport.CloseIdleConnections()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		driver.Close()
	})
	return h
}

func (h *harness) url(path string) string {
	scheme := "http"
	if h.srv.Mode().Name() == "https" {
		scheme = "https"
	}
	return scheme + "://" + h.addr + path
}

func (h *harness) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := h.client.Get(h.url(path))
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_ServesFileInBothModes(t *testing.T) {
	for _, useTLS := range []bool{false, true} {
		name := "plain"
		if useTLS {
			name = "tls"
		}
		t.Run(name, func(t *testing.T) {
			h := start(t, harnessOpts{tls: useTLS})

			code, body := h.get(t, "/fw.bin")
			if code != http.StatusOK {
				t.Errorf("status = %d, want 200", code)
			}
			if string(body) != string(firmware) {
				t.Errorf("body = %q, want %q", body, firmware)
			}

			code, _ = h.get(t, "/missing.bin")
			if code != http.StatusNotFound {
				t.Errorf("missing status = %d, want 404", code)
			}

			want := "http"
			if useTLS {
				want = "https"
			}
			if got := testutil.ToFloat64(h.metrics.ConnectionsAccepted.WithLabelValues(want)); got < 1 {
				t.Errorf("connections_accepted_total{mode=%q} = %v, want >= 1", want, got)
			}
		})
	}
}

func TestServer_Addr(t *testing.T) {
	h := start(t, harnessOpts{})
	eventually(t, "Addr", func() bool { return h.srv.Addr() != nil })
	if got := h.srv.Addr().String(); got != h.addr {
		t.Errorf("Addr() = %q, want %q", got, h.addr)
	}
}

func TestServer_StalledClientDoesNotBlockOthers(t *testing.T) {
	for _, useTLS := range []bool{false, true} {
		t.Run(strconv.FormatBool(useTLS), func(t *testing.T) {
			h := start(t, harnessOpts{tls: useTLS})

			// Connected but silent: no request line, no ClientHello.
			h.dial(t)
			stalled := h.dial(t)
			io.WriteString(stalled, "GET /fw")

			begin := time.Now()
			code, _ := h.get(t, "/fw.bin")
			if code != http.StatusOK {
				t.Errorf("status = %d, want 200", code)
			}
			if elapsed := time.Since(begin); elapsed > time.Second {
				t.Errorf("request took %v behind stalled clients", elapsed)
			}
		})
	}
}

func TestServer_FailedHandshakeIsolated(t *testing.T) {
	h := start(t, harnessOpts{tls: true})

	bad := h.dial(t)
	io.WriteString(bad, "GET /fw.bin HTTP/1.1\r\nHost: localhost\r\n\r\n")

	code, body := h.get(t, "/fw.bin")
	if code != http.StatusOK || string(body) != string(firmware) {
		t.Errorf("after bad handshake: status = %d, body = %q", code, body)
	}

	eventually(t, "handshake failure metric", func() bool {
		return testutil.ToFloat64(h.metrics.HandshakeFailures.WithLabelValues(tlsterm.ReasonNotTLS)) == 1
	})

	_ = bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := bad.Read(make([]byte, 1)); err == nil {
		t.Error("bad connection still open after failed handshake")
	}
}

func TestServer_HandshakeTimeout(t *testing.T) {
	h := start(t, harnessOpts{tls: true})

	silent := h.dial(t)
	eventually(t, "handshake timeout", func() bool {
		return testutil.ToFloat64(h.metrics.HandshakeFailures.WithLabelValues(tlsterm.ReasonTimeout)) == 1
	})

	_ = silent.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := silent.Read(make([]byte, 1)); err == nil {
		t.Error("silent connection still open after handshake timeout")
	}
}

func TestServer_MalformedRequestIsolated(t *testing.T) {
	h := start(t, harnessOpts{})

	bad := h.dial(t)
	io.WriteString(bad, "NOT-HTTP\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(bad), nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	code, _ := h.get(t, "/fw.bin")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}

	eventually(t, "connection error metric", func() bool {
		return testutil.ToFloat64(h.metrics.ConnectionErrors) == 1
	})
}

func TestServer_MalformedRequestOnReusedConnection(t *testing.T) {
	h := start(t, harnessOpts{})

	conn := h.dial(t)
	br := bufio.NewReader(conn)

	io.WriteString(conn, "GET /fw.bin HTTP/1.1\r\nHost: localhost\r\n\r\n")
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != string(firmware) {
		t.Fatalf("first request: status = %d, body = %q", resp.StatusCode, body)
	}

	io.WriteString(conn, "GET /fw.bin HTTP/1.1\r\nHost localhost\r\n\r\n")
	resp, err = http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed request: status = %d, want 400", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := br.ReadByte(); err == nil {
		t.Error("connection still open after malformed request")
	}

	eventually(t, "connection error metric", func() bool {
		return testutil.ToFloat64(h.metrics.ConnectionErrors) == 1
	})

	code, body := h.get(t, "/fw.bin")
	if code != http.StatusOK || string(body) != string(firmware) {
		t.Errorf("new connection: status = %d, body = %q", code, body)
	}
}

func TestServer_StreamsLargeImage(t *testing.T) {
	image := make([]byte, 8<<20+123)
	for i := range image {
		image[i] = byte(i*31 + i>>9)
	}
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "esp32.bin"), image, 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := fileserver.New(root, fileserver.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("fileserver.New() error = %v", err)
	}

	for _, useTLS := range []bool{false, true} {
		name := "plain"
		if useTLS {
			name = "tls"
		}
		t.Run(name, func(t *testing.T) {
			h := start(t, harnessOpts{tls: useTLS, handler: files})

			resp, err := h.client.Get(h.url("/esp32.bin"))
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if resp.ContentLength != int64(len(image)) {
				t.Errorf("Content-Length = %d, want %d", resp.ContentLength, len(image))
			}
			got, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if !bytes.Equal(got, image) {
				t.Errorf("body differs: got %d bytes, want %d", len(got), len(image))
			}
		})
	}
}

func TestServer_RejectsOverLimit(t *testing.T) {
	h := start(t, harnessOpts{limits: Config{MaxConnections: 1, Overflow: config.OverflowReject}})

	holder := h.dial(t)
	eventually(t, "holder admitted", func() bool {
		return testutil.ToFloat64(h.metrics.ConnectionsActive) == 1
	})

	excess := h.dial(t)
	_ = excess.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := excess.Read(make([]byte, 1)); err == nil {
		t.Error("excess connection was not closed")
	}
	if got := testutil.ToFloat64(h.metrics.ConnectionsRejected); got != 1 {
		t.Errorf("connections_rejected_total = %v, want 1", got)
	}

	holder.Close()
	eventually(t, "slot released", func() bool {
		return testutil.ToFloat64(h.metrics.ConnectionsActive) == 0
	})

	code, _ := h.get(t, "/fw.bin")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 after slot freed", code)
	}
}

func TestServer_QueuesOverLimit(t *testing.T) {
	h := start(t, harnessOpts{limits: Config{MaxConnections: 1, Overflow: config.OverflowQueue}})

	holder := h.dial(t)
	eventually(t, "holder admitted", func() bool {
		return testutil.ToFloat64(h.metrics.ConnectionsActive) == 1
	})

	got := make(chan int, 1)
	go func() {
		resp, err := h.client.Get(h.url("/fw.bin"))
		if err != nil {
			got <- -1
			return
		}
		resp.Body.Close()
		got <- resp.StatusCode
	}()

	select {
	case code := <-got:
		t.Fatalf("queued request finished early with %d", code)
	case <-time.After(200 * time.Millisecond):
	}

	holder.Close()
	select {
	case code := <-got:
		if code != http.StatusOK {
			t.Errorf("status = %d, want 200", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued request never served")
	}
	if v := testutil.ToFloat64(h.metrics.ConnectionsRejected); v != 0 {
		t.Errorf("connections_rejected_total = %v, want 0 in queue mode", v)
	}
}

func TestServer_RecoversConnectionPanic(t *testing.T) {
	var calls atomic.Int32
	h := start(t, harnessOpts{
		serve: func(d *conndriver.Driver) ServeFunc {
			return func(ctx context.Context, conn net.Conn) error {
				if calls.Add(1) == 1 {
					panic("boom")
				}
				return d.Serve(ctx, conn)
			}
		},
	})

	first := h.dial(t)
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := first.Read(make([]byte, 1)); err == nil {
		t.Error("panicking connection was not closed")
	}

	code, _ := h.get(t, "/fw.bin")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 after panic", code)
	}
}

func TestServer_ConnectionErrorCounted(t *testing.T) {
	h := start(t, harnessOpts{
		serve: func(*conndriver.Driver) ServeFunc {
			return func(ctx context.Context, conn net.Conn) error {
				conn.Close()
				return &conndriver.ConnectionError{Peer: conn.RemoteAddr(), Err: io.ErrClosedPipe}
			}
		},
	})

	h.dial(t)
	eventually(t, "connection error metric", func() bool {
		return testutil.ToFloat64(h.metrics.ConnectionErrors) == 1
	})
}

// flakyListener fails Accept a fixed number of times before delegating.
type flakyListener struct {
	net.Listener
	fails atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.fails.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestServer_AcceptErrorsDoNotStopLoop(t *testing.T) {
	driver, err := conndriver.New(firmwareHandler(), conndriver.Config{}, discardLogger())
	if err != nil {
		t.Fatalf("conndriver.New() error = %v", err)
	}
	reg := metric.NewRegistry()
	srv := New(Config{}, Plain(), driver.Serve, WithLogger(discardLogger()), WithMetrics(reg), WithDrain(driver.Shutdown))

	inner, err := Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	ln := &flakyListener{Listener: inner}
	ln.fails.Store(20)

	go srv.Run(context.Background(), ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	client := &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{}}
	resp, err := client.Get("http://" + inner.Addr().String() + "/fw.bin")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := testutil.ToFloat64(reg.AcceptErrors); got != 20 {
		t.Errorf("accept_errors_total = %v, want 20", got)
	}
}

func TestServer_ShutdownWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h := start(t, harnessOpts{
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			once.Do(func() { close(entered) })
			<-release
			w.Write(firmware)
		}),
	})

	got := make(chan int, 1)
	go func() {
		resp, err := h.client.Get(h.url("/fw.bin"))
		if err != nil {
			got <- -1
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		got <- resp.StatusCode
	}()
	<-entered

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- h.srv.Shutdown(ctx)
	}()

	select {
	case err := <-shutdownErr:
		t.Fatalf("Shutdown() returned %v before in-flight request finished", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if code := <-got; code != http.StatusOK {
		t.Errorf("in-flight status = %d, want 200", code)
	}
	if err := <-shutdownErr; err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := <-h.runErr; err != nil {
		t.Errorf("Run() error = %v, want nil after Shutdown", err)
	}

	if _, err := net.DialTimeout("tcp", h.addr, time.Second); err == nil {
		t.Error("Dial() succeeded after Shutdown")
	}
}

func TestServer_RunAfterShutdown(t *testing.T) {
	srv := New(Config{}, Plain(), func(context.Context, net.Conn) error { return nil })
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	ln, err := Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := srv.Run(context.Background(), ln); err != nil {
		t.Errorf("Run() after Shutdown = %v, want nil", err)
	}
	if _, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second); err == nil {
		t.Error("listener left open by Run after Shutdown")
	}
}

func TestBind_AddressInUse(t *testing.T) {
	first, err := Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer first.Close()

	port := first.Addr().(*net.TCPAddr).Port
	_, err = Bind("127.0.0.1", port)

	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Bind() error = %v, want *BindError", err)
	}
	if bindErr.Addr != net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) {
		t.Errorf("BindError.Addr = %q", bindErr.Addr)
	}
}

func TestBind_InvalidAddress(t *testing.T) {
	_, err := Bind("256.0.0.1", 8070)
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Bind() error = %v, want *BindError", err)
	}
}

func TestModeNames(t *testing.T) {
	if got := Plain().Name(); got != "http" {
		t.Errorf("Plain().Name() = %q", got)
	}
	if got := TLS(&tls.Config{}, 0).Name(); got != "https" {
		t.Errorf("TLS().Name() = %q", got)
	}
}
