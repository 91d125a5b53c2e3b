package httpserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/yndnr/fwserve-go/internal/server/config"
)

// HealthPath is the liveness endpoint.
const HealthPath = config.HealthPath

// Server represents the admin HTTP server.
type Server struct {
	httpServer *http.Server
}

// New creates a new admin HTTP server around handler.
func New(handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewHandler routes metricsPath to metrics and serves the health check.
func NewHandler(metricsPath string, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metrics)
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	return mux
}

// Serve serves on an already bound listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
