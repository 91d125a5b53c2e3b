// Package config defines the server configuration structure.
package config

import (
	"net"
	"strconv"
	"time"
)

// ServerConfig is the root configuration for fwserve.
type ServerConfig struct {
	Server   ServerSection   `koanf:"server"`
	Limits   LimitsSection   `koanf:"limits"`
	Timeouts TimeoutsSection `koanf:"timeouts"`
	HTTP2    HTTP2Section    `koanf:"http2"`
	Metrics  MetricsSection  `koanf:"metrics"`
	Shutdown ShutdownSection `koanf:"shutdown"`
	Log      LogSection      `koanf:"log"`
}

// ServerSection configures the firmware endpoint.
type ServerSection struct {
	// Dir is the served root. Verify replaces it with its canonical absolute path.
	Dir string `koanf:"dir"`

	// IP is the bind address (default: all interfaces).
	IP string `koanf:"ip"`

	// Port is the bind port.
	Port int `koanf:"port"`

	// CertDir holds ca_cert.pem and ca_key.pem. Empty means plain HTTP.
	CertDir string `koanf:"cert_dir"`
}

// LimitsSection configures admission control.
type LimitsSection struct {
	// MaxConnections caps in-flight connections. 0 disables the cap.
	MaxConnections int `koanf:"max_connections"`

	// Overflow is what happens to connections beyond the cap: "reject" or "queue".
	Overflow string `koanf:"overflow"`
}

// TimeoutsSection configures per-connection deadlines. Zero disables a deadline.
type TimeoutsSection struct {
	Handshake  time.Duration `koanf:"handshake"`
	ReadHeader time.Duration `koanf:"read_header"`
	Idle       time.Duration `koanf:"idle"`
	Write      time.Duration `koanf:"write"`
}

// HTTP2Section configures HTTP/2 negotiation.
type HTTP2Section struct {
	Enabled              bool   `koanf:"enabled"`
	MaxConcurrentStreams uint32 `koanf:"max_concurrent_streams"`
}

// MetricsSection configures the admin listener.
type MetricsSection struct {
	// Addr of the admin listener. Empty disables it.
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// ShutdownSection configures process termination.
type ShutdownSection struct {
	Timeout time.Duration `koanf:"timeout"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Addr returns the host:port the listener binds to.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Server.IP, strconv.Itoa(c.Server.Port))
}

// TLSEnabled reports whether the server runs in HTTPS mode.
func (c *ServerConfig) TLSEnabled() bool {
	return c.Server.CertDir != ""
}

// Scheme returns "https" in TLS mode and "http" otherwise.
func (c *ServerConfig) Scheme() string {
	if c.TLSEnabled() {
		return "https"
	}
	return "http"
}
