// Package config defines the server configuration structure.
package config

import "time"

// Overflow policies.
const (
	OverflowReject = "reject"
	OverflowQueue  = "queue"
)

// Default configuration values.
const (
	DefaultIP   = "0.0.0.0"
	DefaultPort = 8070

	DefaultMaxConnections = 256
	DefaultOverflow       = OverflowReject

	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultReadHeaderTimeout = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second

	DefaultMaxConcurrentStreams = 100

	DefaultMetricsPath     = "/metrics"
	HealthPath             = "/healthz"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Default returns the default server configuration.
//
// Write timeout defaults to zero: a slow device pulling a multi-megabyte
// image over a weak link must not be cut off mid-transfer.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			IP:   DefaultIP,
			Port: DefaultPort,
		},
		Limits: LimitsSection{
			MaxConnections: DefaultMaxConnections,
			Overflow:       DefaultOverflow,
		},
		Timeouts: TimeoutsSection{
			Handshake:  DefaultHandshakeTimeout,
			ReadHeader: DefaultReadHeaderTimeout,
			Idle:       DefaultIdleTimeout,
		},
		HTTP2: HTTP2Section{
			Enabled:              true,
			MaxConcurrentStreams: DefaultMaxConcurrentStreams,
		},
		Metrics: MetricsSection{
			Path: DefaultMetricsPath,
		},
		Shutdown: ShutdownSection{
			Timeout: DefaultShutdownTimeout,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
