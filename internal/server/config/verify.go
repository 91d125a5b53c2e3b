// Package config defines the server configuration structure.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Verify validates the configuration and canonicalizes its paths in place.
func Verify(cfg *ServerConfig) error {
	if cfg == nil {
		return errors.New("server config is nil")
	}
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyLimits(&cfg.Limits); err != nil {
		return err
	}
	if err := verifyTimeouts(&cfg.Timeouts); err != nil {
		return err
	}
	if cfg.Metrics.Addr != "" {
		if err := verifyMetricsPath(cfg.Metrics.Path); err != nil {
			return err
		}
	}
	return nil
}

// verifyMetricsPath rejects paths the admin mux cannot register next to the
// health check.
func verifyMetricsPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", p)
	}
	if strings.ContainsAny(p, "{} \t") {
		return fmt.Errorf("metrics.path must be a plain path, got %q", p)
	}
	if path.Clean(p) == HealthPath {
		return fmt.Errorf("metrics.path %q collides with the health check", p)
	}
	return nil
}

func verifyServer(cfg *ServerSection) error {
	if cfg.Dir == "" {
		return errors.New("server.dir is required")
	}
	dir, err := canonicalDir(cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to find serving directory %q: %w", cfg.Dir, err)
	}
	cfg.Dir = dir

	if cfg.IP == "" {
		cfg.IP = DefaultIP
	}
	if net.ParseIP(cfg.IP) == nil {
		return fmt.Errorf("server.ip %q is not an IP address", cfg.IP)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", cfg.Port)
	}

	if cfg.CertDir != "" {
		certDir, err := canonicalDir(cfg.CertDir)
		if err != nil {
			return fmt.Errorf("failed to find certificate directory %q: %w", cfg.CertDir, err)
		}
		cfg.CertDir = certDir
	}
	return nil
}

func verifyLimits(cfg *LimitsSection) error {
	if cfg.MaxConnections < 0 {
		return errors.New("limits.max_connections must not be negative")
	}
	switch cfg.Overflow {
	case "":
		cfg.Overflow = DefaultOverflow
	case OverflowReject, OverflowQueue:
	default:
		return fmt.Errorf("limits.overflow must be %q or %q, got %q", OverflowReject, OverflowQueue, cfg.Overflow)
	}
	return nil
}

func verifyTimeouts(cfg *TimeoutsSection) error {
	if cfg.Handshake < 0 || cfg.ReadHeader < 0 || cfg.Idle < 0 || cfg.Write < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// canonicalDir resolves dir to an absolute, symlink-free directory.
func canonicalDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}
