// Package buildinfo provides build information for fwserve.
//
// This package exposes build-time information injected via ldflags:
//
//   - Version: Semantic version (e.g., "1.0.0")
//   - Commit: Git commit hash
//   - BuildTime: Build timestamp
//
// GoVersion falls back to the running toolchain when not injected.
//
// Usage:
//
//	go build -ldflags "-X github.com/yndnr/fwserve-go/internal/infra/buildinfo.Version=1.0.0"
package buildinfo
