// Package config provides server configuration for fwserve.
//
// This package defines the server configuration structure and validation:
//
//   - spec.go: ServerConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Validation and path canonicalization
//
// Configuration is loaded via internal/infra/confloader and supports
// multiple sources: files, environment variables, and flags.
//
// A ServerConfig is built once at startup and never mutated after Verify;
// every connection goroutine reads it through a shared pointer.
package config
