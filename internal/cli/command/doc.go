// Package command defines the fwserve command line.
//
// It uses urfave/cli/v2 for flag parsing. Flags override the configuration
// file and FWSERVE_* environment variables; only flags the user actually
// set take part, so unset flags never mask a value from the file.
package command
