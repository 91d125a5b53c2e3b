package command

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/fwserve-go/internal/infra/buildinfo"
	"github.com/yndnr/fwserve-go/internal/infra/confloader"
	"github.com/yndnr/fwserve-go/internal/server/config"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:            "fwserve",
		Usage:           "serve firmware images over HTTP or HTTPS",
		UsageText:       "fwserve --dir <path> [--cert-dir <path>] [options]",
		Version:         buildinfo.String(),
		Flags:           globalFlags(),
		Action:          serveAction,
		Commands:        []*cli.Command{versionCommand()},
		HideHelpCommand: true,
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print detailed build information",
		Action: func(c *cli.Context) error {
			_, err := io.WriteString(c.App.Writer, buildinfo.Long())
			return err
		},
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"dir":               "server.dir",
	"ip":                "server.ip",
	"port":              "server.port",
	"cert-dir":          "server.cert_dir",
	"max-connections":   "limits.max_connections",
	"handshake-timeout": "timeouts.handshake",
	"metrics-addr":      "metrics.addr",
	"log-level":         "log.level",
	"log-format":        "log.format",
}

// globalFlags returns the CLI flags. Each env var matches the key the
// configuration loader derives from it, so both routes agree.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "dir",
			Aliases: []string{"d"},
			Usage:   "directory to serve (required)",
			EnvVars: []string{"FWSERVE_SERVER_DIR"},
		},
		&cli.StringFlag{
			Name:    "ip",
			Aliases: []string{"i"},
			Usage:   "IP address to bind",
			EnvVars: []string{"FWSERVE_SERVER_IP"},
			Value:   config.DefaultIP,
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "port to listen on",
			EnvVars: []string{"FWSERVE_SERVER_PORT"},
			Value:   config.DefaultPort,
		},
		&cli.StringFlag{
			Name:    "cert-dir",
			Aliases: []string{"c"},
			Usage:   "directory holding ca_cert.pem and ca_key.pem; enables HTTPS",
			EnvVars: []string{"FWSERVE_SERVER_CERT_DIR"},
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to a YAML configuration file",
			EnvVars: []string{"FWSERVE_CONFIG"},
		},
		&cli.IntFlag{
			Name:    "max-connections",
			Usage:   "maximum concurrent connections, 0 for unlimited",
			EnvVars: []string{"FWSERVE_LIMITS_MAX_CONNECTIONS"},
			Value:   config.DefaultMaxConnections,
		},
		&cli.DurationFlag{
			Name:    "handshake-timeout",
			Usage:   "TLS handshake deadline, 0 for none",
			EnvVars: []string{"FWSERVE_TIMEOUTS_HANDSHAKE"},
			Value:   config.DefaultHandshakeTimeout,
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "address of the metrics and health listener (disabled if empty)",
			EnvVars: []string{"FWSERVE_METRICS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level: debug, info, warn, error",
			EnvVars: []string{"FWSERVE_LOG_LEVEL"},
			Value:   config.DefaultLogLevel,
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log format: text, json",
			EnvVars: []string{"FWSERVE_LOG_FORMAT"},
			Value:   config.DefaultLogFormat,
		},
	}
}

// overrides collects the flags that were set, keyed by configuration key.
func overrides(c *cli.Context) map[string]any {
	out := make(map[string]any)
	for name, key := range flagKeys {
		if !c.IsSet(name) {
			continue
		}
		switch name {
		case "port", "max-connections":
			out[key] = c.Int(name)
		case "handshake-timeout":
			out[key] = c.Duration(name).String()
		default:
			out[key] = c.String(name)
		}
	}
	return out
}

// loadConfig builds the verified configuration: defaults, then the file,
// then the environment, then explicit flags.
func loadConfig(c *cli.Context) (*config.ServerConfig, error) {
	cfg := config.Default()

	opts := []confloader.Option{confloader.WithOverrides(overrides(c))}
	if path := c.String("config"); path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}

	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// reloadLogLevel reads log.level from path. It returns "" when the file
// cannot be read or does not set the key.
func reloadLogLevel(path string) string {
	l := confloader.NewLoader()
	if err := l.LoadFile(path); err != nil {
		return ""
	}
	return l.GetString("log.level")
}

// PrintError prints an error message to w.
func PrintError(w io.Writer, err error) {
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

// durationOrOff formats d for logs.
func durationOrOff(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return d.String()
}
