package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/fwserve-go/internal/infra/buildinfo"
	"github.com/yndnr/fwserve-go/internal/infra/confloader"
	"github.com/yndnr/fwserve-go/internal/infra/shutdown"
	"github.com/yndnr/fwserve-go/internal/infra/tlsidentity"
	"github.com/yndnr/fwserve-go/internal/server/config"
	"github.com/yndnr/fwserve-go/internal/server/conndriver"
	"github.com/yndnr/fwserve-go/internal/server/fileserver"
	"github.com/yndnr/fwserve-go/internal/server/httpserver"
	"github.com/yndnr/fwserve-go/internal/server/listener"
	"github.com/yndnr/fwserve-go/internal/telemetry/logger"
	"github.com/yndnr/fwserve-go/internal/telemetry/metric"
)

// instance is one assembled firmware endpoint.
type instance struct {
	cfg     *config.ServerConfig
	log     logger.Logger
	metrics *metric.Registry
	driver  *conndriver.Driver
	server  *listener.Server
	files   *fileserver.Handler
	cert    *tlsidentity.Identity
}

// newInstance wires the handler, connection driver and accept loop for cfg.
// TLS material is loaded here, once; a failure is fatal to startup.
func newInstance(cfg *config.ServerConfig, log logger.Logger, reg *metric.Registry) (*instance, error) {
	in := &instance{cfg: cfg, log: log, metrics: reg}
	slogger := log.Slog()

	files, err := fileserver.New(cfg.Server.Dir, fileserver.WithLogger(slogger))
	if err != nil {
		return nil, fmt.Errorf("open serving directory: %w", err)
	}
	in.files = files

	driver, err := conndriver.New(fileserver.Wrap(files, slogger, reg), conndriver.Config{
		ReadHeaderTimeout:    cfg.Timeouts.ReadHeader,
		IdleTimeout:          cfg.Timeouts.Idle,
		WriteTimeout:         cfg.Timeouts.Write,
		HTTP2:                cfg.HTTP2.Enabled,
		MaxConcurrentStreams: cfg.HTTP2.MaxConcurrentStreams,
		Cleartext:            !cfg.TLSEnabled(),
	}, slogger)
	if err != nil {
		return nil, fmt.Errorf("configure HTTP engine: %w", err)
	}
	in.driver = driver

	mode := listener.Plain()
	if cfg.TLSEnabled() {
		id, err := tlsidentity.Load(cfg.Server.CertDir)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		in.cert = id
		mode = listener.TLS(tlsidentity.ServerConfig(id, cfg.HTTP2.Enabled), cfg.Timeouts.Handshake)
	}

	in.server = listener.New(listener.Config{
		MaxConnections: cfg.Limits.MaxConnections,
		Overflow:       cfg.Limits.Overflow,
	}, mode, driver.Serve,
		listener.WithLogger(slogger),
		listener.WithMetrics(reg),
		listener.WithDrain(driver.Shutdown),
	)

	return in, nil
}

// logStartup reports the mode, address, directory and certificate in use.
func (in *instance) logStartup(addr net.Addr) {
	cfg := in.cfg
	in.log.Info("fwserve listening",
		"mode", in.server.Mode().Name(),
		"addr", addr.String(),
		"dir", in.files.Root(),
		"max_connections", cfg.Limits.MaxConnections,
		"overflow", cfg.Limits.Overflow,
		"handshake_timeout", durationOrOff(cfg.Timeouts.Handshake),
		"http2", cfg.HTTP2.Enabled)

	if in.cert != nil {
		args := append([]any{
			"cert", in.cert.CertFile,
			"key", in.cert.KeyFile,
		}, tlsidentity.Describe(in.cert).LogArgs()...)
		in.log.Info("TLS certificate loaded", args...)
	}

	in.log.Info(fmt.Sprintf("devices should fetch %s://%s/<image>", cfg.Scheme(), hintHost(cfg, addr)))
}

// hintHost is the host:port a device would use. The wildcard address is
// replaced by this machine's hostname.
func hintHost(cfg *config.ServerConfig, addr net.Addr) string {
	host := cfg.Server.IP
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		if h, err := os.Hostname(); err == nil && h != "" {
			host = h
		}
	}
	port := cfg.Server.Port
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// serveAction is the root command: load config, start serving, wait for a
// signal, then shut down.
func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	log.Info("starting fwserve", buildinfo.LogArgs()...)

	reg := metric.NewRegistry()
	in, err := newInstance(cfg, log, reg)
	if err != nil {
		return err
	}

	ln, err := listener.Bind(cfg.Server.IP, cfg.Server.Port)
	if err != nil {
		return err
	}

	return run(c.Context, in, ln, c.String("config"), c.IsSet("log-level"))
}

// run serves on ln until ctx ends, a signal arrives or the accept loop
// fails, then runs the shutdown hooks.
func run(ctx context.Context, in *instance, ln net.Listener, configFile string, levelPinned bool) error {
	cfg, log := in.cfg, in.log

	// Cancelling connCtx force-closes connections still open after the drain.
	connCtx, forceClose := context.WithCancel(context.Background())
	defer forceClose()

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	sh := shutdown.NewHandler(cfg.Shutdown.Timeout)
	sh.OnShutdown(func(context.Context) error {
		forceClose()
		return nil
	})

	failed := make(chan error, 2)

	if cfg.Metrics.Addr != "" {
		admin := httpserver.New(httpserver.NewHandler(cfg.Metrics.Path, in.metrics.Handler()))
		adminLn, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("bind metrics listener: %w", err)
		}
		go func() {
			if err := admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				failed <- fmt.Errorf("metrics server: %w", err)
				stopWaiting()
			}
		}()
		sh.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down metrics server")
			return admin.Shutdown(ctx)
		})
		log.Info("metrics listening", "addr", adminLn.Addr().String(), "path", cfg.Metrics.Path)
	}

	if configFile != "" && !levelPinned {
		if w, err := watchLogLevel(configFile, log); err != nil {
			log.Warn("config watcher disabled", "file", configFile, "error", err)
		} else {
			sh.OnShutdown(func(context.Context) error { return w.Stop() })
		}
	}

	sh.OnShutdown(func(ctx context.Context) error {
		log.Info("draining connections")
		return in.server.Shutdown(ctx)
	})

	go func() {
		if err := in.server.Run(connCtx, ln); err != nil {
			failed <- fmt.Errorf("accept loop: %w", err)
			stopWaiting()
		}
	}()

	in.logStartup(ln.Addr())

	shutdownErr := sh.WaitContext(waitCtx)

	select {
	case err := <-failed:
		return err
	default:
	}

	if shutdownErr != nil {
		log.Error("shutdown error", "error", shutdownErr)
		return shutdownErr
	}

	log.Info("server stopped gracefully")
	return nil
}

// watchLogLevel applies log.level from configFile whenever it changes.
func watchLogLevel(configFile string, log logger.Logger) (*confloader.Watcher, error) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log.Slog()))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(configFile); err != nil {
		_ = w.Stop()
		return nil, err
	}
	w.OnChange(func(path string) {
		level := reloadLogLevel(path)
		if level == "" || level == logger.GetLevel() {
			return
		}
		logger.SetLevel(level)
		log.Info("log level changed", "level", level)
	})
	w.StartAsync()
	return w, nil
}
