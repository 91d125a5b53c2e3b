package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is the application logger interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger

	// WithContext binds ctx to the returned logger and tags its records
	// with the connection and request ids ctx carries.
	WithContext(ctx context.Context) Logger

	// Slog exposes the underlying *slog.Logger for components that take one.
	Slog() *slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string    // debug, info, warn or error
	Format string    // text or json
	Output io.Writer // defaults to os.Stderr

	AddSource bool
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", Output: os.Stderr}
}

// level is shared by every logger New builds, so SetLevel applies to all of
// them at once.
var level = new(slog.LevelVar)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func parseLevel(name string) slog.Level {
	if l, ok := levels[strings.ToLower(name)]; ok {
		return l
	}
	return slog.LevelInfo
}

// SetLevel changes the level of every logger built by New. Unknown names
// mean info.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

// GetLevel returns the current level name.
func GetLevel() string {
	return strings.ToLower(level.Level().String())
}

// New builds a logger writing to cfg.Output. It also resets the shared level
// to cfg.Level.
func New(cfg Config) (Logger, error) {
	SetLevel(cfg.Level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			return redactSensitive(a)
		},
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return FromSlog(slog.New(h)), nil
}

// FromSlog adapts l to the Logger interface. A nil l means slog.Default().
func FromSlog(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{sl: l, ctx: context.Background()}
}

type slogLogger struct {
	sl  *slog.Logger
	ctx context.Context
}

func (l *slogLogger) Debug(msg string, args ...any) { l.sl.Log(l.ctx, slog.LevelDebug, msg, args...) }
func (l *slogLogger) Info(msg string, args ...any) { l.sl.Log(l.ctx, slog.LevelInfo, msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any) { l.sl.Log(l.ctx, slog.LevelWarn, msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.sl.Log(l.ctx, slog.LevelError, msg, args...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{sl: l.sl.With(args...), ctx: l.ctx}
}

func (l *slogLogger) WithContext(ctx context.Context) Logger {
	sl := l.sl
	if id := ConnIDFromContext(ctx); id != "" {
		sl = sl.With("conn_id", id)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		sl = sl.With("request_id", id)
	}
	return &slogLogger{sl: sl, ctx: ctx}
}

func (l *slogLogger) Slog() *slog.Logger {
	return l.sl
}

var std atomic.Pointer[Logger]

func init() {
	l, _ := New(DefaultConfig())
	std.Store(&l)
}

// SetDefault replaces the process-wide logger and installs it as the slog
// default.
func SetDefault(l Logger) {
	std.Store(&l)
	slog.SetDefault(l.Slog())
}

// Default returns the process-wide logger.
func Default() Logger {
	return *std.Load()
}
