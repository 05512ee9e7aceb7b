// Package logging configures structured logging for the harness.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/lmittmann/tint"
)

// ParseLevel converts a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler returns a JSON handler for format "json" and a tint handler otherwise.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	// When running under systemd, the journal adds its own timestamps.
	underSystemd := os.Getenv("INVOCATION_ID") != ""
	opts := &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    underSystemd,
	}
	if underSystemd {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return tint.NewHandler(w, opts)
}

// Setup installs the default slog logger writing to stderr.
func Setup(level slog.Level, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, level, format)))
}

// Logger wraps slog for bus call logging.
type Logger struct {
	*slog.Logger
	component string
}

// New creates a Logger backed by the given handler. A nil handler uses the
// current default logger.
func New(h slog.Handler, component string) *Logger {
	l := slog.Default()
	if h != nil {
		l = slog.New(h)
	}
	return &Logger{
		Logger:    l,
		component: component,
	}
}

// WithComponent returns a new Logger with the specified component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.Logger,
		component: component,
	}
}

// LogCall logs a completed D-Bus method call at debug level.
func (l *Logger) LogCall(ctx context.Context, path dbus.ObjectPath, method string, err error) {
	attrs := []slog.Attr{
		slog.String("component", l.component),
		slog.String("path", string(path)),
		slog.String("method", method),
	}
	result := "ok"
	if err != nil {
		result = "error"
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	attrs = append(attrs, slog.String("result", result))

	l.LogAttrs(ctx, slog.LevelDebug, "dbus_call", attrs...)
}

// LogSignal logs a dispatched signal at debug level.
func (l *Logger) LogSignal(ctx context.Context, sig *dbus.Signal) {
	l.LogAttrs(ctx, slog.LevelDebug, "dbus_signal",
		slog.String("component", l.component),
		slog.String("path", string(sig.Path)),
		slog.String("name", sig.Name),
	)
}
