// Package vtlog wires the daemon and every forwarder process to a single
// structured logger, initialized once at startup.
package vtlog

import (
	"io"
	"log/slog"
	"os"
)

// Log is the process-wide logger. It is safe to use before Init is called;
// Init just swaps the handler underneath it.
var Log = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init configures the package-level logger from a level name and an
// optional log file path. level is one of "debug", "info", "warn", "error";
// anything else defaults to "info".
func Init(level string, logFile string) error {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writers := []io.Writer{os.Stderr}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

// For component-scoped loggers: vtlog.For("forwarder").Info("started", "session", id).
func For(component string) *slog.Logger {
	return Log.With("component", component)
}
