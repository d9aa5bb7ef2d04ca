package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog logger for the named service and
// returns it. LOG_FORMAT selects the handler ("text" for human-readable,
// anything else for JSON); LOG_LEVEL selects the minimum level
// ("debug", "info", "warn", "error", default "info"). Stdlib log output
// is rerouted through the returned logger.
func Init(service string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: levelFromEnv()}

	var h slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(h).With(slog.String("service", service))
	slog.SetDefault(logger)

	log.SetFlags(0)
	log.SetOutput(redirectWriter{logger: logger})

	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redirectWriter funnels stdlib log.Printf output into slog so nothing
// escapes the structured stream.
type redirectWriter struct {
	logger *slog.Logger
}

func (w redirectWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), slog.String("source", "stdlib"))
	return len(p), nil
}
