package logging

import (
	"log/slog"
	"os"
)

// NewLogger builds the root logger for the given environment. Production
// emits JSON at info level for the device log shipper; anything else is
// readable text at debug level for a tethered handheld.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	if env == "production" {
		opts.Level = slog.LevelInfo

		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// WithComponent tags a logger with the component name so engine, store,
// and connectivity lines can be told apart in one stream.
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}
