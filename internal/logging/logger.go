package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates the service's JSON slog logger on stdout at the provided level.
// If the level string is invalid it defaults to info.
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, options(level, slog.LevelInfo)))
}

// NewText creates a human-readable logger on w, used by the admin CLI so its
// diagnostics stay off stdout. An invalid level falls back to warn.
func NewText(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, options(level, slog.LevelWarn)))
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func options(level string, fallback slog.Level) *slog.HandlerOptions {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(fallback)
	}
	return &slog.HandlerOptions{Level: lvl}
}
