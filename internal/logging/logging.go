package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps LOG_LEVEL values onto slog levels. Unknown values fall back
// to the production default.
func ParseLevel(l string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Init installs the default slog logger. The relay passes info so it logs
// room activity; the chat client keeps quiet unless LOG_LEVEL says otherwise
// because stderr shares the terminal with the UI.
func Init(fallback slog.Level) {
	InitWriter(os.Stderr, fallback)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, fallback slog.Level) {
	level := fallback
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l)
	}

	logger := slog.New(
		slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}
