package sqladapter

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var initOnce sync.Once

// InitLogging configures the package-level slog default from LOGLEVEL
// (spec §6's boundary-only environment variable). Safe to call more than
// once; only the first call takes effect.
func InitLogging() {
	initOnce.Do(func() {
		level := slog.LevelWarn
		switch strings.ToLower(os.Getenv("LOGLEVEL")) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(handler))
	})
}
