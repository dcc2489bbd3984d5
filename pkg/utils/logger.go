package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger   *slog.Logger
	logLevel = new(slog.LevelVar)
	loggerMu sync.RWMutex
)

// LogOptions controls how InitLogger builds the process-wide logger.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// InitLogger installs the process-wide logger. Calling it again replaces the
// previous logger, which lets the CLI apply config after flags are parsed.
func InitLogger(opts ...LogOptions) {
	var o LogOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Output == nil {
		o.Output = os.Stderr
	}
	SetLevel(o.Level)

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if strings.EqualFold(o.Format, "json") {
		h = slog.NewJSONHandler(o.Output, handlerOpts)
	} else {
		h = slog.NewTextHandler(o.Output, handlerOpts)
	}

	loggerMu.Lock()
	logger = slog.New(h)
	loggerMu.Unlock()
	slog.SetDefault(logger)
}

// GetLogger returns the process-wide logger, initializing a default one if needed.
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	InitLogger()
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLevel changes the level of the installed logger. Unknown values map to info.
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

// MaskSensitiveString keeps the first and last four characters of a secret.
func MaskSensitiveString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
