package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedKeys are attribute keys whose values never reach the output.
var redactedKeys = map[string]struct{}{
	"mnemonic":      {},
	"password":      {},
	"seed":          {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"admin_token":   {},
}

// Logger is the keeper's structured logger.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing text records to stdout at level.
func New(level int) *Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter creates a Logger writing text records to w at level.
// Values of secret-bearing keys are replaced before they are written.
func NewWithWriter(w io.Writer, level int) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:       slog.Level(level),
			ReplaceAttr: redact,
		})),
	}
}

// Fatal is equivalent to Error followed by os.Exit(1).
func (l *Logger) Fatal(msg string, args ...any) {
	l.Logger.Error(msg, args...)
	os.Exit(1)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}
