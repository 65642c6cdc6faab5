package core

import (
	"io"
	"log/slog"
	"strings"
)

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger returns a JSON structured logger writing to w at the named
// level (debug, info, warn, error). Unknown levels fall back to info.
func NewSlogLogger(w io.Writer, level string) *SlogLogger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLogLevel(level)})
	return &SlogLogger{l: slog.New(h)}
}

// WrapSlog adapts an existing slog logger.
func WrapSlog(l *slog.Logger) *SlogLogger { return &SlogLogger{l: l} }

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Slog exposes the wrapped logger for components that take *slog.Logger.
func (s *SlogLogger) Slog() *slog.Logger { return s.l }

// With returns a logger carrying the extra attributes.
func (s *SlogLogger) With(args ...any) *SlogLogger { return &SlogLogger{l: s.l.With(args...)} }

func (s *SlogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
