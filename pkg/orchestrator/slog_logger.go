package orchestrator

import (
	"log/slog"
	"os"
)

// SlogLogger adapts log/slog to the Logger interface, the pattern the pack
// uses to wire structured logging behind a small interface rather than
// importing slog directly into every component.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger builds a text-handler logger writing to os.Stderr at the
// given level ("debug", "info", "warn", "error"; unrecognized falls back to
// info).
func NewSlogLogger(level string) *SlogLogger {
	return &SlogLogger{l: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }
