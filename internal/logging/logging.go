// Package logging provides structured logging for the SST transport.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/time/rate"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyPeerEID   = "peer_eid"
	KeyEndpoint  = "endpoint"
	KeyLocalAddr = "local_addr"
	KeyChannel   = "channel"
	KeySeq       = "seq"
	KeyAckSeq    = "ack_seq"
	KeyStreamID  = "sid"
	KeyUSID      = "usid"
	KeyService   = "service"
	KeyProtocol  = "protocol"
	KeyMagic     = "magic"
	KeyError     = "error"
	KeyDuration  = "duration"
	KeyCount     = "count"
)

// SecurityLogger rate-limits log records about packets that fail
// cryptographic verification. Forged traffic must not be able to
// flood the log faster than the limiter allows.
type SecurityLogger struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewSecurityLogger wraps logger with a token bucket of burst entries
// refilled at perSec records per second.
func NewSecurityLogger(logger *slog.Logger, perSec float64, burst int) *SecurityLogger {
	if logger == nil {
		logger = NopLogger()
	}
	return &SecurityLogger{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// Warn logs a rate-limited warning. Suppressed records are dropped.
func (s *SecurityLogger) Warn(msg string, args ...any) {
	if s.limiter.Allow() {
		s.logger.Warn(msg, args...)
	}
}

// Debug logs a rate-limited debug record.
func (s *SecurityLogger) Debug(msg string, args ...any) {
	if s.limiter.Allow() {
		s.logger.Debug(msg, args...)
	}
}
