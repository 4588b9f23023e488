// Package log provides structured logging utilities for the NOCK pool services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(minerID, worker string) *Logger {
	return l.WithFields("miner_id", minerID, "worker_name", worker)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(fingerprint string, difficulty uint64) *Logger {
	return l.WithFields("share_fingerprint", fingerprint, "difficulty", difficulty)
}

// WithTemplate returns a logger with block template fields
func (l *Logger) WithTemplate(height uint64, prevHash string) *Logger {
	return l.WithFields("block_height", height, "prev_hash", prevHash)
}

// WithPayout returns a logger with payout-specific fields
func (l *Logger) WithPayout(payoutID, minerID string, amount string) *Logger {
	return l.WithFields("payout_id", payoutID, "miner_id", minerID, "amount", amount)
}

// WithBridge returns a logger with bridge operation fields
func (l *Logger) WithBridge(op string, nonce uint64) *Logger {
	return l.WithFields("bridge_op", op, "bridge_nonce", nonce)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs submission protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareResult logs the outcome of a share submission
func (l *Logger) LogShareResult(minerID, worker string, difficulty uint64, status string) {
	l.Info("share processed",
		"miner_id", minerID,
		"worker_name", worker,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs when a block solution is accepted
func (l *Logger) LogBlockFound(blockHash string, height uint64, minerID, worker string, achieved uint64) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", height,
		"miner_id", minerID,
		"worker_name", worker,
		"achieved_difficulty", achieved,
	)
}

// LogBridgeEvent logs a bridge state transition
func (l *Logger) LogBridgeEvent(event string, nonce uint64, amount, fee uint64) {
	l.Info("bridge event",
		"event", event,
		"bridge_nonce", nonce,
		"amount", amount,
		"fee", fee,
	)
}
