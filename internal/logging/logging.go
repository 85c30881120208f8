// Package logging provides the single structured logger construction
// point used across the daemon, so every subsystem logs with the same
// encoding and level policy.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger. Encoding is console (human-readable)
// by default; set MEMCLOUD_LOG_JSON=1 for JSON output, the shape a
// supervising process manager typically wants.
func New(component string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if os.Getenv("MEMCLOUD_LOG_JSON") == "" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if os.Getenv("MEMCLOUD_LOG_DEBUG") != "" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		// zap's own production config should never fail to build; fall
		// back to a no-op logger rather than taking down the daemon over
		// a logging misconfiguration.
		logger = zap.NewNop()
	}
	return logger.Named(component).Sugar()
}

// Noop returns a logger that discards everything, for tests that don't
// want log output cluttering `go test -v`.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
