package observability

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the JSON logger for a process. Every entry carries
// component so server and client logs can be told apart. LOG_LEVEL selects
// the level (DEBUG, INFO, WARN, ERROR; default INFO).
func NewLogger(component string) (*zap.Logger, error) {
	return loggerConfig(component, os.Getenv("LOG_LEVEL")).Build()
}

func loggerConfig(component, level string) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = parseLogLevel(level)
	if component != "" {
		cfg.InitialFields = map[string]interface{}{"component": component}
	}
	return cfg
}

func parseLogLevel(s string) zap.AtomicLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "WARN":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "ERROR":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}

// SyncLogger flushes buffered log entries before exit. Sync on a terminal or
// pipe stderr fails with EINVAL or ENOTTY on some platforms; those are ignored.
func SyncLogger(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	err := logger.Sync()
	if err == nil || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return err
}
