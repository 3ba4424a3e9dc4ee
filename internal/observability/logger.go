package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger for structured logging
type Logger struct {
	*zap.Logger
}

// NewLogger creates a new logger with the specified level
func NewLogger(level string) (*Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// NewNopLogger creates a logger that discards all output, for tests
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithOperationID adds operation_id to the logger context
func (l *Logger) WithOperationID(operationID string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("operation_id", operationID))}
}

// WithScopeKey adds scope_key to the logger context
func (l *Logger) WithScopeKey(scopeKey string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("scope_key", scopeKey))}
}

// WithEntityType adds entity_type to the logger context
func (l *Logger) WithEntityType(entityType string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("entity_type", entityType))}
}
