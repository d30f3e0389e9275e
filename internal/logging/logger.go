package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production ready structured logger at the given level.
// An empty or unknown level falls back to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"

	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// WithOperation tags the logger with the operation and the result it acts on.
func WithOperation(logger *zap.Logger, operation, resultID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if resultID != "" {
		fields = append(fields, zap.String("result_id", resultID))
	}
	return logger.With(fields...)
}

// WithImage tags the logger with the identity of the image being processed.
func WithImage(logger *zap.Logger, imageID, name string) *zap.Logger {
	fields := []zap.Field{zap.String("image_id", imageID)}
	if name != "" {
		fields = append(fields, zap.String("image_name", name))
	}
	return logger.With(fields...)
}
