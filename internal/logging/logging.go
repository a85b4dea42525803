// Package logging builds the zap logger every component shares: JSON
// output with {ts, level, service, msg} fields, matching the original
// Python services' JsonFormatter shape.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger at the given level (any name zap recognizes:
// debug, info, warn, error, dpanic, panic, fatal — anything else falls
// back to info), tagging every entry with a
// "service" field.
func New(level, service string) (*zap.Logger, error) {
	var zlevel zapcore.Level
	if err := zlevel.UnmarshalText([]byte(level)); err != nil {
		zlevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zlevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    encoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.MessageKey = "msg"
	ec.LevelKey = "level"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	return ec
}
