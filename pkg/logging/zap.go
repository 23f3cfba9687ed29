package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig controls the zap backend of the daemon logger.
type ZapConfig struct {
	Level  string `yaml:"level,omitempty"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format,omitempty"` // "json" (default) or "console"
	Output string `yaml:"output,omitempty"` // "stdout", "stderr" or a file path
}

// DefaultZapConfig returns the daemon's default logging backend configuration.
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stdout",
	}
}

// NewZapLogger builds a Logger backed by a zap sugared logger.
// The returned close function flushes buffered entries.
func NewZapLogger(prefix string, config ZapConfig) (Logger, func(), error) {
	zapLogger, err := createZapLogger(config)
	if err != nil {
		return nil, nil, err
	}

	sugar := zapLogger.Sugar()
	logger := NewLogger(prefix, LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	})

	return logger, func() { _ = zapLogger.Sync() }, nil
}

func createZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default: // "json" or anything else
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout", "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	case "stderr":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", config.Output, err)
		}
		writeSyncer = zapcore.Lock(zapcore.AddSync(file))
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	return zap.New(core), nil
}
