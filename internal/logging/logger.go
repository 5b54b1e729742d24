// Package logging builds the process-wide zap logger shared by every
// component: the route table, the proxy pipeline, the ACME client, and the
// admin surface all take a *zap.Logger by constructor injection rather than
// reaching for a package-level global.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FileSink, when non-nil, routes logs to a rotating file instead of stdout.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// CreateLogger builds a configured zap logger: JSON and sampled in
// production, console and colorized in development.
func CreateLogger(level, environment string, sink *FileSink) (*zap.Logger, error) {
	var cfg zap.Config

	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}

	var zapLevel zapcore.Level
	if err := zapLevel.Set(level); err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	cfg.InitialFields = map[string]interface{}{
		"service": "temps-edge",
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}

	if sink == nil {
		logger, err := cfg.Build(opts...)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		return logger, nil
	}

	encoder := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   sink.Path,
		MaxSize:    orDefault(sink.MaxSizeMB, 100),
		MaxBackups: orDefault(sink.MaxBackups, 5),
		MaxAge:     orDefault(sink.MaxAgeDays, 28),
		Compress:   true,
	})
	core := zapcore.NewCore(encoder, writer, cfg.Level)
	return zap.New(core, opts...), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
