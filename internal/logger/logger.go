package logger

import (
	"fmt"

	"call-trade-bot-go/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "call-trader"

// NewLogger creates a new zap.Logger instance based on the provided configuration.
func NewLogger(cfg config.Logger) (*zap.Logger, error) {
	zcfg, err := buildConfig(cfg)
	if err != nil {
		return nil, err
	}
	return zcfg.Build(zap.Fields(zap.String("service", serviceName)))
}

func buildConfig(cfg config.Logger) (zap.Config, error) {
	logLevel, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return zap.Config{}, err
	}

	var zcfg zap.Config
	switch cfg.Format {
	case "json":
		zcfg = zap.NewProductionConfig()
		// Trade decisions must never be dropped by the sampler.
		zcfg.Sampling = nil
	case "", "console":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return zap.Config{}, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zcfg.Level = zap.NewAtomicLevelAt(logLevel)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg, nil
}
