package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New debug 模式使用开发配置（彩色、debug 级别），其余使用生产 JSON 配置
func New(mode string) (*zap.Logger, error) {
	if mode == "debug" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
