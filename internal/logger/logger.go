// Package logger настраивает zap-логгер сервиса.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName добавляется в каждую запись журнала.
const ServiceName = "raffle"

// New создаёт логгер: development-конфигурацию для env=local, production для остальных окружений.
func New(env string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env == "local" {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build(
		zap.Fields(
			zap.String("service", ServiceName),
			zap.String("env", env),
		),
	)
}
