package logger

import (
	"github.com/Brownie44l1/plant-disease-api/internal/config"

	"go.uber.org/zap"
)

func NewLogger(env string) (*zap.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	switch env {
	case config.EnvProd:
		l, err = zap.NewProduction()
	case config.EnvTest:
		l = zap.NewExample()
	default:
		l, err = zap.NewDevelopment()
	}

	return l, err
}

func MustNewLogger(env string) *zap.Logger {
	return zap.Must(NewLogger(env))
}
