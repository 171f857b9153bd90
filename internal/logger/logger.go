package logger

import (
	"go.uber.org/zap"

	"otplink/internal/config"
)

// Provide returns a zap logger for the application and installs it as the
// process-wide logger so services can use zap.L().
func Provide(cfg *config.Config) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if cfg.AppEnv == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(log)
	return log, nil
}
