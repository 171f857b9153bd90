package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"otplink/internal/config"
	"otplink/internal/logger"
	"otplink/pkg/db"
	"otplink/pkg/redis"
	"otplink/pkg/task"
	"otplink/services/admission"
	"otplink/services/limiter"
	"otplink/services/pipeline"
	"otplink/services/progress"
	"otplink/services/scheduler"
	"otplink/services/session"
	"otplink/services/store"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.Provide,
			logger.Provide,
			provideSnowflakeNode,
		),
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		store.Module,
		session.Module,
		limiter.Module,
		admission.Module,
		progress.Module,
		pipeline.Module,
		scheduler.Module,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
