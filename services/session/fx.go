package session

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"otplink/services/store"
)

var Module = fx.Module("session",
	fx.Provide(
		func() Factory { return NewClient },
		func(s *store.Store) SessionSaver { return s },
		NewRegistry,
	),
	fx.Invoke(warmUp),
)

// warmUp performs the startup login pass off the fx start path so a slow or
// unreachable site cannot block application boot.
func warmUp(lc fx.Lifecycle, r *Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if r.InitializeAll(ctx) {
					zap.L().Info("all site sessions established")
				} else {
					zap.L().Warn("running degraded, some site sessions missing")
				}
			}()
			return nil
		},
	})
}
