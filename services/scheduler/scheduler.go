package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"otplink/internal/config"
	"otplink/pkg/task"
	"otplink/services/session"
	"otplink/services/store"
)

// fireWindow keeps a trigger live for a few minutes past its nominal time so
// a tick delayed across the boundary still fires it.
const fireWindow = 5 * time.Minute

// Scheduler is the timer domain: a minute-polled, timezone-fixed loop that
// hands side effects to the task domain instead of running them inline.
type Scheduler struct {
	cfg   *config.Config
	loc   *time.Location
	guard Guard
	enq   task.Enqueuer

	now func() time.Time
}

type Params struct {
	fx.In
	Config   *config.Config
	Guard    Guard
	Enqueuer task.Enqueuer
}

func New(p Params) (*Scheduler, error) {
	loc, err := p.Config.Location()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:   p.Config,
		loc:   loc,
		guard: p.Guard,
		enq:   p.Enqueuer,
		now:   time.Now,
	}, nil
}

var Module = fx.Module("scheduler",
	fx.Provide(
		New,
		NewHandlers,
		provideGuard,
		func(s *store.Store) TaskStore { return s },
		func(r *session.Registry) RewardClaimer { return r },
		func() AdminNotifier { return LogNotifier{} },
	),
	fx.Invoke(registerHandlers, run),
)

func provideGuard(rdb *redis.Client) Guard {
	if rdb != nil {
		return NewRedisGuard(rdb)
	}
	return NewMemoryGuard()
}

func registerHandlers(h *Handlers, mux *asynq.ServeMux) {
	h.Register(mux)
}

func run(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// Run polls once per minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	zap.L().Info("scheduler started",
		zap.String("timezone", s.cfg.Timezone),
		zap.String("reset_at", s.cfg.Schedule.ResetAt),
		zap.String("report_at", s.cfg.Schedule.ReportAt),
		zap.Int("claim_minute", s.cfg.Schedule.ClaimMinute))

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick evaluates every trigger against the current zone time. Each trigger
// is guarded per logical period, so running more often than once a minute
// is harmless.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().In(s.loc)
	date := now.Format("2006-01-02")

	if s.due(now, s.cfg.Schedule.ResetAt) && s.guard.Once(ctx, "daily_reset", date) {
		s.dispatch(TaskDailyReset, now, date)
	}

	if s.due(now, s.cfg.Schedule.ReportAt) && s.guard.Once(ctx, "daily_report", date) {
		s.dispatch(TaskDailyReport, now, date)
	}

	if now.Minute() == s.cfg.Schedule.ClaimMinute {
		hour := fmt.Sprintf("%s-%02d", date, now.Hour())
		if s.guard.Once(ctx, "reward_claim", hour) {
			s.dispatch(TaskRewardClaim, now, hour)
		}
	}
}

// due reports whether now falls in the firing window after the "HH:MM"
// trigger time.
func (s *Scheduler) due(now time.Time, clock string) bool {
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil {
		return false
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, s.loc)
	return !now.Before(at) && now.Before(at.Add(fireWindow))
}

func (s *Scheduler) dispatch(taskType string, now time.Time, period string) {
	zap.L().Info("trigger fired", zap.String("task", taskType), zap.String("period", period))
	if _, err := s.enq.Enqueue(NewTriggerTask(taskType, TriggerPayload{FiredAt: now, Period: period})); err != nil {
		zap.L().Error("trigger dispatch failed", zap.String("task", taskType), zap.Error(err))
	}
}
