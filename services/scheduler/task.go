package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"otplink/services/session"
	"otplink/services/store"
)

const (
	TaskDailyReset  = "sched:daily_reset"
	TaskDailyReport = "sched:daily_report"
	TaskRewardClaim = "sched:reward_claim"
)

// TriggerPayload records when and why a scheduled task was dispatched.
type TriggerPayload struct {
	FiredAt time.Time `json:"fired_at"`
	Period  string    `json:"period"`
}

func NewTriggerTask(taskType string, p TriggerPayload) *asynq.Task {
	payload, _ := json.Marshal(p)
	return asynq.NewTask(taskType, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("scheduled"))
}

// AdminNotifier delivers scheduled summaries to the administrative
// recipient. The messaging front end provides the real implementation.
type AdminNotifier interface {
	DailyReport(ctx context.Context, rows []store.ReportRow) error
	RewardSummary(ctx context.Context, results map[string]session.RewardResult) error
}

// LogNotifier is the default binding when no front end is attached.
type LogNotifier struct{}

func (LogNotifier) DailyReport(_ context.Context, rows []store.ReportRow) error {
	zap.L().Info("daily report", zap.Int("users", len(rows)))
	return nil
}

func (LogNotifier) RewardSummary(_ context.Context, results map[string]session.RewardResult) error {
	claimed := 0
	for _, r := range results {
		if r.Claimed {
			claimed++
		}
	}
	zap.L().Info("reward claim summary", zap.Int("claimed", claimed), zap.Int("sites", len(results)))
	return nil
}

// RewardClaimer is the registry surface the handlers need.
type RewardClaimer interface {
	ClaimAllRewards(ctx context.Context) map[string]session.RewardResult
}

// TaskStore is the persistence surface the handlers need.
type TaskStore interface {
	ZeroAllDailyCounters(ctx context.Context) error
	PurgeIncomplete(ctx context.Context) (int64, error)
	DailyReport(ctx context.Context) ([]store.ReportRow, error)
}

// Handlers executes the scheduled side effects on the task domain, keeping
// slow external calls off the scheduler loop.
type Handlers struct {
	store    TaskStore
	registry RewardClaimer
	notifier AdminNotifier
}

func NewHandlers(s TaskStore, r RewardClaimer, n AdminNotifier) *Handlers {
	return &Handlers{store: s, registry: r, notifier: n}
}

// Register attaches the handlers to the asynq mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskDailyReset, h.HandleDailyReset)
	mux.HandleFunc(TaskDailyReport, h.HandleDailyReport)
	mux.HandleFunc(TaskRewardClaim, h.HandleRewardClaim)
}

// HandleDailyReset zeroes every user's daily counters and purges incomplete
// progress records. Completed records are kept as permanent history.
func (h *Handlers) HandleDailyReset(ctx context.Context, _ *asynq.Task) error {
	if err := h.store.ZeroAllDailyCounters(ctx); err != nil {
		return err
	}

	deleted, err := h.store.PurgeIncomplete(ctx)
	if err != nil {
		return err
	}

	zap.L().Info("daily reset completed", zap.Int64("purged", deleted))
	return nil
}

// HandleDailyReport aggregates today's per-user stats and delivers the
// ranked report.
func (h *Handlers) HandleDailyReport(ctx context.Context, _ *asynq.Task) error {
	rows, err := h.store.DailyReport(ctx)
	if err != nil {
		return err
	}
	return h.notifier.DailyReport(ctx, rows)
}

// HandleRewardClaim claims the periodic reward on every site and delivers
// the per-site summary.
func (h *Handlers) HandleRewardClaim(ctx context.Context, _ *asynq.Task) error {
	results := h.registry.ClaimAllRewards(ctx)
	return h.notifier.RewardSummary(ctx, results)
}
