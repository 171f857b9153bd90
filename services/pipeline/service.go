package pipeline

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"otplink/internal/config"
	"otplink/services/admission"
	"otplink/services/limiter"
	"otplink/services/progress"
	"otplink/services/session"
	"otplink/services/store"
)

// Synchronous rejections reported to the submitter before any work starts.
var (
	ErrInvalidPhone        = errors.New("invalid phone number format")
	ErrNotApproved         = errors.New("user not approved")
	ErrOutsideWorkingHours = errors.New("outside working hours")
	ErrNotReady            = errors.New("sessions initializing")
	ErrAlreadyActive       = errors.New("identifier already being processed")
	ErrOverCapacity        = errors.New("too many concurrent identifiers")
)

var phonePattern = regexp.MustCompile(`^\+\d{10,15}$`)

// Registry is the session surface the pipeline consumes.
type Registry interface {
	Get(siteKey string) session.API
	Refresh(ctx context.Context, siteKey string) bool
	IsReady() bool
}

// Store is the slice of the persistence contract the pipeline needs beyond
// the progress tracker.
type Store interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	IncrementUserStats(ctx context.Context, id int64, deltaCount int, deltaEarnings float64) error
	LogActivity(ctx context.Context, userID int64, action, details string) error
}

// Service drives submissions through the four-stage linking pipeline.
type Service struct {
	cfg       *config.Config
	registry  Registry
	limiter   *limiter.Pool
	admission *admission.Controller
	tracker   *progress.Tracker
	store     Store
	node      *snowflake.Node
}

type Params struct {
	fx.In
	Config    *config.Config
	Registry  Registry
	Limiter   *limiter.Pool
	Admission *admission.Controller
	Tracker   *progress.Tracker
	Store     Store
	Node      *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		cfg:       p.Config,
		registry:  p.Registry,
		limiter:   p.Limiter,
		admission: p.Admission,
		tracker:   p.Tracker,
		store:     p.Store,
		node:      p.Node,
	}
}

var Module = fx.Module("pipeline",
	fx.Provide(
		NewService,
		func(r *session.Registry) Registry { return r },
		func(s *store.Store) Store { return s },
	),
)

// Submit validates and admits one (user, identifier) submission. Rejections
// are returned synchronously; on admission the orchestration unit runs in the
// background and the returned channel carries its typed progress events until
// it is closed.
func (s *Service) Submit(ctx context.Context, userID int64, phone string) (<-chan Event, error) {
	if !phonePattern.MatchString(phone) {
		return nil, ErrInvalidPhone
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Approved != store.ApprovalApproved {
		return nil, ErrNotApproved
	}

	if !s.cfg.WithinWorkingHours(time.Now()) {
		return nil, ErrOutsideWorkingHours
	}

	if !s.registry.IsReady() {
		return nil, ErrNotReady
	}

	switch s.admission.TryAdmit(userID, phone) {
	case admission.AlreadyActive:
		return nil, ErrAlreadyActive
	case admission.OverCapacity:
		return nil, ErrOverCapacity
	}

	// The event count per submission is bounded well below the buffer size,
	// so the unit never blocks on a slow consumer.
	events := make(chan Event, 32)

	sid := s.node.Generate().String()
	go s.run(context.WithoutCancel(ctx), sid, userID, phone, events)

	return events, nil
}

// run is one orchestration unit. Cleanup is unconditional: the admission
// entry is released and the event stream closed on every exit path,
// including panics.
func (s *Service) run(ctx context.Context, sid string, userID int64, phone string, events chan<- Event) {
	log := zap.L().With(
		zap.String("submission_id", sid),
		zap.Int64("user_id", userID),
		zap.String("phone", phone),
	)

	defer close(events)
	defer s.admission.Complete(userID, phone)
	defer func() {
		if r := recover(); r != nil {
			log.Error("submission panicked", zap.Any("panic", r))
			events <- SubmissionFailed{Phone: phone}
		}
	}()

	if err := s.tracker.Ensure(ctx, phone, userID); err != nil {
		log.Error("progress init failed", zap.Error(err))
		events <- SubmissionFailed{Phone: phone}
		return
	}

	// Already complete: report success without touching any upstream.
	if done, err := s.tracker.TryComplete(ctx, phone); err == nil && done {
		events <- SubmissionCompleted{Phone: phone, AlreadyDone: true}
		return
	}

	stages, err := s.tracker.IncompleteStages(ctx, phone)
	if err != nil {
		log.Error("progress read failed", zap.Error(err))
		events <- SubmissionFailed{Phone: phone}
		return
	}

	events <- SubmissionStarted{
		SubmissionID: sid,
		Phone:        phone,
		Completed:    store.StageCount - len(stages),
		Total:        store.StageCount,
	}

	for _, idx := range stages {
		site, ok := s.cfg.SiteByIndex(idx)
		client := session.API(nil)
		if ok {
			client = s.registry.Get(site.Key)
		}
		if !ok || client == nil {
			log.Warn("site unavailable", zap.Int("stage", idx))
			events <- s.stageFailed(ctx, phone, idx, ReasonSiteUnavailable)
			break
		}

		events <- StageStarted{Stage: idx, SiteName: site.Name}

		code := s.acquireCode(ctx, log, site, client, phone, idx, events)
		if code == "" {
			log.Warn("code acquisition exhausted", zap.Int("stage", idx))
			events <- s.stageFailed(ctx, phone, idx, ReasonCodeUnavailable)
			break
		}

		events <- CodeIssued{Stage: idx, Code: code}

		if !s.awaitConfirmation(ctx, log, site, client, phone, idx, events) {
			log.Warn("confirmation timed out", zap.Int("stage", idx))
			events <- s.stageFailed(ctx, phone, idx, ReasonConfirmTimeout)
			break
		}

		if err := s.tracker.SetStage(ctx, phone, idx); err != nil {
			log.Error("stage persist failed", zap.Int("stage", idx), zap.Error(err))
			events <- SubmissionFailed{Phone: phone}
			return
		}
		if _, err := s.tracker.TryComplete(ctx, phone); err != nil {
			log.Error("completion check failed", zap.Error(err))
		}

		n, _ := s.tracker.LinkedCount(ctx, phone)
		log.Info("stage linked", zap.Int("stage", idx), zap.Int("completed", n))
		events <- StageConfirmed{Stage: idx, Completed: n, Total: store.StageCount}
	}

	s.finalize(ctx, log, userID, phone, events)
}

// finalize runs after the stage loop on every non-fault path and settles the
// submission: payment on completion, resumable pause otherwise.
func (s *Service) finalize(ctx context.Context, log *zap.Logger, userID int64, phone string, events chan<- Event) {
	done, err := s.tracker.TryComplete(ctx, phone)
	if err != nil {
		log.Error("final completion check failed", zap.Error(err))
		events <- SubmissionFailed{Phone: phone}
		return
	}

	if !done {
		n, _ := s.tracker.LinkedCount(ctx, phone)
		events <- SubmissionPaused{Phone: phone, Completed: n, Total: store.StageCount}
		return
	}

	payment := s.cfg.Pipeline.PaymentPerItem
	if err := s.store.IncrementUserStats(ctx, userID, 1, payment); err != nil {
		log.Error("stats update failed", zap.Error(err))
	}
	if err := s.store.LogActivity(ctx, userID, "number_added", phone); err != nil {
		log.Warn("activity log failed", zap.Error(err))
	}

	out := SubmissionCompleted{Phone: phone, Earned: payment}
	if user, err := s.store.GetUser(ctx, userID); err == nil && user != nil {
		out.Balance = user.Balance
		out.DailyCount = user.DailyNumbers
		out.TotalCount = user.TotalNumbers
	}

	log.Info("submission completed", zap.Float64("earned", payment))
	events <- out
}

func (s *Service) stageFailed(ctx context.Context, phone string, idx int, reason FailReason) StageFailed {
	n, _ := s.tracker.LinkedCount(ctx, phone)
	return StageFailed{Stage: idx, Reason: reason, Completed: n, Total: store.StageCount}
}

// acquireCode makes up to the configured number of code attempts while
// holding the site's rate-limiter slot. The slot is released as soon as the
// attempts finish; confirmation polling does not consume one. An expiry error
// triggers one immediate refresh; otherwise the session is refreshed
// proactively after the second failed attempt.
func (s *Service) acquireCode(ctx context.Context, log *zap.Logger, site config.SiteConfig, client session.API, phone string, stage int, events chan<- Event) string {
	if err := s.limiter.Acquire(ctx, site.Key); err != nil {
		return ""
	}
	defer s.limiter.Release(site.Key)

	refreshed := false
	for attempt := 1; attempt <= s.cfg.Pipeline.CodeAttempts; attempt++ {
		code, err := client.RequestCode(ctx, phone)
		if err == nil && code != "" {
			return code
		}

		log.Debug("code attempt failed", zap.Int("stage", stage), zap.Int("attempt", attempt), zap.Error(err))

		if errors.Is(err, session.ErrSessionExpired) && !refreshed {
			refreshed = true
			events <- SessionRefreshing{Stage: stage}
			if s.registry.Refresh(ctx, site.Key) {
				if fresh := s.registry.Get(site.Key); fresh != nil {
					client = fresh
				}
			}
			continue
		}

		if attempt == s.cfg.Pipeline.CodeAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ""
		case <-time.After(s.cfg.Pipeline.RetryBackoff):
		}

		if attempt == 2 && !refreshed {
			refreshed = true
			events <- SessionRefreshing{Stage: stage}
			if s.registry.Refresh(ctx, site.Key) {
				if fresh := s.registry.Get(site.Key); fresh != nil {
					client = fresh
				}
			}
		}
	}
	return ""
}

// awaitConfirmation polls the status check at a fixed interval up to the
// poll budget. Exactly one session expiry triggers a refresh-and-continue
// without restarting the budget; all other transient errors are swallowed.
func (s *Service) awaitConfirmation(ctx context.Context, log *zap.Logger, site config.SiteConfig, client session.API, phone string, stage int, events chan<- Event) bool {
	refreshed := false

	for poll := 0; poll < s.cfg.Pipeline.PollBudget; poll++ {
		st, err := client.CheckStatus(ctx, phone)
		if err == nil {
			if st.Success {
				log.Info("confirmation detected", zap.Int("stage", stage), zap.Int("poll", poll), zap.Int("code", st.Code))
				return true
			}
			if st.Expired && !refreshed {
				refreshed = true
				events <- SessionRefreshing{Stage: stage}
				if s.registry.Refresh(ctx, site.Key) {
					if fresh := s.registry.Get(site.Key); fresh != nil {
						client = fresh
					}
				}
			}
		} else {
			log.Debug("status poll error", zap.Int("stage", stage), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.Pipeline.PollInterval):
		}
	}
	return false
}
