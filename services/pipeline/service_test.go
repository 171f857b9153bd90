package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otplink/internal/config"
	"otplink/services/admission"
	"otplink/services/limiter"
	"otplink/services/progress"
	"otplink/services/session"
	"otplink/services/store"
	"otplink/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const testPhone = "+8801712345678"

type fakeClient struct {
	mu       sync.Mutex
	code     string
	codeErrs []error
	statuses []session.Status

	codeCalls   int
	statusCalls int
}

func (f *fakeClient) Login(context.Context) error { return nil }
func (f *fakeClient) Token() string               { return "tok" }

func (f *fakeClient) RequestCode(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCalls++
	if len(f.codeErrs) > 0 {
		err := f.codeErrs[0]
		f.codeErrs = f.codeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if f.code == "" {
		return "", session.ErrNoCode
	}
	return f.code, nil
}

func (f *fakeClient) CheckStatus(context.Context, string) (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statuses) == 0 {
		return session.Status{Waiting: true}, nil
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakeClient) ClaimReward(context.Context) session.RewardResult {
	return session.RewardResult{}
}

type fakeRegistry struct {
	mu        sync.Mutex
	clients   map[string]session.API
	fresh     map[string]session.API
	ready     bool
	refreshes []string
}

func (r *fakeRegistry) Get(siteKey string) session.API {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[siteKey]
}

func (r *fakeRegistry) Refresh(_ context.Context, siteKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes = append(r.refreshes, siteKey)
	if fresh, ok := r.fresh[siteKey]; ok {
		r.clients[siteKey] = fresh
	}
	return true
}

func (r *fakeRegistry) IsReady() bool { return r.ready }

type harness struct {
	svc *Service
	st  *store.Store
	reg *fakeRegistry
	adm *admission.Controller
	cfg *config.Config
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{Timezone: "UTC"}
	cfg.Schedule.WorkStart = "00:00"
	cfg.Schedule.WorkEnd = "23:59"
	cfg.Pipeline.MaxPerUser = 3
	cfg.Pipeline.MaxPerSite = 5
	cfg.Pipeline.CodeAttempts = 3
	cfg.Pipeline.RetryBackoff = time.Millisecond
	cfg.Pipeline.PollInterval = time.Millisecond
	cfg.Pipeline.PollBudget = 5
	cfg.Pipeline.PaymentPerItem = 10
	cfg.Sites = []config.SiteConfig{
		{Key: "s1", Name: "Site 1", Index: 1},
		{Key: "s2", Name: "Site 2", Index: 2},
		{Key: "s3", Name: "Site 3", Index: 3},
		{Key: "s4", Name: "Site 4", Index: 4},
	}
	if tweak != nil {
		tweak(cfg)
	}

	db := testutil.NewTestDB(t, store.Models()...)
	st := store.New(store.Params{DB: db, Config: cfg})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	reg := &fakeRegistry{
		clients: make(map[string]session.API),
		fresh:   make(map[string]session.API),
		ready:   true,
	}
	adm := admission.New(cfg)

	svc := NewService(Params{
		Config:    cfg,
		Registry:  reg,
		Limiter:   limiter.New(cfg),
		Admission: adm,
		Tracker:   progress.New(st),
		Store:     st,
		Node:      node,
	})
	return &harness{svc: svc, st: st, reg: reg, adm: adm, cfg: cfg}
}

func (h *harness) approveUser(t *testing.T, id int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.st.UpsertUser(ctx, &store.User{ID: id, Username: "tester"}))
	require.NoError(t, h.st.SetApproval(ctx, id, store.ApprovalApproved))
}

// linkedClient returns a fake that hands out a code and confirms on the
// first status poll.
func linkedClient(code string) *fakeClient {
	return &fakeClient{code: code, statuses: []session.Status{{Success: true, Code: 1}}}
}

func (h *harness) wireAll() map[string]*fakeClient {
	out := make(map[string]*fakeClient)
	for _, site := range h.cfg.Sites {
		c := linkedClient("123456")
		h.reg.clients[site.Key] = c
		out[site.Key] = c
	}
	return out
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not terminate")
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.wireAll()
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, 1, "8801712345678")
	require.ErrorIs(t, err, ErrInvalidPhone)
	_, err = h.svc.Submit(ctx, 1, "+123")
	require.ErrorIs(t, err, ErrInvalidPhone)

	_, err = h.svc.Submit(ctx, 1, testPhone)
	require.ErrorIs(t, err, ErrNotApproved, "unknown user")

	require.NoError(t, h.st.UpsertUser(ctx, &store.User{ID: 1}))
	_, err = h.svc.Submit(ctx, 1, testPhone)
	require.ErrorIs(t, err, ErrNotApproved, "pending user")

	h.approveUser(t, 1)
	h.reg.ready = false
	_, err = h.svc.Submit(ctx, 1, testPhone)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestSubmitOutsideWorkingHours(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		// An empty window rejects at any wall-clock time.
		cfg.Schedule.WorkStart = "12:00"
		cfg.Schedule.WorkEnd = "11:59"
	})
	h.wireAll()
	h.approveUser(t, 1)

	_, err := h.svc.Submit(context.Background(), 1, testPhone)
	require.ErrorIs(t, err, ErrOutsideWorkingHours)
}

func TestFullRunPaysOnce(t *testing.T) {
	h := newHarness(t, nil)
	clients := h.wireAll()
	h.approveUser(t, 1)
	ctx := context.Background()

	ch, err := h.svc.Submit(ctx, 1, testPhone)
	require.NoError(t, err)
	events := collect(t, ch)

	started, ok := events[0].(SubmissionStarted)
	require.True(t, ok)
	require.Zero(t, started.Completed)
	require.Equal(t, store.StageCount, started.Total)

	var confirmed []StageConfirmed
	for _, ev := range events {
		if c, ok := ev.(StageConfirmed); ok {
			confirmed = append(confirmed, c)
		}
	}
	require.Len(t, confirmed, store.StageCount)
	for i, c := range confirmed {
		require.Equal(t, i+1, c.Stage)
		require.Equal(t, i+1, c.Completed)
	}

	final, ok := events[len(events)-1].(SubmissionCompleted)
	require.True(t, ok)
	require.False(t, final.AlreadyDone)
	require.Equal(t, 10.0, final.Earned)
	require.Equal(t, 10.0, final.Balance)
	require.Equal(t, 1, final.DailyCount)
	require.Equal(t, 1, final.TotalCount)

	for key, c := range clients {
		require.Equal(t, 1, c.codeCalls, "one code request per site (%s)", key)
	}

	rec, err := h.st.GetProgress(ctx, testPhone)
	require.NoError(t, err)
	require.True(t, rec.Completed)

	require.Zero(t, h.adm.ActiveCount(1), "admission entry released")
}

func TestCompletedResubmissionSkipsUpstream(t *testing.T) {
	h := newHarness(t, nil)
	clients := h.wireAll()
	h.approveUser(t, 1)
	ctx := context.Background()

	require.NoError(t, h.st.InitProgress(ctx, testPhone, 1))
	for i := 1; i <= store.StageCount; i++ {
		require.NoError(t, h.st.SetStage(ctx, testPhone, i, true))
	}
	require.NoError(t, h.st.MarkCompleted(ctx, testPhone))

	ch, err := h.svc.Submit(ctx, 1, testPhone)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	final, ok := events[0].(SubmissionCompleted)
	require.True(t, ok)
	require.True(t, final.AlreadyDone)

	for key, c := range clients {
		require.Zero(t, c.codeCalls, "completed identifier must not touch %s", key)
		require.Zero(t, c.statusCalls)
	}

	u, err := h.st.GetUser(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, u.TotalNumbers, "no double payment on resubmission")
}

func TestResumeSkipsLinkedStages(t *testing.T) {
	h := newHarness(t, nil)
	clients := h.wireAll()
	h.approveUser(t, 1)
	ctx := context.Background()

	require.NoError(t, h.st.InitProgress(ctx, testPhone, 1))
	require.NoError(t, h.st.SetStage(ctx, testPhone, 1, true))
	require.NoError(t, h.st.SetStage(ctx, testPhone, 2, true))

	ch, err := h.svc.Submit(ctx, 1, testPhone)
	require.NoError(t, err)
	events := collect(t, ch)

	started, ok := events[0].(SubmissionStarted)
	require.True(t, ok)
	require.Equal(t, 2, started.Completed)

	require.Zero(t, clients["s1"].codeCalls)
	require.Zero(t, clients["s2"].codeCalls)
	require.Equal(t, 1, clients["s3"].codeCalls)
	require.Equal(t, 1, clients["s4"].codeCalls)

	final, ok := events[len(events)-1].(SubmissionCompleted)
	require.True(t, ok)
	require.False(t, final.AlreadyDone)
	require.Equal(t, 1, final.TotalCount)
}

func TestConfirmTimeoutPausesResumable(t *testing.T) {
	h := newHarness(t, nil)
	h.wireAll()
	// Stage one never confirms.
	stuck := &fakeClient{code: "123456"}
	h.reg.clients["s1"] = stuck
	h.approveUser(t, 1)

	ch, err := h.svc.Submit(context.Background(), 1, testPhone)
	require.NoError(t, err)
	events := collect(t, ch)

	var failed *StageFailed
	for _, ev := range events {
		if f, ok := ev.(StageFailed); ok {
			failed = &f
			break
		}
	}
	require.NotNil(t, failed)
	require.Equal(t, 1, failed.Stage)
	require.Equal(t, ReasonConfirmTimeout, failed.Reason)
	require.Zero(t, failed.Completed)

	final, ok := events[len(events)-1].(SubmissionPaused)
	require.True(t, ok)
	require.Zero(t, final.Completed)
	require.Equal(t, store.StageCount, final.Total)

	require.Equal(t, h.cfg.Pipeline.PollBudget, stuck.statusCalls)
	require.Zero(t, h.adm.ActiveCount(1))
}

func TestCodeExhaustionRefreshesProactively(t *testing.T) {
	h := newHarness(t, nil)
	h.wireAll()
	h.reg.clients["s1"] = &fakeClient{} // every attempt yields no code
	h.approveUser(t, 1)

	ch, err := h.svc.Submit(context.Background(), 1, testPhone)
	require.NoError(t, err)
	events := collect(t, ch)

	var refreshing, failed bool
	for _, ev := range events {
		switch e := ev.(type) {
		case SessionRefreshing:
			refreshing = true
		case StageFailed:
			failed = true
			require.Equal(t, ReasonCodeUnavailable, e.Reason)
		}
	}
	require.True(t, refreshing, "second failed attempt triggers a refresh")
	require.True(t, failed)
	require.Equal(t, []string{"s1"}, h.reg.refreshes)

	_, ok := events[len(events)-1].(SubmissionPaused)
	require.True(t, ok)
}

func TestExpiredSessionSwapsClientOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.wireAll()
	expired := &fakeClient{codeErrs: []error{session.ErrSessionExpired}}
	h.reg.clients["s1"] = expired
	h.reg.fresh["s1"] = linkedClient("654321")
	h.approveUser(t, 1)

	ch, err := h.svc.Submit(context.Background(), 1, testPhone)
	require.NoError(t, err)
	events := collect(t, ch)

	require.Equal(t, []string{"s1"}, h.reg.refreshes)

	var issued []CodeIssued
	for _, ev := range events {
		if c, ok := ev.(CodeIssued); ok {
			issued = append(issued, c)
		}
	}
	require.Len(t, issued, store.StageCount)
	require.Equal(t, "654321", issued[0].Code, "code comes from the swapped-in client")

	_, ok := events[len(events)-1].(SubmissionCompleted)
	require.True(t, ok)
}

func TestDuplicateSubmissionRejectedWhileActive(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Pipeline.PollInterval = 5 * time.Millisecond
		cfg.Pipeline.PollBudget = 400
	})
	h.wireAll()
	stuck := &fakeClient{code: "123456"} // stays pending
	h.reg.clients["s1"] = stuck
	h.approveUser(t, 1)
	ctx := context.Background()

	ch, err := h.svc.Submit(ctx, 1, testPhone)
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, 1, testPhone)
	require.ErrorIs(t, err, ErrAlreadyActive)

	// Unblock the run so the harness can shut down cleanly.
	stuck.mu.Lock()
	stuck.statuses = []session.Status{{Success: true}}
	stuck.mu.Unlock()

	collect(t, ch)
	require.Zero(t, h.adm.ActiveCount(1))
}

func TestPerUserCapRejectsFourth(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Pipeline.PollInterval = 5 * time.Millisecond
		cfg.Pipeline.PollBudget = 400
	})
	clients := h.wireAll()
	for _, c := range clients {
		c.mu.Lock()
		c.statuses = nil // keep every run pending
		c.mu.Unlock()
	}
	h.approveUser(t, 1)
	ctx := context.Background()

	phones := []string{"+8801000000001", "+8801000000002", "+8801000000003"}
	var chans []<-chan Event
	for _, p := range phones {
		ch, err := h.svc.Submit(ctx, 1, p)
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	_, err := h.svc.Submit(ctx, 1, "+8801000000004")
	require.ErrorIs(t, err, ErrOverCapacity)

	for _, c := range clients {
		c.mu.Lock()
		c.statuses = []session.Status{{Success: true}}
		c.mu.Unlock()
	}
	for _, ch := range chans {
		collect(t, ch)
	}
}
