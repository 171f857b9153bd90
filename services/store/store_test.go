package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otplink/internal/config"
	"otplink/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{Timezone: "UTC"}
	db := testutil.NewTestDB(t, Models()...)
	return New(Params{DB: db, Config: cfg})
}

func TestUpsertUserPreservesApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{ID: 1, Username: "alice", FirstName: "Alice"}))
	require.NoError(t, s.SetApproval(ctx, 1, ApprovalApproved))

	// A later profile sync must not reset the approval decision.
	require.NoError(t, s.UpsertUser(ctx, &User{ID: 1, Username: "alice2", FirstName: "Alice"}))

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "alice2", u.Username)
	require.Equal(t, ApprovalApproved, u.Approved)
}

func TestGetUserMissing(t *testing.T) {
	s := newTestStore(t)

	u, err := s.GetUser(context.Background(), 404)
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestIncrementUserStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{ID: 7}))
	require.NoError(t, s.IncrementUserStats(ctx, 7, 1, 10))
	require.NoError(t, s.IncrementUserStats(ctx, 7, 1, 10))

	u, err := s.GetUser(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, u.TotalNumbers)
	require.Equal(t, 2, u.DailyNumbers)
	require.Equal(t, 20.0, u.Balance)

	var stat DailyStat
	require.NoError(t, s.db.First(&stat, "user_id = ?", 7).Error)
	require.Equal(t, 2, stat.NumbersAdded)
	require.Equal(t, 20.0, stat.Earnings)

	var count int64
	require.NoError(t, s.db.Model(&DailyStat{}).Where("user_id = ?", 7).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestZeroAllDailyCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{ID: 1}))
	require.NoError(t, s.UpsertUser(ctx, &User{ID: 2}))
	require.NoError(t, s.IncrementUserStats(ctx, 1, 3, 30))
	require.NoError(t, s.IncrementUserStats(ctx, 2, 1, 10))

	require.NoError(t, s.ZeroAllDailyCounters(ctx))

	for _, id := range []int64{1, 2} {
		u, err := s.GetUser(ctx, id)
		require.NoError(t, err)
		require.Zero(t, u.DailyNumbers)
		require.NotZero(t, u.TotalNumbers, "cumulative counters survive the reset")
	}
}

func TestDailyReportRankingAndZeroFill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{ID: 1, FirstName: "Idle"}))
	require.NoError(t, s.UpsertUser(ctx, &User{ID: 2, FirstName: "Busy"}))
	require.NoError(t, s.UpsertUser(ctx, &User{ID: 3, FirstName: "Pending"}))
	require.NoError(t, s.SetApproval(ctx, 1, ApprovalApproved))
	require.NoError(t, s.SetApproval(ctx, 2, ApprovalApproved))

	require.NoError(t, s.IncrementUserStats(ctx, 2, 5, 50))
	require.NoError(t, s.IncrementUserStats(ctx, 3, 2, 20))

	rows, err := s.DailyReport(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2, "unapproved users stay out of the report")

	require.EqualValues(t, 2, rows[0].UserID)
	require.Equal(t, 5, rows[0].NumbersAdded)
	require.Equal(t, 50.0, rows[0].Earnings)

	require.EqualValues(t, 1, rows[1].UserID)
	require.Zero(t, rows[1].NumbersAdded)
	require.Zero(t, rows[1].Earnings)
}

func TestStageFlagsAndCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitProgress(ctx, "+8801712345678", 1))
	// Re-init must not clobber the row.
	require.NoError(t, s.SetStage(ctx, "+8801712345678", 2, true))
	require.NoError(t, s.InitProgress(ctx, "+8801712345678", 99))

	p, err := s.GetProgress(ctx, "+8801712345678")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.EqualValues(t, 1, p.UserID)
	require.Equal(t, [StageCount]bool{false, true, false, false}, p.Stages())
	require.Equal(t, 1, p.LinkedCount())
	require.False(t, p.AllLinked())

	for i := 1; i <= StageCount; i++ {
		require.NoError(t, s.SetStage(ctx, "+8801712345678", i, true))
	}
	require.NoError(t, s.MarkCompleted(ctx, "+8801712345678"))

	p, err = s.GetProgress(ctx, "+8801712345678")
	require.NoError(t, err)
	require.True(t, p.AllLinked())
	require.True(t, p.Completed)
}

func TestSetStageRejectsOutOfRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.Error(t, s.SetStage(ctx, "+8801712345678", 0, true))
	require.Error(t, s.SetStage(ctx, "+8801712345678", StageCount+1, true))
}

func TestPurgeIncomplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InitProgress(ctx, "+8801000000001", 1))
	require.NoError(t, s.InitProgress(ctx, "+8801000000002", 1))
	require.NoError(t, s.InitProgress(ctx, "+8801000000003", 2))
	for i := 1; i <= StageCount; i++ {
		require.NoError(t, s.SetStage(ctx, "+8801000000003", i, true))
	}
	require.NoError(t, s.MarkCompleted(ctx, "+8801000000003"))

	deleted, err := s.PurgeIncomplete(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	p, err := s.GetProgress(ctx, "+8801000000003")
	require.NoError(t, err)
	require.NotNil(t, p, "completed rows are permanent history")

	p, err = s.GetProgress(ctx, "+8801000000001")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestSaveSessionReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "coinzaapp", "token-a"))
	require.NoError(t, s.SaveSession(ctx, "coinzaapp", "token-b"))

	var sess SiteSession
	require.NoError(t, s.db.First(&sess, "site_key = ?", "coinzaapp").Error)
	require.Equal(t, "token-b", sess.Token)

	var count int64
	require.NoError(t, s.db.Model(&SiteSession{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestAdminSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{ID: 1}))
	require.NoError(t, s.UpsertUser(ctx, &User{ID: 2}))
	require.NoError(t, s.UpsertUser(ctx, &User{ID: 3}))
	require.NoError(t, s.SetApproval(ctx, 1, ApprovalApproved))
	require.NoError(t, s.SetApproval(ctx, 2, ApprovalRejected))
	require.NoError(t, s.IncrementUserStats(ctx, 1, 4, 40))

	sum, err := s.AdminSummary(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.ApprovedUsers)
	require.EqualValues(t, 1, sum.PendingUsers)
	require.EqualValues(t, 4, sum.TodayNumbers)
	require.EqualValues(t, 4, sum.TotalNumbers)
}

func TestLogActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogActivity(ctx, 1, "number_added", "+8801712345678"))

	var logs []ActivityLog
	require.NoError(t, s.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, "number_added", logs[0].Action)
}
