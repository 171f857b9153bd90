package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"otplink/internal/config"
)

// Store is the persistence backend for the orchestration core. All durable
// state lives here; the core never assumes it holds a row lock across calls,
// so every mutation is a single atomic statement or transaction.
type Store struct {
	db  *gorm.DB
	cfg *config.Config
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func New(p Params) *Store {
	return &Store{db: p.DB, cfg: p.Config}
}

var Module = fx.Module("store",
	fx.Provide(New),
	fx.Invoke(migrate),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func (s *Store) today() string {
	loc, err := s.cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format("2006-01-02")
}

// ---- users ----

func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "user_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// UpsertUser creates or updates profile fields, preserving the existing
// approval status and counters on conflict.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name"}),
	}).Create(u).Error
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *Store) SetApproval(ctx context.Context, id int64, status ApprovalStatus) error {
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", id).
		Update("approved", status).Error
	if err != nil {
		return fmt.Errorf("set approval for user %d: %w", id, err)
	}
	return nil
}

// IncrementUserStats bumps the user's cumulative and daily counters and
// upserts the per-(user, date) aggregate row in one transaction.
func (s *Store) IncrementUserStats(ctx context.Context, id int64, deltaCount int, deltaEarnings float64) error {
	today := s.today()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&User{}).Where("user_id = ?", id).Updates(map[string]any{
			"total_numbers": gorm.Expr("total_numbers + ?", deltaCount),
			"daily_numbers": gorm.Expr("daily_numbers + ?", deltaCount),
			"balance":       gorm.Expr("balance + ?", deltaEarnings),
		}).Error; err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]any{
				"numbers_added": gorm.Expr("numbers_added + ?", deltaCount),
				"earnings":      gorm.Expr("earnings + ?", deltaEarnings),
			}),
		}).Create(&DailyStat{
			UserID:       id,
			Date:         today,
			NumbersAdded: deltaCount,
			Earnings:     deltaEarnings,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("increment stats for user %d: %w", id, err)
	}
	return nil
}

func (s *Store) ZeroAllDailyCounters(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("1 = 1").
		Update("daily_numbers", 0).Error
	if err != nil {
		return fmt.Errorf("zero daily counters: %w", err)
	}
	return nil
}

// DailyReport returns today's per-user aggregates for approved users, ranked
// by numbers added descending. Users with no activity appear zero-filled at
// the bottom.
func (s *Store) DailyReport(ctx context.Context) ([]ReportRow, error) {
	var rows []ReportRow
	err := s.db.WithContext(ctx).Model(&User{}).
		Select("users.user_id, users.first_name, users.username, COALESCE(daily_stats.numbers_added, 0) AS numbers_added, COALESCE(daily_stats.earnings, 0) AS earnings").
		Joins("LEFT JOIN daily_stats ON daily_stats.user_id = users.user_id AND daily_stats.date = ?", s.today()).
		Where("users.approved = ?", ApprovalApproved).
		Order("numbers_added DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("daily report: %w", err)
	}
	return rows, nil
}

func (s *Store) LogActivity(ctx context.Context, userID int64, action, details string) error {
	err := s.db.WithContext(ctx).Create(&ActivityLog{
		UserID:  userID,
		Action:  action,
		Details: details,
	}).Error
	if err != nil {
		return fmt.Errorf("log activity %q: %w", action, err)
	}
	return nil
}

// AdminSummary aggregates platform counters for the administrative overview.
func (s *Store) AdminSummary(ctx context.Context) (*AdminSummary, error) {
	var out AdminSummary
	db := s.db.WithContext(ctx)

	if err := db.Model(&User{}).Where("approved = ?", ApprovalApproved).Count(&out.ApprovedUsers).Error; err != nil {
		return nil, fmt.Errorf("admin summary: %w", err)
	}
	if err := db.Model(&User{}).Where("approved = ?", ApprovalPending).Count(&out.PendingUsers).Error; err != nil {
		return nil, fmt.Errorf("admin summary: %w", err)
	}

	var today, total int64
	if err := db.Model(&User{}).Where("approved = ?", ApprovalApproved).
		Select("COALESCE(SUM(daily_numbers), 0)").Scan(&today).Error; err != nil {
		return nil, fmt.Errorf("admin summary: %w", err)
	}
	if err := db.Model(&User{}).Where("approved = ?", ApprovalApproved).
		Select("COALESCE(SUM(total_numbers), 0)").Scan(&total).Error; err != nil {
		return nil, fmt.Errorf("admin summary: %w", err)
	}
	out.TodayNumbers = today
	out.TotalNumbers = total
	return &out, nil
}

// ---- identifier progress ----

func (s *Store) GetProgress(ctx context.Context, phone string) (*NumberProgress, error) {
	var p NumberProgress
	err := s.db.WithContext(ctx).First(&p, "phone_number = ?", phone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", phone, err)
	}
	return &p, nil
}

// InitProgress creates the progress record if absent. Re-submissions reuse
// the existing row.
func (s *Store) InitProgress(ctx context.Context, phone string, userID int64) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone_number"}},
		DoNothing: true,
	}).Create(&NumberProgress{Phone: phone, UserID: userID}).Error
	if err != nil {
		return fmt.Errorf("init progress %s: %w", phone, err)
	}
	return nil
}

// SetStage flips one stage flag. Index is 1-based; the column is resolved
// through the fixed stage table.
func (s *Store) SetStage(ctx context.Context, phone string, index int, done bool) error {
	if index < 1 || index > StageCount {
		return fmt.Errorf("set stage %s: index %d out of range", phone, index)
	}
	err := s.db.WithContext(ctx).Model(&NumberProgress{}).
		Where("phone_number = ?", phone).
		Updates(map[string]any{
			stageColumns[index-1]: done,
			"last_updated":        time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("set stage %d for %s: %w", index, phone, err)
	}
	return nil
}

// MarkCompleted sets the one-directional completed flag.
func (s *Store) MarkCompleted(ctx context.Context, phone string) error {
	err := s.db.WithContext(ctx).Model(&NumberProgress{}).
		Where("phone_number = ?", phone).
		Updates(map[string]any{
			"completed":    true,
			"last_updated": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", phone, err)
	}
	return nil
}

// PurgeIncomplete deletes every progress record that never completed.
// Completed rows are permanent history.
func (s *Store) PurgeIncomplete(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("completed = ?", false).Delete(&NumberProgress{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge incomplete progress: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ---- sessions ----

// SaveSession replaces the stored session snapshot for a site.
func (s *Store) SaveSession(ctx context.Context, siteKey, token string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "site_key"}},
		DoUpdates: clause.Assignments(map[string]any{"token": token, "created_at": time.Now()}),
	}).Create(&SiteSession{SiteKey: siteKey, Token: token}).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", siteKey, err)
	}
	return nil
}
