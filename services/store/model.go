package store

import "time"

// ApprovalStatus is the tri-state account gate.
type ApprovalStatus int

const (
	ApprovalPending  ApprovalStatus = 0
	ApprovalApproved ApprovalStatus = 1
	ApprovalRejected ApprovalStatus = -1
)

type User struct {
	ID           int64          `gorm:"column:user_id;primaryKey"`
	Username     string         `gorm:"column:username"`
	FirstName    string         `gorm:"column:first_name"`
	LastName     string         `gorm:"column:last_name"`
	Approved     ApprovalStatus `gorm:"column:approved;default:0"`
	Balance      float64        `gorm:"column:balance;default:0"`
	TotalNumbers int            `gorm:"column:total_numbers;default:0"`
	DailyNumbers int            `gorm:"column:daily_numbers;default:0"`
	JoinedAt     time.Time      `gorm:"column:joined_at;autoCreateTime"`
}

func (User) TableName() string { return "users" }

// StageCount is the fixed length of the linking pipeline.
const StageCount = 4

// stageColumns maps 0-based stage offsets to their columns. Stage writes go
// through this table, never through a string-built column name.
var stageColumns = [StageCount]string{
	"site1_linked",
	"site2_linked",
	"site3_linked",
	"site4_linked",
}

// NumberProgress tracks one identifier through the four linking stages. The
// phone number is the primary key: progress is global, not per-user.
type NumberProgress struct {
	Phone       string    `gorm:"column:phone_number;primaryKey"`
	UserID      int64     `gorm:"column:user_id"`
	Site1Linked bool      `gorm:"column:site1_linked;default:false"`
	Site2Linked bool      `gorm:"column:site2_linked;default:false"`
	Site3Linked bool      `gorm:"column:site3_linked;default:false"`
	Site4Linked bool      `gorm:"column:site4_linked;default:false"`
	Completed   bool      `gorm:"column:completed;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	LastUpdated time.Time `gorm:"column:last_updated;autoUpdateTime"`
}

func (NumberProgress) TableName() string { return "number_progress" }

// Stages returns the four flags indexed 0..3.
func (p *NumberProgress) Stages() [StageCount]bool {
	return [StageCount]bool{p.Site1Linked, p.Site2Linked, p.Site3Linked, p.Site4Linked}
}

// LinkedCount returns how many stages are done.
func (p *NumberProgress) LinkedCount() int {
	n := 0
	for _, done := range p.Stages() {
		if done {
			n++
		}
	}
	return n
}

// AllLinked reports whether every stage flag is set.
func (p *NumberProgress) AllLinked() bool {
	return p.LinkedCount() == StageCount
}

type DailyStat struct {
	ID           int64   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       int64   `gorm:"column:user_id;uniqueIndex:idx_user_date"`
	Date         string  `gorm:"column:date;uniqueIndex:idx_user_date"`
	NumbersAdded int     `gorm:"column:numbers_added;default:0"`
	Earnings     float64 `gorm:"column:earnings;default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// SiteSession is the persisted snapshot of one upstream login. Rows are
// replaced wholesale on refresh, never mutated field by field.
type SiteSession struct {
	SiteKey   string    `gorm:"column:site_key;primaryKey"`
	Token     string    `gorm:"column:token"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (SiteSession) TableName() string { return "sessions" }

type ActivityLog struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64     `gorm:"column:user_id"`
	Action    string    `gorm:"column:action"`
	Details   string    `gorm:"column:details"`
	CreatedAt time.Time `gorm:"column:timestamp;autoCreateTime"`
}

func (ActivityLog) TableName() string { return "activity_log" }

// ReportRow is one line of the daily report, ranked by numbers added.
type ReportRow struct {
	UserID       int64   `gorm:"column:user_id"`
	FirstName    string  `gorm:"column:first_name"`
	Username     string  `gorm:"column:username"`
	NumbersAdded int     `gorm:"column:numbers_added"`
	Earnings     float64 `gorm:"column:earnings"`
}

// AdminSummary aggregates platform-wide counters for the admin panel.
type AdminSummary struct {
	ApprovedUsers int64
	PendingUsers  int64
	TodayNumbers  int64
	TotalNumbers  int64
}

// Models lists every persisted type for migration.
func Models() []any {
	return []any{
		&User{},
		&NumberProgress{},
		&DailyStat{},
		&SiteSession{},
		&ActivityLog{},
	}
}
