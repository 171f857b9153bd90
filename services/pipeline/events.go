package pipeline

// FailReason classifies a hard stage failure.
type FailReason string

const (
	ReasonSiteUnavailable FailReason = "site_unavailable"
	ReasonCodeUnavailable FailReason = "code_unavailable"
	ReasonConfirmTimeout  FailReason = "confirm_timeout"
	ReasonInternal        FailReason = "internal"
)

// Event is one element of the finite progress stream a submission emits.
// The messaging front end renders these; the core never formats user text.
type Event interface {
	event()
}

// SubmissionStarted reports accepted work and how much of it remains.
type SubmissionStarted struct {
	SubmissionID string
	Phone        string
	Completed    int
	Total        int
}

// StageStarted marks the beginning of one linking stage.
type StageStarted struct {
	Stage    int
	SiteName string
}

// CodeIssued carries the one-time code the submitter must enter.
type CodeIssued struct {
	Stage int
	Code  string
}

// SessionRefreshing signals an automatic re-login in progress.
type SessionRefreshing struct {
	Stage int
}

// StageConfirmed reports durable completion of one stage.
type StageConfirmed struct {
	Stage     int
	Completed int
	Total     int
}

// StageFailed reports the hard failure that stopped the submission. Progress
// up to this point is already persisted.
type StageFailed struct {
	Stage     int
	Reason    FailReason
	Completed int
	Total     int
}

// SubmissionCompleted reports full success with the user's new totals.
type SubmissionCompleted struct {
	Phone       string
	AlreadyDone bool
	Earned      float64
	Balance     float64
	DailyCount  int
	TotalCount  int
}

// SubmissionPaused reports partial progress; resubmission resumes at the
// lowest incomplete stage.
type SubmissionPaused struct {
	Phone     string
	Completed int
	Total     int
}

// SubmissionFailed reports an unexpected internal fault.
type SubmissionFailed struct {
	Phone string
}

func (SubmissionStarted) event()   {}
func (StageStarted) event()        {}
func (CodeIssued) event()          {}
func (SessionRefreshing) event()   {}
func (StageConfirmed) event()      {}
func (StageFailed) event()         {}
func (SubmissionCompleted) event() {}
func (SubmissionPaused) event()    {}
func (SubmissionFailed) event()    {}
