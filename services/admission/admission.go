package admission

import (
	"sync"

	"go.uber.org/fx"

	"otplink/internal/config"
)

var Module = fx.Module("admission",
	fx.Provide(New),
)

// Decision is the synchronous outcome of an admission attempt.
type Decision int

const (
	Admitted Decision = iota
	AlreadyActive
	OverCapacity
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case AlreadyActive:
		return "already_active"
	case OverCapacity:
		return "over_capacity"
	default:
		return "unknown"
	}
}

// Controller tracks in-flight (user, identifier) pairs and enforces the
// per-user concurrency cap. The capacity check and placeholder registration
// happen in one critical section so two racing submissions cannot both pass.
type Controller struct {
	mu      sync.Mutex
	active  map[int64]map[string]struct{}
	perUser int
}

func New(cfg *config.Config) *Controller {
	return &Controller{
		active:  make(map[int64]map[string]struct{}),
		perUser: cfg.Pipeline.MaxPerUser,
	}
}

// TryAdmit registers the pair if the identifier is not already active for the
// user and the user is under the cap.
func (c *Controller) TryAdmit(userID int64, phone string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	phones, ok := c.active[userID]
	if ok {
		if _, running := phones[phone]; running {
			return AlreadyActive
		}
		if len(phones) >= c.perUser {
			return OverCapacity
		}
	} else {
		phones = make(map[string]struct{})
		c.active[userID] = phones
	}

	phones[phone] = struct{}{}
	return Admitted
}

// Complete removes the pair. It must run on every orchestration exit path.
func (c *Controller) Complete(userID int64, phone string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if phones, ok := c.active[userID]; ok {
		delete(phones, phone)
		if len(phones) == 0 {
			delete(c.active, userID)
		}
	}
}

// ActiveCount reports how many identifiers the user currently has in flight.
func (c *Controller) ActiveCount(userID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active[userID])
}
