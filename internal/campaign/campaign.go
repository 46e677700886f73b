package campaign

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied at submission time when the caller omits them.
const (
	DefaultInterval = 2 * time.Hour
	DefaultWindow   = 30 * 24 * time.Hour
)

// TaskStatus is the send-task state machine.
// pending is the only non-terminal state; sent and failed are final.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskSent    TaskStatus = "sent"
	TaskFailed  TaskStatus = "failed"
)

// Campaign is a declarative recurrence definition: every calendar day in
// [StartAt, EndAt], each message template is sent to each destination group,
// staggered within the day by the template index times Interval.
//
// Immutable once expanded, except for Active.
type Campaign struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	Name      string        `json:"name"`
	Messages  []string      `json:"messages"`
	Groups    []string      `json:"groups"`
	Interval  time.Duration `json:"interval"`
	StartAt   time.Time     `json:"start_at"`
	EndAt     time.Time     `json:"end_at"`
	Active    bool          `json:"active"`
	CreatedAt time.Time     `json:"created_at"`
}

// SendTask is one concrete, time-stamped send obligation.
//
// Text is a literal copy of one template; later template edits never affect
// already-expanded tasks. Created only by expansion, mutated only by the
// dispatcher, exactly once (pending -> sent | failed).
type SendTask struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	GroupID     string     `json:"group_id"`
	Text        string     `json:"text"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      TaskStatus `json:"status"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ErrInvalidCampaign marks configuration errors rejected synchronously at
// submission; they never reach the task store.
var ErrInvalidCampaign = errors.New("invalid campaign")

// ApplyDefaults fills Interval and EndAt when unset.
func (c *Campaign) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.EndAt.IsZero() && !c.StartAt.IsZero() {
		c.EndAt = c.StartAt.Add(DefaultWindow)
	}
}

// Validate rejects campaigns that must not be persisted.
//
// An interval <= 0 would collapse all templates onto the same instant, so it
// is treated as a configuration mistake rather than a degenerate schedule.
// EndAt before StartAt is allowed: an already-expired campaign is valid but
// inert (it expands to zero tasks).
func Validate(c *Campaign) error {
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidCampaign)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	}
	if len(c.Messages) == 0 {
		return fmt.Errorf("%w: at least one message template is required", ErrInvalidCampaign)
	}
	for i, m := range c.Messages {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: message template %d is empty", ErrInvalidCampaign, i)
		}
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("%w: at least one destination group is required", ErrInvalidCampaign)
	}
	for i, g := range c.Groups {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("%w: destination group %d is empty", ErrInvalidCampaign, i)
		}
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidCampaign)
	}
	if c.StartAt.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidCampaign)
	}
	return nil
}
