package domain

import (
	"fmt"
	"time"
)

type RecurrenceKind string

const (
	KindDaily    RecurrenceKind = "daily"
	KindWeekly   RecurrenceKind = "weekly"
	KindMonthly  RecurrenceKind = "monthly"
	KindInterval RecurrenceKind = "interval"
	KindCron     RecurrenceKind = "cron"
	KindOnce     RecurrenceKind = "once"
)

type SlotStatus string

const (
	SlotPending   SlotStatus = "pending"
	SlotScheduled SlotStatus = "scheduled"
	SlotCompleted SlotStatus = "completed"
	SlotFailed    SlotStatus = "failed"
	SlotSkipped   SlotStatus = "skipped"
)

// Terminal reports whether the slot can no longer be claimed or transitioned.
func (s SlotStatus) Terminal() bool {
	return s == SlotCompleted || s == SlotFailed || s == SlotSkipped
}

type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

type PublishStatus string

const (
	PublishPending    PublishStatus = "pending"
	PublishScheduled  PublishStatus = "scheduled"
	PublishPublishing PublishStatus = "publishing"
	PublishPublished  PublishStatus = "published"
	PublishFailed     PublishStatus = "failed"
	PublishCancelled  PublishStatus = "cancelled"
)

// RecurrenceParams carries the kind-specific settings of a ScheduleConfig.
// Only the fields for the config's kind are meaningful; the rest stay zero.
type RecurrenceParams struct {
	// At is the wall-clock time "HH:MM" for daily, weekly and monthly kinds.
	At string `json:"at,omitempty"`
	// Weekdays for the weekly kind (time.Sunday = 0).
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	// MonthDays for the monthly kind (1-31; days invalid for a given month are skipped).
	MonthDays []int `json:"month_days,omitempty"`
	// Every is the cadence for the interval kind.
	Every time.Duration `json:"every,omitempty"`
	// CronExpr is a standard five-field cron expression for the cron kind.
	CronExpr string `json:"cron_expr,omitempty"`
	// RunAt is the single firing time for the once kind.
	RunAt *time.Time `json:"run_at,omitempty"`
}

// ScheduleConfig is a persisted recurrence rule: which pipeline runs for which
// account group, and when.
type ScheduleConfig struct {
	ID           string
	Name         string
	PipelineID   string
	AccountGroup string
	Kind         RecurrenceKind
	Params       RecurrenceParams
	Priority     int // 0-100, carried onto the tasks it spawns
	Active       bool
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TimeSlot is one concrete (account, date, minute) assignment belonging to a config.
type TimeSlot struct {
	ID        string
	ConfigID  string
	AccountID string
	Date      string // "2006-01-02"
	Hour      int
	Minute    int
	Index     int // ordinal within its generation batch
	Status    SlotStatus
	TaskID    string // set once claimed
	CreatedAt time.Time
}

const SlotDateLayout = "2006-01-02"

// At resolves the slot to a wall-clock time in loc.
func (s TimeSlot) At(loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(SlotDateLayout, s.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("slot %s: bad date %q: %w", s.ID, s.Date, err)
	}
	return d.Add(time.Duration(s.Hour)*time.Hour + time.Duration(s.Minute)*time.Minute), nil
}

// ExecutionTask is one attempt to run a config's work for one account,
// tracked through the produce and publish stages.
type ExecutionTask struct {
	ID             string
	ConfigID       string
	AccountID      string
	SlotID         string // empty for manual triggers
	PipelineID     string
	PipelineStatus PipelineStatus
	PublishStatus  PublishStatus
	Priority       int
	RetryCount     int
	ErrorMessage   string
	// Artifact is the produce stage's output, persisted so publish can
	// resume after a restart without re-running the pipeline.
	Artifact    []byte
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	// FailedAt records the most recent stage failure, used when the retry
	// delay is configured to count from failure time instead of start time.
	FailedAt *time.Time
}

// Terminal reports whether the task can make no further progress.
func (t ExecutionTask) Terminal(maxRetries int) bool {
	if t.PipelineStatus == PipelineCancelled || t.PublishStatus == PublishCancelled {
		return true
	}
	if t.PublishStatus == PublishPublished {
		return true
	}
	if (t.PipelineStatus == PipelineFailed || t.PublishStatus == PublishFailed) && t.RetryCount > maxRetries {
		return true
	}
	return false
}
