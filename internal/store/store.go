package store

import (
	"context"
	"time"

	"slotflow/internal/domain"
)

// Repository is the durable row store behind configs, slots and tasks.
// A single scheduler instance is assumed; writers use check-and-set style
// updates at the service layer rather than row locks here.
type Repository interface {
	// Config operations
	CreateConfig(ctx context.Context, c domain.ScheduleConfig) (string, error)
	GetConfig(ctx context.Context, id string) (domain.ScheduleConfig, error)
	ListConfigs(ctx context.Context) ([]domain.ScheduleConfig, error)
	ListActiveConfigs(ctx context.Context) ([]domain.ScheduleConfig, error)
	// ListDueConfigs returns active configs whose next_run_at is at or before now.
	ListDueConfigs(ctx context.Context, now time.Time) ([]domain.ScheduleConfig, error)
	// UpdateConfigRun records a firing: last run, recomputed next run (nil
	// when none remains) and the resulting active flag.
	UpdateConfigRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time, active bool) error
	// PauseConfig deactivates the config without touching next_run_at.
	PauseConfig(ctx context.Context, id string) error
	// ResumeConfig reactivates the config with a freshly computed next run.
	ResumeConfig(ctx context.Context, id string, nextRun time.Time) error

	// Slot operations
	InsertSlots(ctx context.Context, slots []domain.TimeSlot) ([]domain.TimeSlot, error)
	GetSlot(ctx context.Context, id string) (domain.TimeSlot, error)
	// NextPendingSlot returns the earliest pending slot for the config at or
	// after fromDate/fromMinutes, ordered by (date, hour, minute).
	NextPendingSlot(ctx context.Context, configID, fromDate string, fromMinutes int) (domain.TimeSlot, error)
	PendingSlotsOn(ctx context.Context, configID, date string) ([]domain.TimeSlot, error)
	// SetSlotStatus writes status (and task id, when non-empty) unconditionally.
	// Transition validation lives in the allocator.
	SetSlotStatus(ctx context.Context, id string, status domain.SlotStatus, taskID string) error
	DeletePendingSlots(ctx context.Context, configID, date string) (int, error)
	// DeleteSlotsBefore removes terminal slots dated strictly before cutoffDate.
	DeleteSlotsBefore(ctx context.Context, cutoffDate string) (int, error)

	// Task operations
	CreateTask(ctx context.Context, t domain.ExecutionTask) (string, error)
	GetTask(ctx context.Context, id string) (domain.ExecutionTask, error)
	UpdateTask(ctx context.Context, t domain.ExecutionTask) error
	// ListOpenTasks returns tasks that have not reached published or
	// cancelled, for rebuilding the working set after a restart.
	ListOpenTasks(ctx context.Context) ([]domain.ExecutionTask, error)
}
