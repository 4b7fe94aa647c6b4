package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotflow/internal/domain"
)

// memoryRepo keeps everything in maps behind one mutex. It backs the
// `driver: memory` store option and the package tests; semantics mirror the
// SQLite repository.
type memoryRepo struct {
	mu      sync.Mutex
	configs map[string]domain.ScheduleConfig
	slots   map[string]domain.TimeSlot
	tasks   map[string]domain.ExecutionTask
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		configs: map[string]domain.ScheduleConfig{},
		slots:   map[string]domain.TimeSlot{},
		tasks:   map[string]domain.ExecutionTask{},
	}
}

func (r *memoryRepo) CreateConfig(_ context.Context, c domain.ScheduleConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = "cfg_" + uuid.NewString()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	r.configs[c.ID] = c
	return c.ID, nil
}

func (r *memoryRepo) GetConfig(_ context.Context, id string) (domain.ScheduleConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[id]
	if !ok {
		return domain.ScheduleConfig{}, fmt.Errorf("config %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (r *memoryRepo) listConfigs(filter func(domain.ScheduleConfig) bool) []domain.ScheduleConfig {
	var out []domain.ScheduleConfig
	for _, c := range r.configs {
		if filter(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *memoryRepo) ListConfigs(context.Context) ([]domain.ScheduleConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listConfigs(func(domain.ScheduleConfig) bool { return true }), nil
}

func (r *memoryRepo) ListActiveConfigs(context.Context) ([]domain.ScheduleConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listConfigs(func(c domain.ScheduleConfig) bool { return c.Active }), nil
}

func (r *memoryRepo) ListDueConfigs(_ context.Context, now time.Time) ([]domain.ScheduleConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := r.listConfigs(func(c domain.ScheduleConfig) bool {
		return c.Active && c.NextRunAt != nil && !c.NextRunAt.After(now)
	})
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (r *memoryRepo) UpdateConfigRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[id]
	if !ok {
		return fmt.Errorf("config %s: %w", id, domain.ErrNotFound)
	}
	lr := lastRun
	c.LastRunAt = &lr
	c.NextRunAt = copyTime(nextRun)
	c.Active = active
	c.UpdatedAt = time.Now()
	r.configs[id] = c
	return nil
}

func (r *memoryRepo) PauseConfig(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[id]
	if !ok {
		return fmt.Errorf("config %s: %w", id, domain.ErrNotFound)
	}
	c.Active = false
	c.UpdatedAt = time.Now()
	r.configs[id] = c
	return nil
}

func (r *memoryRepo) ResumeConfig(_ context.Context, id string, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[id]
	if !ok {
		return fmt.Errorf("config %s: %w", id, domain.ErrNotFound)
	}
	c.Active = true
	c.NextRunAt = &nextRun
	c.UpdatedAt = time.Now()
	r.configs[id] = c
	return nil
}

// InsertSlots is all-or-nothing, like the SQLite repository's transaction: a
// uniqueness violation anywhere in the batch leaves the map untouched.
func (r *memoryRepo) InsertSlots(_ context.Context, slots []domain.TimeSlot) ([]domain.TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	staged := make([]domain.TimeSlot, 0, len(slots))
	for _, s := range slots {
		if s.ID == "" {
			s.ID = "slt_" + uuid.NewString()
		}
		if s.Status == "" {
			s.Status = domain.SlotPending
		}
		for _, existing := range r.slots {
			if sameSlotKey(existing, s) {
				return nil, fmt.Errorf("duplicate slot for %s/%s at %s %02d:%02d: %w",
					s.ConfigID, s.AccountID, s.Date, s.Hour, s.Minute, domain.ErrValidation)
			}
		}
		for _, prior := range staged {
			if sameSlotKey(prior, s) {
				return nil, fmt.Errorf("duplicate slot for %s/%s at %s %02d:%02d: %w",
					s.ConfigID, s.AccountID, s.Date, s.Hour, s.Minute, domain.ErrValidation)
			}
		}
		s.CreatedAt = time.Now()
		staged = append(staged, s)
	}
	for _, s := range staged {
		r.slots[s.ID] = s
	}
	return staged, nil
}

func sameSlotKey(a, b domain.TimeSlot) bool {
	return a.ConfigID == b.ConfigID && a.AccountID == b.AccountID &&
		a.Date == b.Date && a.Hour == b.Hour && a.Minute == b.Minute
}

func (r *memoryRepo) GetSlot(_ context.Context, id string) (domain.TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return domain.TimeSlot{}, fmt.Errorf("slot %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func slotLess(a, b domain.TimeSlot) bool {
	if a.Date != b.Date {
		return a.Date < b.Date
	}
	return a.Hour*60+a.Minute < b.Hour*60+b.Minute
}

func (r *memoryRepo) NextPendingSlot(_ context.Context, configID, fromDate string, fromMinutes int) (domain.TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.TimeSlot
	for id := range r.slots {
		s := r.slots[id]
		if s.ConfigID != configID || s.Status != domain.SlotPending {
			continue
		}
		if s.Date < fromDate || (s.Date == fromDate && s.Hour*60+s.Minute < fromMinutes) {
			continue
		}
		if best == nil || slotLess(s, *best) {
			c := s
			best = &c
		}
	}
	if best == nil {
		return domain.TimeSlot{}, fmt.Errorf("no pending slot for config %s: %w", configID, domain.ErrNotFound)
	}
	return *best, nil
}

func (r *memoryRepo) PendingSlotsOn(_ context.Context, configID, date string) ([]domain.TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TimeSlot
	for _, s := range r.slots {
		if s.ConfigID == configID && s.Status == domain.SlotPending && s.Date == date {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return slotLess(out[i], out[j]) })
	return out, nil
}

func (r *memoryRepo) SetSlotStatus(_ context.Context, id string, status domain.SlotStatus, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return fmt.Errorf("slot %s: %w", id, domain.ErrNotFound)
	}
	s.Status = status
	if taskID != "" {
		s.TaskID = taskID
	}
	r.slots[id] = s
	return nil
}

func (r *memoryRepo) DeletePendingSlots(_ context.Context, configID, date string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.slots {
		if s.ConfigID == configID && s.Date == date && s.Status == domain.SlotPending {
			delete(r.slots, id)
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) DeleteSlotsBefore(_ context.Context, cutoffDate string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.slots {
		if s.Date < cutoffDate && s.Status.Terminal() {
			delete(r.slots, id)
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) CreateTask(_ context.Context, t domain.ExecutionTask) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.PipelineStatus == "" {
		t.PipelineStatus = domain.PipelinePending
	}
	if t.PublishStatus == "" {
		t.PublishStatus = domain.PublishPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	r.tasks[t.ID] = t
	return t.ID, nil
}

func (r *memoryRepo) GetTask(_ context.Context, id string) (domain.ExecutionTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.ExecutionTask{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (r *memoryRepo) UpdateTask(_ context.Context, t domain.ExecutionTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrNotFound)
	}
	t.CreatedAt = old.CreatedAt
	r.tasks[t.ID] = t
	return nil
}

func (r *memoryRepo) ListOpenTasks(context.Context) ([]domain.ExecutionTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ExecutionTask
	for _, t := range r.tasks {
		if t.PipelineStatus == domain.PipelineCancelled ||
			t.PublishStatus == domain.PublishPublished || t.PublishStatus == domain.PublishCancelled {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
