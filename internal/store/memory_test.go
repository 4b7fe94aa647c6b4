package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"slotflow/internal/domain"
)

func TestMemoryConfigLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepo()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	due := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	dueID, err := repo.CreateConfig(ctx, domain.ScheduleConfig{
		Name: "a-due", Kind: domain.KindDaily, Active: true, NextRunAt: &due,
	})
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if _, err := repo.CreateConfig(ctx, domain.ScheduleConfig{
		Name: "b-future", Kind: domain.KindDaily, Active: true, NextRunAt: &future,
	}); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if _, err := repo.CreateConfig(ctx, domain.ScheduleConfig{
		Name: "c-paused", Kind: domain.KindDaily, Active: false, NextRunAt: &due,
	}); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}

	got, err := repo.ListDueConfigs(ctx, now)
	if err != nil {
		t.Fatalf("ListDueConfigs: %v", err)
	}
	if len(got) != 1 || got[0].ID != dueID {
		t.Fatalf("due configs = %v, want just %s", got, dueID)
	}

	next := now.Add(24 * time.Hour)
	if err := repo.UpdateConfigRun(ctx, dueID, now, &next, true); err != nil {
		t.Fatalf("UpdateConfigRun: %v", err)
	}
	c, err := repo.GetConfig(ctx, dueID)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if c.LastRunAt == nil || !c.LastRunAt.Equal(now) || !c.NextRunAt.Equal(next) {
		t.Fatalf("run bookkeeping = %v/%v", c.LastRunAt, c.NextRunAt)
	}

	if _, err := repo.GetConfig(ctx, "cfg_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryRejectsDuplicateSlots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepo()
	slot := domain.TimeSlot{ConfigID: "cfg_1", AccountID: "a", Date: "2024-06-03", Hour: 10, Minute: 30}

	if _, err := repo.InsertSlots(ctx, []domain.TimeSlot{slot}); err != nil {
		t.Fatalf("InsertSlots: %v", err)
	}
	if _, err := repo.InsertSlots(ctx, []domain.TimeSlot{slot}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("duplicate insert err = %v, want ErrValidation", err)
	}
}

func TestMemoryInsertSlotsIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepo()
	dup := domain.TimeSlot{ConfigID: "cfg_1", AccountID: "a", Date: "2024-06-03", Hour: 10}
	if _, err := repo.InsertSlots(ctx, []domain.TimeSlot{dup}); err != nil {
		t.Fatalf("InsertSlots: %v", err)
	}

	// Second batch: a fresh row followed by a duplicate of the existing one.
	// The whole batch must be rejected, like the SQLite transaction rollback.
	_, err := repo.InsertSlots(ctx, []domain.TimeSlot{
		{ConfigID: "cfg_1", AccountID: "b", Date: "2024-06-03", Hour: 6},
		dup,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	// Only the original row remains.
	slots, err := repo.PendingSlotsOn(ctx, "cfg_1", "2024-06-03")
	if err != nil {
		t.Fatalf("PendingSlotsOn: %v", err)
	}
	if len(slots) != 1 || slots[0].AccountID != "a" {
		t.Fatalf("failed batch left extra rows behind: %v", slots)
	}

	// A batch duplicating within itself is rejected too.
	if _, err := repo.InsertSlots(ctx, []domain.TimeSlot{
		{ConfigID: "cfg_2", AccountID: "x", Date: "2024-06-03", Hour: 9},
		{ConfigID: "cfg_2", AccountID: "x", Date: "2024-06-03", Hour: 9},
	}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("intra-batch duplicate err = %v, want ErrValidation", err)
	}
	if left, _ := repo.PendingSlotsOn(ctx, "cfg_2", "2024-06-03"); len(left) != 0 {
		t.Fatalf("intra-batch duplicate left rows behind: %v", left)
	}
}

func TestMemoryNextPendingSlotOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepo()
	inserted, err := repo.InsertSlots(ctx, []domain.TimeSlot{
		{ConfigID: "cfg_1", AccountID: "a", Date: "2024-06-04", Hour: 8},
		{ConfigID: "cfg_1", AccountID: "b", Date: "2024-06-03", Hour: 18},
		{ConfigID: "cfg_1", AccountID: "c", Date: "2024-06-03", Hour: 9},
	})
	if err != nil {
		t.Fatalf("InsertSlots: %v", err)
	}

	got, err := repo.NextPendingSlot(ctx, "cfg_1", "2024-06-03", 10*60)
	if err != nil {
		t.Fatalf("NextPendingSlot: %v", err)
	}
	if got.AccountID != "b" {
		t.Fatalf("next slot account = %s, want b (09:00 is in the past)", got.AccountID)
	}

	// Claimed slots stop being candidates.
	if err := repo.SetSlotStatus(ctx, inserted[1].ID, domain.SlotScheduled, "tsk_1"); err != nil {
		t.Fatalf("SetSlotStatus: %v", err)
	}
	got, err = repo.NextPendingSlot(ctx, "cfg_1", "2024-06-03", 10*60)
	if err != nil {
		t.Fatalf("NextPendingSlot: %v", err)
	}
	if got.AccountID != "a" {
		t.Fatalf("next slot account = %s, want a", got.AccountID)
	}
}

func TestMemoryTaskRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepo()
	created := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	id, err := repo.CreateTask(ctx, domain.ExecutionTask{
		ConfigID: "cfg_1", AccountID: "a", PipelineID: "pipe", CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task, err := repo.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.PipelineStatus != domain.PipelinePending || task.PublishStatus != domain.PublishPending {
		t.Fatalf("defaulted statuses = %s/%s", task.PipelineStatus, task.PublishStatus)
	}

	task.PipelineStatus = domain.PipelineCompleted
	task.Artifact = []byte("payload")
	task.CreatedAt = created.Add(time.Hour) // must not be writable
	if err := repo.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, err := repo.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt changed to %v", got.CreatedAt)
	}
	if string(got.Artifact) != "payload" {
		t.Fatalf("artifact = %q", got.Artifact)
	}

	if err := repo.UpdateTask(ctx, domain.ExecutionTask{ID: "tsk_missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update missing err = %v, want ErrNotFound", err)
	}
}

func TestMemoryListOpenTasksFiltersTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepo()
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	mk := func(name string, pipe domain.PipelineStatus, pub domain.PublishStatus, prio int) {
		if _, err := repo.CreateTask(ctx, domain.ExecutionTask{
			ConfigID: name, PipelineStatus: pipe, PublishStatus: pub, Priority: prio, CreatedAt: now,
		}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	mk("open-low", domain.PipelinePending, domain.PublishPending, 10)
	mk("open-high", domain.PipelineRunning, domain.PublishPending, 90)
	mk("published", domain.PipelineCompleted, domain.PublishPublished, 50)
	mk("cancelled", domain.PipelineCancelled, domain.PublishCancelled, 50)

	got, err := repo.ListOpenTasks(ctx)
	if err != nil {
		t.Fatalf("ListOpenTasks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("%d open tasks, want 2", len(got))
	}
	if got[0].ConfigID != "open-high" || got[1].ConfigID != "open-low" {
		t.Fatalf("order = %s, %s; want priority descending", got[0].ConfigID, got[1].ConfigID)
	}
}
