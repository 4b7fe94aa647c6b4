package recurrence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slotflow/internal/domain"
	"slotflow/internal/store"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
	err   map[string]error
}

func (f *fireRecorder) action(_ context.Context, cfg domain.ScheduleConfig, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, cfg.ID)
	if f.err != nil {
		return f.err[cfg.ID]
	}
	return nil
}

func mustCreate(t *testing.T, repo store.Repository, cfg domain.ScheduleConfig) string {
	t.Helper()
	id, err := repo.CreateConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	return id
}

func TestProcessDueFiresAndReschedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemoryRepo()
	rec := &fireRecorder{}
	svc := NewService(repo, rec.action, time.Minute, time.UTC)

	due := base.Add(-time.Minute)
	notYet := base.Add(time.Hour)
	dueID := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "due", Kind: domain.KindDaily,
		Params: domain.RecurrenceParams{At: "14:00"},
		Active: true, NextRunAt: &due,
	})
	mustCreate(t, repo, domain.ScheduleConfig{
		Name: "future", Kind: domain.KindDaily,
		Params: domain.RecurrenceParams{At: "14:00"},
		Active: true, NextRunAt: &notYet,
	})

	svc.ProcessDue(ctx, base)

	if len(rec.fired) != 1 || rec.fired[0] != dueID {
		t.Fatalf("fired = %v, want [%s]", rec.fired, dueID)
	}
	got, err := repo.GetConfig(ctx, dueID)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(base) {
		t.Fatalf("LastRunAt = %v, want %v", got.LastRunAt, base)
	}
	want := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, want)
	}
}

func TestProcessDueDeactivatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemoryRepo()
	rec := &fireRecorder{}
	svc := NewService(repo, rec.action, time.Minute, time.UTC)

	runAt := base.Add(-time.Minute)
	id := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "one-shot", Kind: domain.KindOnce,
		Params: domain.RecurrenceParams{RunAt: &runAt},
		Active: true, NextRunAt: &runAt,
	})

	svc.ProcessDue(ctx, base)

	got, err := repo.GetConfig(ctx, id)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.Active {
		t.Fatal("once config still active after firing")
	}
	if len(rec.fired) != 1 {
		t.Fatalf("fired %d times, want 1", len(rec.fired))
	}
}

func TestProcessDueIsolatesFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemoryRepo()

	due := base.Add(-time.Minute)
	badID := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "a-bad", Kind: domain.KindDaily,
		Params: domain.RecurrenceParams{At: "14:00"},
		Active: true, NextRunAt: &due,
	})
	goodID := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "b-good", Kind: domain.KindDaily,
		Params: domain.RecurrenceParams{At: "14:00"},
		Active: true, NextRunAt: &due,
	})

	rec := &fireRecorder{err: map[string]error{badID: errors.New("boom")}}
	svc := NewService(repo, rec.action, time.Minute, time.UTC)
	svc.ProcessDue(ctx, base)

	if len(rec.fired) != 2 {
		t.Fatalf("fired = %v, want both configs", rec.fired)
	}
	// The failing config's run still counts so it does not refire every tick.
	got, err := repo.GetConfig(ctx, badID)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.LastRunAt == nil {
		t.Fatal("failing config did not record its run")
	}
	if _, err := repo.GetConfig(ctx, goodID); err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
}

func TestProcessDueSurvivesPanickingAction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemoryRepo()

	due := base.Add(-time.Minute)
	panicID := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "a-panics", Kind: domain.KindDaily,
		Params: domain.RecurrenceParams{At: "14:00"},
		Active: true, NextRunAt: &due,
	})
	okID := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "b-ok", Kind: domain.KindDaily,
		Params: domain.RecurrenceParams{At: "14:00"},
		Active: true, NextRunAt: &due,
	})

	rec := &fireRecorder{}
	svc := NewService(repo, func(ctx context.Context, cfg domain.ScheduleConfig, now time.Time) error {
		if cfg.ID == panicID {
			panic("nil pipeline")
		}
		return rec.action(ctx, cfg, now)
	}, time.Minute, time.UTC)

	svc.ProcessDue(ctx, base)

	if len(rec.fired) != 1 || rec.fired[0] != okID {
		t.Fatalf("fired = %v, want [%s]", rec.fired, okID)
	}
	// The panicking config's run is still recorded, like an action error.
	got, err := repo.GetConfig(ctx, panicID)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(base) {
		t.Fatalf("panicking config LastRunAt = %v, want %v", got.LastRunAt, base)
	}
	if got.NextRunAt == nil {
		t.Fatal("panicking config lost its next run")
	}
}

func TestFireDeactivatesWhenNextRunFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemoryRepo()
	rec := &fireRecorder{}
	svc := NewService(repo, rec.action, time.Minute, time.UTC)

	// Fired on Jan 31: day 30 has passed this month and February has no 30th,
	// so no next run exists in this month or the next.
	from := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)
	due := from.Add(-time.Minute)
	exhaustedID := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "a-exhausted", Kind: domain.KindMonthly,
		Params: domain.RecurrenceParams{At: "09:00", MonthDays: []int{30}},
		Active: true, NextRunAt: &due,
	})
	malformedID := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "b-malformed", Kind: domain.KindWeekly,
		Params: domain.RecurrenceParams{At: "10:00"}, // no weekdays
		Active: true, NextRunAt: &due,
	})

	svc.ProcessDue(ctx, from)

	for _, id := range []string{exhaustedID, malformedID} {
		got, err := repo.GetConfig(ctx, id)
		if err != nil {
			t.Fatalf("GetConfig: %v", err)
		}
		if got.Active {
			t.Fatalf("config %s still active with no computable next run", got.Name)
		}
		if got.NextRunAt != nil {
			t.Fatalf("config %s kept next run %v", got.Name, got.NextRunAt)
		}
		if got.LastRunAt == nil {
			t.Fatalf("config %s did not record its run", got.Name)
		}
	}

	// Resume recomputes and reactivates once a next occurrence exists again.
	resumeAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := svc.Resume(ctx, exhaustedID, resumeAt); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, err := repo.GetConfig(ctx, exhaustedID)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	want := time.Date(2024, 3, 30, 9, 0, 0, 0, time.UTC)
	if !got.Active || got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("after resume: active=%v next=%v, want active at %v", got.Active, got.NextRunAt, want)
	}
}

func TestPauseResumeRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemoryRepo()
	rec := &fireRecorder{}
	svc := NewService(repo, rec.action, time.Minute, time.UTC)

	due := base.Add(-time.Minute)
	id := mustCreate(t, repo, domain.ScheduleConfig{
		Name: "toggled", Kind: domain.KindDaily,
		Params: domain.RecurrenceParams{At: "23:00"},
		Active: true, NextRunAt: &due,
	})

	if err := svc.Pause(ctx, id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	svc.ProcessDue(ctx, base)
	if len(rec.fired) != 0 {
		t.Fatal("paused config fired")
	}

	if err := svc.Resume(ctx, id, base); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, err := repo.GetConfig(ctx, id)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if !got.Active {
		t.Fatal("resumed config not active")
	}
	want := time.Date(2024, 6, 3, 23, 0, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt after resume = %v, want %v", got.NextRunAt, want)
	}

	// Removed configs are skipped even while their row remains due.
	next := base.Add(-time.Second)
	if err := repo.UpdateConfigRun(ctx, id, base, &next, true); err != nil {
		t.Fatalf("UpdateConfigRun: %v", err)
	}
	svc.Remove(id)
	svc.ProcessDue(ctx, base)
	if len(rec.fired) != 0 {
		t.Fatal("removed config fired")
	}
}
