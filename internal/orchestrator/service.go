package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slotflow/internal/accounts"
	"slotflow/internal/alert"
	"slotflow/internal/domain"
	"slotflow/internal/pipeline"
	"slotflow/internal/publish"
	"slotflow/internal/slots"
	"slotflow/internal/store"
)

// RetryAnchor picks the moment the retry delay counts from.
type RetryAnchor string

const (
	AnchorStarted RetryAnchor = "started"
	AnchorFailed  RetryAnchor = "failed"
)

type Config struct {
	TickEvery      time.Duration // control loop cadence
	ProduceWorkers int           // produce pool size
	PublishWorkers int           // publish pool size
	LeadTime       time.Duration // how far ahead of a slot's time it may be claimed
	MaxRetries     int
	RetryDelay     time.Duration
	RetryAnchor    RetryAnchor
	Retention      time.Duration // completed tasks stay in the working set this long
	// StageTimeout bounds one produce or publish call; 0 disables and a
	// stuck external call then occupies a pool slot indefinitely.
	StageTimeout time.Duration

	// Slot generation defaults applied when a config fires.
	DaysAhead         int
	StartHour         int
	EndHour           int
	Strategy          slots.Strategy
	SlotRetentionDays int
}

func (c Config) withDefaults() Config {
	if c.TickEvery <= 0 {
		c.TickEvery = time.Minute
	}
	if c.ProduceWorkers <= 0 {
		c.ProduceWorkers = 3
	}
	if c.PublishWorkers <= 0 {
		c.PublishWorkers = 5
	}
	if c.LeadTime <= 0 {
		c.LeadTime = 5 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Minute
	}
	if c.RetryAnchor != AnchorFailed {
		c.RetryAnchor = AnchorStarted
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.StageTimeout < 0 {
		c.StageTimeout = 0 // disabled
	}
	if c.DaysAhead <= 0 {
		c.DaysAhead = 3
	}
	if c.EndHour <= 0 {
		c.StartHour, c.EndHour = 6, 24
	}
	if c.Strategy == "" {
		c.Strategy = slots.StrategyEven
	}
	if c.SlotRetentionDays <= 0 {
		c.SlotRetentionDays = 7
	}
	return c
}

// claimBacklog bounds how far back the loop looks for missed pending slots.
const claimBacklog = 24 * time.Hour

// Orchestrator drives tasks through produce and publish. One control loop
// goroutine owns all admission and state transitions; the stages run on two
// counter-bounded pools and hand results back through mutex-guarded
// completion methods.
type Orchestrator struct {
	cfg       Config
	repo      store.Repository
	slots     *slots.Allocator
	pipelines *pipeline.Registry
	publisher publish.Publisher
	accounts  accounts.Directory
	alerts    alert.Sink

	mu         sync.Mutex
	tasks      map[string]*domain.ExecutionTask
	producing  int
	publishing int

	lastSlotCleanup time.Time

	// spawn dispatches stage work; replaced in tests to run synchronously.
	spawn func(func())

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, repo store.Repository, alloc *slots.Allocator, pipelines *pipeline.Registry, pub publish.Publisher, dir accounts.Directory, alerts alert.Sink) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		repo:      repo,
		slots:     alloc,
		pipelines: pipelines,
		publisher: pub,
		accounts:  dir,
		alerts:    alerts,
		tasks:     map[string]*domain.ExecutionTask{},
		spawn:     func(f func()) { go f() },
		stop:      make(chan struct{}),
	}
}

// Recover rebuilds the working set from the store and resets work that was
// in flight when the previous process died: running produce goes back to
// pending, in-flight publish back to scheduled.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	open, err := o.repo.ListOpenTasks(ctx)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	recovered := 0
	for i := range open {
		t := open[i]
		if t.Terminal(o.cfg.MaxRetries) {
			continue
		}
		changed := false
		if t.PipelineStatus == domain.PipelineRunning {
			t.PipelineStatus = domain.PipelinePending
			changed = true
		}
		if t.PublishStatus == domain.PublishPublishing {
			t.PublishStatus = domain.PublishScheduled
			changed = true
		}
		if changed {
			if err := o.repo.UpdateTask(ctx, t); err != nil {
				log.Error().Err(err).Str("task_id", t.ID).Msg("failed to reset stale task")
				continue
			}
			recovered++
		}
		tc := t
		o.tasks[t.ID] = &tc
	}
	return recovered, nil
}

func (o *Orchestrator) Start(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TickEvery)
	defer ticker.Stop()

	log.Info().Dur("tick", o.cfg.TickEvery).
		Int("produce_workers", o.cfg.ProduceWorkers).
		Int("publish_workers", o.cfg.PublishWorkers).
		Msg("orchestrator started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case now := <-ticker.C:
			o.Tick(ctx, now)
		}
	}
}

func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// Tick runs one full control-loop pass. Ticks never overlap; the ticker only
// delivers the next tick after this returns. Panics are contained so the
// scheduler self-heals across bad ticks.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("tick panicked")
		}
	}()

	o.claimDueSlots(ctx, now)
	o.admitProduce(ctx, now)
	o.admitPublish(ctx)
	o.retrySweep(ctx, now)
	o.prune(now)
	o.maybeCleanupSlots(ctx, now)
}

// claimDueSlots turns each active config's next due slot into a task. A slot
// is due when now >= slot time - lead time.
func (o *Orchestrator) claimDueSlots(ctx context.Context, now time.Time) {
	configs, err := o.repo.ListActiveConfigs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active configs")
		return
	}
	for _, cfg := range configs {
		if err := o.claimFor(ctx, cfg, now); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Str("config_id", cfg.ID).Msg("failed to claim slot")
		}
	}
}

func (o *Orchestrator) claimFor(ctx context.Context, cfg domain.ScheduleConfig, now time.Time) error {
	slot, err := o.slots.NextPending(ctx, cfg.ID, now.Add(-claimBacklog))
	if err != nil {
		return err
	}
	at, err := slot.At(o.slots.Location())
	if err != nil {
		return err
	}
	if now.Before(at.Add(-o.cfg.LeadTime)) {
		return nil // not due yet
	}
	if slot.TaskID != "" {
		return nil // already claimed
	}

	task := domain.ExecutionTask{
		ConfigID:       cfg.ID,
		AccountID:      slot.AccountID,
		SlotID:         slot.ID,
		PipelineID:     cfg.PipelineID,
		PipelineStatus: domain.PipelinePending,
		PublishStatus:  domain.PublishPending,
		Priority:       cfg.Priority,
		CreatedAt:      now,
	}
	id, err := o.repo.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	task.ID = id
	if err := o.slots.UpdateStatus(ctx, slot.ID, domain.SlotScheduled, id); err != nil {
		// The slot stays pending and the next tick claims it again, so the
		// orphaned task must be voided or it would run twice.
		cancelled := now
		task.PipelineStatus = domain.PipelineCancelled
		task.PublishStatus = domain.PublishCancelled
		task.CompletedAt = &cancelled
		if uerr := o.repo.UpdateTask(ctx, task); uerr != nil {
			log.Error().Err(uerr).Str("task_id", id).Msg("failed to void task after claim failure")
		}
		return err
	}

	o.mu.Lock()
	o.tasks[id] = &task
	o.mu.Unlock()

	log.Info().Str("task_id", id).Str("config_id", cfg.ID).Str("account_id", slot.AccountID).
		Str("slot_id", slot.ID).Time("slot_time", at).Msg("slot claimed")
	return nil
}

// prune drops tasks from the working set once they have been done longer
// than the retention window. Durable history stays in the store.
func (o *Orchestrator) prune(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.tasks {
		if t.CompletedAt != nil && now.Sub(*t.CompletedAt) > o.cfg.Retention {
			delete(o.tasks, id)
		}
	}
}

func (o *Orchestrator) maybeCleanupSlots(ctx context.Context, now time.Time) {
	if now.Sub(o.lastSlotCleanup) < 24*time.Hour {
		return
	}
	o.lastSlotCleanup = now
	if _, err := o.slots.Cleanup(ctx, o.cfg.SlotRetentionDays); err != nil {
		log.Error().Err(err).Msg("slot cleanup failed")
	}
}

// GetTaskStatus returns the task from the working set, falling back to the
// store for pruned history.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, taskID string) (domain.ExecutionTask, error) {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if ok {
		cp := *t
		o.mu.Unlock()
		return cp, nil
	}
	o.mu.Unlock()
	return o.repo.GetTask(ctx, taskID)
}

// CancelTask is permitted only before the produce stage finishes. Both
// statuses become cancelled and the task is terminal; its slot is skipped.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if t.PipelineStatus != domain.PipelinePending && t.PipelineStatus != domain.PipelineRunning {
		return fmt.Errorf("task %s in stage %s cannot be cancelled: %w", taskID, t.PipelineStatus, domain.ErrValidation)
	}
	now := time.Now()
	t.PipelineStatus = domain.PipelineCancelled
	t.PublishStatus = domain.PublishCancelled
	t.CompletedAt = &now
	if err := o.repo.UpdateTask(ctx, *t); err != nil {
		return err
	}
	if t.SlotID != "" {
		if err := o.slots.ForceStatus(ctx, t.SlotID, domain.SlotSkipped, ""); err != nil {
			log.Error().Err(err).Str("slot_id", t.SlotID).Msg("failed to skip slot of cancelled task")
		}
	}
	log.Info().Str("task_id", taskID).Msg("task cancelled")
	return nil
}

// TriggerNow creates a task outside the slot plan. The account is the one
// whose pending slot is time-nearest, or the group's first active account
// when no slots exist today.
func (o *Orchestrator) TriggerNow(ctx context.Context, configID string, now time.Time) (string, error) {
	cfg, err := o.repo.GetConfig(ctx, configID)
	if err != nil {
		return "", err
	}
	account, err := o.slots.AllocateAccount(ctx, configID, now)
	if err != nil {
		accs, derr := o.accounts.ListActiveAccounts(ctx, cfg.AccountGroup)
		if derr != nil {
			return "", derr
		}
		if len(accs) == 0 {
			return "", fmt.Errorf("account group %s is empty: %w", cfg.AccountGroup, domain.ErrValidation)
		}
		account = accs[0]
	}

	task := domain.ExecutionTask{
		ConfigID:       cfg.ID,
		AccountID:      account,
		PipelineID:     cfg.PipelineID,
		PipelineStatus: domain.PipelinePending,
		PublishStatus:  domain.PublishPending,
		Priority:       cfg.Priority,
		CreatedAt:      now,
	}
	id, err := o.repo.CreateTask(ctx, task)
	if err != nil {
		return "", err
	}
	task.ID = id

	o.mu.Lock()
	o.tasks[id] = &task
	o.mu.Unlock()

	log.Info().Str("task_id", id).Str("config_id", configID).Str("account_id", account).Msg("manual trigger")
	return id, nil
}

// HandleFire is the recurrence action: when a config fires, make sure it has
// upcoming slots to claim.
func (o *Orchestrator) HandleFire(ctx context.Context, cfg domain.ScheduleConfig, now time.Time) error {
	if _, err := o.slots.NextPending(ctx, cfg.ID, now); err == nil {
		return nil // upcoming slots already exist
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	accs, err := o.accounts.ListActiveAccounts(ctx, cfg.AccountGroup)
	if err != nil {
		return err
	}
	if len(accs) == 0 {
		return fmt.Errorf("account group %s is empty: %w", cfg.AccountGroup, domain.ErrValidation)
	}

	if cfg.Kind == domain.KindInterval {
		index, total, err := o.intervalPosition(ctx, cfg)
		if err != nil {
			return err
		}
		_, err = o.slots.GenerateIntervalSlots(ctx, cfg.ID, accs[0], cfg.Params.Every, index, total, o.cfg.DaysAhead, now)
		return err
	}
	_, err = o.slots.GenerateSlots(ctx, cfg.ID, accs, now, o.cfg.StartHour, o.cfg.EndHour, o.cfg.Strategy)
	return err
}

// intervalPosition ranks this config among active interval configs sharing
// its account group, which drives the phase shift that keeps their sequences
// from colliding on the same account.
func (o *Orchestrator) intervalPosition(ctx context.Context, cfg domain.ScheduleConfig) (index, total int, err error) {
	configs, err := o.repo.ListActiveConfigs(ctx)
	if err != nil {
		return 0, 0, err
	}
	var peers []string
	for _, c := range configs {
		if c.Kind == domain.KindInterval && c.AccountGroup == cfg.AccountGroup {
			peers = append(peers, c.ID)
		}
	}
	sort.Strings(peers)
	for i, id := range peers {
		if id == cfg.ID {
			return i, len(peers), nil
		}
	}
	// Config not in the active list (e.g. fired right after pausing peers).
	return 0, max(len(peers), 1), nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
