package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"slotflow/internal/domain"
	"slotflow/internal/pipeline"
)

// admitProduce moves pending tasks into the produce pool, priority first,
// FIFO within equal priority, up to the pool's free capacity.
func (o *Orchestrator) admitProduce(ctx context.Context, now time.Time) {
	o.mu.Lock()
	var ready []*domain.ExecutionTask
	for _, t := range o.tasks {
		if t.PipelineStatus == domain.PipelinePending {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	free := o.cfg.ProduceWorkers - o.producing
	if free > len(ready) {
		free = len(ready)
	}
	admitted := make([]domain.ExecutionTask, 0, free)
	for _, t := range ready[:free] {
		started := now
		t.PipelineStatus = domain.PipelineRunning
		t.StartedAt = &started
		admitted = append(admitted, *t)
		o.producing++
	}
	o.mu.Unlock()

	for _, t := range admitted {
		if err := o.repo.UpdateTask(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist produce admission")
		}
		task := t
		o.spawn(func() { o.runProduce(task) })
	}
}

func (o *Orchestrator) runProduce(t domain.ExecutionTask) {
	ctx := context.Background()
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}

	exec, err := o.pipelines.Get(t.PipelineID)
	if err != nil {
		o.finishProduce(t.ID, nil, err)
		return
	}
	artifact, err := exec.Execute(ctx, pipeline.ExecConfig{
		TaskID:    t.ID,
		ConfigID:  t.ConfigID,
		AccountID: t.AccountID,
	})
	o.finishProduce(t.ID, artifact, err)
}

func (o *Orchestrator) finishProduce(taskID string, artifact []byte, execErr error) {
	ctx := context.Background()
	now := time.Now()

	o.mu.Lock()
	o.producing--
	t, ok := o.tasks[taskID]
	if !ok || t.PipelineStatus != domain.PipelineRunning {
		// Cancelled (or pruned) while in flight; the result is discarded.
		o.mu.Unlock()
		return
	}
	if execErr == nil {
		t.PipelineStatus = domain.PipelineCompleted
		t.PublishStatus = domain.PublishScheduled
		t.Artifact = artifact
		t.ErrorMessage = ""
	} else {
		t.PipelineStatus = domain.PipelineFailed
		t.RetryCount++
		t.ErrorMessage = execErr.Error()
		failed := now
		t.FailedAt = &failed
		if t.RetryCount > o.cfg.MaxRetries {
			done := now
			t.CompletedAt = &done
		}
	}
	cp := *t
	o.mu.Unlock()

	if err := o.repo.UpdateTask(ctx, cp); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to persist produce result")
	}

	if execErr == nil {
		log.Info().Str("task_id", taskID).Int("artifact_bytes", len(artifact)).Msg("produce completed")
		return
	}
	log.Warn().Str("task_id", taskID).Int("retry_count", cp.RetryCount).Err(execErr).Msg("produce failed")
	if cp.RetryCount > o.cfg.MaxRetries && cp.SlotID != "" {
		if err := o.slots.UpdateStatus(ctx, cp.SlotID, domain.SlotFailed, ""); err != nil {
			log.Error().Err(err).Str("slot_id", cp.SlotID).Msg("failed to fail slot")
		}
	}
	if o.alerts != nil {
		o.alerts.Notify(cp.ID, cp.AccountID, "produce failed: "+execErr.Error(), now)
	}
}

// admitPublish moves produce-completed tasks into the publish pool. A task's
// publish status may only leave pending once its pipeline is completed.
func (o *Orchestrator) admitPublish(ctx context.Context) {
	o.mu.Lock()
	var ready []*domain.ExecutionTask
	for _, t := range o.tasks {
		if t.PipelineStatus != domain.PipelineCompleted {
			continue
		}
		if t.PublishStatus == domain.PublishPending || t.PublishStatus == domain.PublishScheduled {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	free := o.cfg.PublishWorkers - o.publishing
	if free > len(ready) {
		free = len(ready)
	}
	admitted := make([]domain.ExecutionTask, 0, free)
	for _, t := range ready[:free] {
		t.PublishStatus = domain.PublishPublishing
		admitted = append(admitted, *t)
		o.publishing++
	}
	o.mu.Unlock()

	for _, t := range admitted {
		if err := o.repo.UpdateTask(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist publish admission")
		}
		task := t
		o.spawn(func() { o.runPublish(task) })
	}
}

func (o *Orchestrator) runPublish(t domain.ExecutionTask) {
	ctx := context.Background()
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}
	err := o.publisher.Publish(ctx, t.AccountID, t.Artifact)
	o.finishPublish(t.ID, err)
}

func (o *Orchestrator) finishPublish(taskID string, pubErr error) {
	ctx := context.Background()
	now := time.Now()

	o.mu.Lock()
	o.publishing--
	t, ok := o.tasks[taskID]
	if !ok || t.PublishStatus != domain.PublishPublishing {
		o.mu.Unlock()
		return
	}
	if pubErr == nil {
		t.PublishStatus = domain.PublishPublished
		t.ErrorMessage = ""
		done := now
		t.CompletedAt = &done
	} else {
		t.PublishStatus = domain.PublishFailed
		t.RetryCount++
		t.ErrorMessage = pubErr.Error()
		failed := now
		t.FailedAt = &failed
		if t.RetryCount > o.cfg.MaxRetries {
			done := now
			t.CompletedAt = &done
		}
	}
	cp := *t
	o.mu.Unlock()

	if err := o.repo.UpdateTask(ctx, cp); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to persist publish result")
	}

	if pubErr == nil {
		log.Info().Str("task_id", taskID).Str("account_id", cp.AccountID).Msg("published")
		if cp.SlotID != "" {
			// Force: a slot failed by an earlier publish attempt still ends
			// completed when a retry succeeds.
			if err := o.slots.ForceStatus(ctx, cp.SlotID, domain.SlotCompleted, ""); err != nil {
				log.Error().Err(err).Str("slot_id", cp.SlotID).Msg("failed to complete slot")
			}
		}
		return
	}
	log.Warn().Str("task_id", taskID).Int("retry_count", cp.RetryCount).Err(pubErr).Msg("publish failed")
	if cp.SlotID != "" {
		if err := o.slots.ForceStatus(ctx, cp.SlotID, domain.SlotFailed, ""); err != nil {
			log.Error().Err(err).Str("slot_id", cp.SlotID).Msg("failed to fail slot")
		}
	}
	if o.alerts != nil {
		o.alerts.Notify(cp.ID, cp.AccountID, "publish failed: "+pubErr.Error(), now)
	}
}

// retrySweep resets the failed stage of tasks that are within the retry
// budget once their delay has elapsed. Tasks past max retries stay failed.
func (o *Orchestrator) retrySweep(ctx context.Context, now time.Time) {
	o.mu.Lock()
	var reset []domain.ExecutionTask
	for _, t := range o.tasks {
		failedProduce := t.PipelineStatus == domain.PipelineFailed
		failedPublish := t.PublishStatus == domain.PublishFailed
		if !failedProduce && !failedPublish {
			continue
		}
		if t.RetryCount < 1 || t.RetryCount > o.cfg.MaxRetries {
			continue
		}
		anchor := t.StartedAt
		if o.cfg.RetryAnchor == AnchorFailed {
			anchor = t.FailedAt
		}
		if anchor == nil || now.Sub(*anchor) < o.cfg.RetryDelay {
			continue
		}
		if failedProduce {
			t.PipelineStatus = domain.PipelinePending
		} else {
			t.PublishStatus = domain.PublishScheduled
		}
		t.ErrorMessage = ""
		reset = append(reset, *t)
	}
	o.mu.Unlock()

	for _, t := range reset {
		if err := o.repo.UpdateTask(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist retry reset")
			continue
		}
		log.Info().Str("task_id", t.ID).Int("retry_count", t.RetryCount).Msg("task reset for retry")
	}
}
