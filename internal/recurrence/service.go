package recurrence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slotflow/internal/domain"
	"slotflow/internal/store"
)

// Action is invoked when a config fires. Failures are logged per config and
// never stop the rest of the tick.
type Action func(ctx context.Context, cfg domain.ScheduleConfig, now time.Time) error

// Service is the recurrence poll loop: every interval it fires all active
// configs whose next run is due, records the run and recomputes the next one.
type Service struct {
	repo     store.Repository
	action   Action
	interval time.Duration
	loc      *time.Location
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	removed map[string]struct{}
}

func NewService(repo store.Repository, action Action, pollEvery time.Duration, loc *time.Location) *Service {
	if pollEvery <= 0 {
		pollEvery = time.Minute
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		repo:     repo,
		action:   action,
		interval: pollEvery,
		loc:      loc,
		stop:     make(chan struct{}),
		removed:  map[string]struct{}{},
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("recurrence service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.ProcessDue(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// ProcessDue fires every active config whose next_run_at is at or before now.
// A single config's failure must not prevent the others from being evaluated,
// and a panicking tick must not take the process down.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recurrence tick panicked")
		}
	}()

	configs, err := s.repo.ListDueConfigs(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due configs")
		return
	}
	for _, cfg := range configs {
		if s.isRemoved(cfg.ID) {
			continue
		}
		if err := s.fire(ctx, cfg, now); err != nil {
			log.Error().Err(err).Str("config_id", cfg.ID).Msg("failed to process config")
		}
	}
}

func (s *Service) fire(ctx context.Context, cfg domain.ScheduleConfig, now time.Time) error {
	if err := s.runAction(ctx, cfg, now); err != nil {
		log.Error().Err(err).Str("config_id", cfg.ID).Str("name", cfg.Name).Msg("config action failed")
		// The run still counts; otherwise a permanently failing action would
		// fire on every tick.
	}

	fired := cfg
	lr := now
	fired.LastRunAt = &lr

	active := cfg.Active
	var nextRun *time.Time
	if cfg.Kind == domain.KindOnce {
		active = false
	} else {
		next, err := NextRun(fired, now, s.loc)
		switch {
		case err == nil:
			nextRun = &next
		case errors.Is(err, domain.ErrScheduling):
			// No computable next occurrence (e.g. exhausted monthly days).
			// Deactivate rather than leave an active config with no next run;
			// resume recomputes and reactivates.
			active = false
			log.Warn().Str("config_id", cfg.ID).Err(err).Msg("no next run computable, deactivating")
		default:
			// Malformed params: deactivate and log; this runs unattended.
			active = false
			log.Error().Err(err).Str("config_id", cfg.ID).Msg("bad recurrence parameters, deactivating")
		}
	}

	if err := s.repo.UpdateConfigRun(ctx, cfg.ID, now, nextRun, active); err != nil {
		return err
	}
	ev := log.Info().Str("config_id", cfg.ID).Str("name", cfg.Name).Str("kind", string(cfg.Kind))
	if nextRun != nil {
		ev = ev.Time("next_run", *nextRun)
	}
	ev.Msg("config fired")
	return nil
}

// runAction contains a panic in the injected action so one bad config cannot
// crash the loop; the panic is reported as an ordinary action error.
func (s *Service) runAction(ctx context.Context, cfg domain.ScheduleConfig, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return s.action(ctx, cfg, now)
}

// Pause deactivates the config without clearing its next run time.
func (s *Service) Pause(ctx context.Context, configID string) error {
	return s.repo.PauseConfig(ctx, configID)
}

// Resume reactivates the config with a next run recomputed from now; it never
// resurrects a stale timestamp.
func (s *Service) Resume(ctx context.Context, configID string, now time.Time) error {
	cfg, err := s.repo.GetConfig(ctx, configID)
	if err != nil {
		return err
	}
	next, err := NextRun(cfg, now, s.loc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.removed, configID)
	s.mu.Unlock()
	return s.repo.ResumeConfig(ctx, configID, next)
}

// Remove drops the config from the poll loop's working set. Deleting the row
// is an external administrative action.
func (s *Service) Remove(configID string) {
	s.mu.Lock()
	s.removed[configID] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) isRemoved(configID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.removed[configID]
	return ok
}
