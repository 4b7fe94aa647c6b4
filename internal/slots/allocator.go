package slots

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slotflow/internal/domain"
	"slotflow/internal/store"
)

type Strategy string

const (
	StrategyEven   Strategy = "even"
	StrategyRandom Strategy = "random"
)

type Options struct {
	// MinInterval is the floor between consecutive slots of one config.
	// It takes precedence over pure even division of the hour window.
	MinInterval time.Duration
	// Jitter bounds the random offset added to each even-strategy slot.
	Jitter   time.Duration
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = 30 * time.Minute
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	} else if o.Jitter == 0 {
		o.Jitter = 5 * time.Minute
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Allocator produces and persists TimeSlot rows: collision-free assignments
// of rotating accounts to minutes of a day.
type Allocator struct {
	repo store.Repository
	opt  Options

	mu  sync.Mutex
	rng *rand.Rand
}

func New(repo store.Repository, opt Options) *Allocator {
	return &Allocator{
		repo: repo,
		opt:  opt.withDefaults(),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *Allocator) Location() *time.Location { return a.opt.Location }

// GenerateSlots produces one slot per account for a single day inside
// [startHour, endHour), persists the batch and returns it sorted ascending.
func (a *Allocator) GenerateSlots(ctx context.Context, configID string, accounts []string, targetDate time.Time, startHour, endHour int, strategy Strategy) ([]domain.TimeSlot, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("empty account list: %w", domain.ErrValidation)
	}
	if startHour < 0 || endHour > 24 || startHour >= endHour {
		return nil, fmt.Errorf("bad hour window [%d,%d): %w", startHour, endHour, domain.ErrValidation)
	}
	startMin, endMin := startHour*60, endHour*60
	gap := a.floorMinutes()
	if startMin+(len(accounts)-1)*gap > endMin-1 {
		return nil, fmt.Errorf("window too small for %d accounts at %v min interval: %w",
			len(accounts), a.opt.MinInterval, domain.ErrValidation)
	}

	var minutes []int
	switch strategy {
	case StrategyRandom:
		minutes = a.randomMinutes(len(accounts), startMin, endMin)
	case StrategyEven, "":
		minutes = a.evenMinutes(len(accounts), startMin, endMin)
	default:
		return nil, fmt.Errorf("unknown strategy %q: %w", strategy, domain.ErrValidation)
	}

	sort.Ints(minutes)
	ensureSpacing(minutes, endMin, gap)

	date := targetDate.In(a.opt.Location).Format(domain.SlotDateLayout)
	batch := make([]domain.TimeSlot, len(accounts))
	for i, m := range minutes {
		batch[i] = domain.TimeSlot{
			ConfigID:  configID,
			AccountID: accounts[i],
			Date:      date,
			Hour:      m / 60,
			Minute:    m % 60,
			Index:     i,
			Status:    domain.SlotPending,
		}
	}
	out, err := a.repo.InsertSlots(ctx, batch)
	if err != nil {
		return nil, err
	}
	log.Info().Str("config_id", configID).Str("date", date).Int("slots", len(out)).
		Str("strategy", string(strategy)).Msg("slots generated")
	return out, nil
}

// evenMinutes divides the window into equal intervals (the min-interval floor
// wins over pure division) and jitters each interval start.
func (a *Allocator) evenMinutes(n, startMin, endMin int) []int {
	step := (endMin - startMin) / n
	if floor := a.floorMinutes(); step < floor {
		step = floor
	}
	jitterMin := int(a.opt.Jitter.Minutes())

	minutes := make([]int, n)
	for i := 0; i < n; i++ {
		m := startMin + i*step
		if jitterMin > 0 {
			m += a.intn(2*jitterMin+1) - jitterMin
		}
		if m < startMin {
			m = startMin
		}
		if m > endMin-1 {
			m = endMin - 1
		}
		minutes[i] = m
	}
	return minutes
}

// randomMinutes shuffles a candidate grid spaced by the minimum interval.
// When accounts outnumber candidates, the overflow falls back to even division.
func (a *Allocator) randomMinutes(n, startMin, endMin int) []int {
	floor := a.floorMinutes()
	var candidates []int
	for m := startMin; m < endMin; m += floor {
		candidates = append(candidates, m)
	}
	a.mu.Lock()
	a.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	a.mu.Unlock()

	if n <= len(candidates) {
		return append([]int(nil), candidates[:n]...)
	}
	minutes := append([]int(nil), candidates...)
	step := (endMin - startMin) / n
	if step < 1 {
		step = 1
	}
	for i := len(candidates); i < n; i++ {
		minutes = append(minutes, startMin+i*step)
	}
	return minutes
}

// GenerateIntervalSlots produces a fixed-cadence sequence for one account over
// a look-ahead horizon. Sequences of configs sharing the account are
// phase-shifted by configIndex*every/totalConfigs so that N same-interval
// configs spread evenly across one period instead of firing at identical
// minutes.
func (a *Allocator) GenerateIntervalSlots(ctx context.Context, configID, accountID string, every time.Duration, configIndex, totalConfigs, daysAhead int, from time.Time) ([]domain.TimeSlot, error) {
	if every <= 0 {
		return nil, fmt.Errorf("interval must be positive: %w", domain.ErrValidation)
	}
	if totalConfigs < 1 || configIndex < 0 || configIndex >= totalConfigs {
		return nil, fmt.Errorf("config index %d of %d: %w", configIndex, totalConfigs, domain.ErrValidation)
	}
	if daysAhead < 1 {
		daysAhead = 1
	}

	phase := time.Duration(int64(every) * int64(configIndex) / int64(totalConfigs))
	start := from.In(a.opt.Location).Truncate(time.Minute).Add(phase)
	horizon := from.Add(time.Duration(daysAhead) * 24 * time.Hour)

	var batch []domain.TimeSlot
	for t, i := start, 0; t.Before(horizon); t, i = t.Add(every), i+1 {
		batch = append(batch, domain.TimeSlot{
			ConfigID:  configID,
			AccountID: accountID,
			Date:      t.Format(domain.SlotDateLayout),
			Hour:      t.Hour(),
			Minute:    t.Minute(),
			Index:     i,
			Status:    domain.SlotPending,
		})
	}
	out, err := a.repo.InsertSlots(ctx, batch)
	if err != nil {
		return nil, err
	}
	log.Info().Str("config_id", configID).Str("account_id", accountID).
		Dur("every", every).Dur("phase", phase).Int("slots", len(out)).
		Msg("interval slots generated")
	return out, nil
}

// NextPending returns the earliest pending slot for the config whose time is
// at or after from. Callers seeing ErrNotFound should generate a new batch.
func (a *Allocator) NextPending(ctx context.Context, configID string, from time.Time) (domain.TimeSlot, error) {
	t := from.In(a.opt.Location)
	return a.repo.NextPendingSlot(ctx, configID, t.Format(domain.SlotDateLayout), t.Hour()*60+t.Minute())
}

var slotTransitions = map[domain.SlotStatus][]domain.SlotStatus{
	domain.SlotPending:   {domain.SlotScheduled, domain.SlotSkipped},
	domain.SlotScheduled: {domain.SlotCompleted, domain.SlotFailed, domain.SlotSkipped},
}

// UpdateStatus performs a validated transition. Terminal slots reject any
// further change; use ForceStatus for manual overrides.
func (a *Allocator) UpdateStatus(ctx context.Context, slotID string, status domain.SlotStatus, taskID string) error {
	s, err := a.repo.GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if s.Status == status {
		return nil
	}
	allowed := false
	for _, next := range slotTransitions[s.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("slot %s: transition %s -> %s: %w", slotID, s.Status, status, domain.ErrValidation)
	}
	return a.repo.SetSlotStatus(ctx, slotID, status, taskID)
}

// ForceStatus writes the status without consulting the transition graph.
func (a *Allocator) ForceStatus(ctx context.Context, slotID string, status domain.SlotStatus, taskID string) error {
	return a.repo.SetSlotStatus(ctx, slotID, status, taskID)
}

// AllocateAccount picks the account whose same-day pending slot is nearest to
// target, so ad-hoc triggers still respect rotation fairness.
func (a *Allocator) AllocateAccount(ctx context.Context, configID string, target time.Time) (string, error) {
	t := target.In(a.opt.Location)
	pending, err := a.repo.PendingSlotsOn(ctx, configID, t.Format(domain.SlotDateLayout))
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "", fmt.Errorf("no pending slot for config %s on %s: %w", configID, t.Format(domain.SlotDateLayout), domain.ErrNotFound)
	}
	targetMin := t.Hour()*60 + t.Minute()
	best := pending[0]
	bestDiff := absInt(best.Hour*60 + best.Minute - targetMin)
	for _, s := range pending[1:] {
		if d := absInt(s.Hour*60 + s.Minute - targetMin); d < bestDiff {
			best, bestDiff = s, d
		}
	}
	return best.AccountID, nil
}

// Rebalance drops the date's unclaimed slots and regenerates them from the
// current account roster. Scheduled and terminal slots are untouched.
func (a *Allocator) Rebalance(ctx context.Context, configID string, targetDate time.Time, accounts []string, startHour, endHour int, strategy Strategy) ([]domain.TimeSlot, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("empty account list: %w", domain.ErrValidation)
	}
	date := targetDate.In(a.opt.Location).Format(domain.SlotDateLayout)
	removed, err := a.repo.DeletePendingSlots(ctx, configID, date)
	if err != nil {
		return nil, err
	}
	log.Info().Str("config_id", configID).Str("date", date).Int("removed", removed).Msg("rebalancing slots")
	return a.GenerateSlots(ctx, configID, accounts, targetDate, startHour, endHour, strategy)
}

// Cleanup deletes terminal slots older than the retention window and returns
// the count removed.
func (a *Allocator) Cleanup(ctx context.Context, daysToKeep int) (int, error) {
	if daysToKeep < 1 {
		daysToKeep = 1
	}
	cutoff := time.Now().In(a.opt.Location).AddDate(0, 0, -daysToKeep).Format(domain.SlotDateLayout)
	n, err := a.repo.DeleteSlotsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("removed", n).Str("cutoff", cutoff).Msg("old slots cleaned up")
	}
	return n, nil
}

func (a *Allocator) intn(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Intn(n)
}

func (a *Allocator) floorMinutes() int {
	floor := int(a.opt.MinInterval.Minutes())
	if floor < 1 {
		floor = 1
	}
	return floor
}

// ensureSpacing restores the minimum gap between consecutive minutes after
// sorting, then pulls the tail back inside the window. Jitter and the random
// overflow fallback can both compress neighbours below the floor. Assumes ms
// is sorted, every value is inside the window, and the window was validated
// to hold len(ms) slots at the given gap.
func ensureSpacing(ms []int, endMin, gap int) {
	for i := 1; i < len(ms); i++ {
		if ms[i] < ms[i-1]+gap {
			ms[i] = ms[i-1] + gap
		}
	}
	// Values past the window end become exactly their slot's latest feasible
	// minute. Once one value fits untouched, everything before it does too.
	for i := len(ms) - 1; i >= 0; i-- {
		limit := endMin - 1 - (len(ms)-1-i)*gap
		if ms[i] > limit {
			ms[i] = limit
		} else {
			break
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
