package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"slotflow/internal/domain"
)

// NextRun computes the next wall-clock run time for a config relative to
// from, in loc. It returns domain.ErrValidation for malformed parameters and
// domain.ErrScheduling when no runnable time exists (e.g. a fired once
// config, or monthly days that exist in neither this month nor the next).
func NextRun(cfg domain.ScheduleConfig, from time.Time, loc *time.Location) (time.Time, error) {
	from = from.In(loc)
	switch cfg.Kind {
	case domain.KindDaily:
		return nextDaily(cfg.Params, from)
	case domain.KindWeekly:
		return nextWeekly(cfg.Params, from)
	case domain.KindMonthly:
		return nextMonthly(cfg.Params, from)
	case domain.KindInterval:
		return nextInterval(cfg, from)
	case domain.KindCron:
		return nextCron(cfg.Params, from)
	case domain.KindOnce:
		return nextOnce(cfg, from)
	default:
		return time.Time{}, fmt.Errorf("unknown recurrence kind %q: %w", cfg.Kind, domain.ErrValidation)
	}
}

func nextDaily(p domain.RecurrenceParams, from time.Time) (time.Time, error) {
	h, m, err := parseHHMM(p.At)
	if err != nil {
		return time.Time{}, err
	}
	at := time.Date(from.Year(), from.Month(), from.Day(), h, m, 0, 0, from.Location())
	if !at.After(from) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

func nextWeekly(p domain.RecurrenceParams, from time.Time) (time.Time, error) {
	h, m, err := parseHHMM(p.At)
	if err != nil {
		return time.Time{}, err
	}
	if len(p.Weekdays) == 0 {
		return time.Time{}, fmt.Errorf("weekly config without weekdays: %w", domain.ErrValidation)
	}
	days := map[time.Weekday]bool{}
	for _, d := range p.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return time.Time{}, fmt.Errorf("weekday %d out of range: %w", d, domain.ErrValidation)
		}
		days[d] = true
	}
	for offset := 0; offset <= 7; offset++ {
		at := time.Date(from.Year(), from.Month(), from.Day()+offset, h, m, 0, 0, from.Location())
		if days[at.Weekday()] && at.After(from) {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("no weekly occurrence within 7 days: %w", domain.ErrScheduling)
}

func nextMonthly(p domain.RecurrenceParams, from time.Time) (time.Time, error) {
	h, m, err := parseHHMM(p.At)
	if err != nil {
		return time.Time{}, err
	}
	if len(p.MonthDays) == 0 {
		return time.Time{}, fmt.Errorf("monthly config without days: %w", domain.ErrValidation)
	}
	for _, d := range p.MonthDays {
		if d < 1 || d > 31 {
			return time.Time{}, fmt.Errorf("month day %d out of range: %w", d, domain.ErrValidation)
		}
	}
	// This month, then next month; days that don't exist in a month (e.g. 30
	// in February) are skipped rather than normalized into the month after.
	for monthOffset := 0; monthOffset <= 1; monthOffset++ {
		first := time.Date(from.Year(), from.Month()+time.Month(monthOffset), 1, 0, 0, 0, 0, from.Location())
		var best time.Time
		for _, d := range p.MonthDays {
			at := time.Date(first.Year(), first.Month(), d, h, m, 0, 0, from.Location())
			if at.Month() != first.Month() {
				continue // day overflowed into the next month
			}
			if at.After(from) && (best.IsZero() || at.Before(best)) {
				best = at
			}
		}
		if !best.IsZero() {
			return best, nil
		}
	}
	return time.Time{}, fmt.Errorf("no valid monthly day in this or next month: %w", domain.ErrScheduling)
}

func nextInterval(cfg domain.ScheduleConfig, from time.Time) (time.Time, error) {
	if cfg.Params.Every <= 0 {
		return time.Time{}, fmt.Errorf("interval config without positive interval: %w", domain.ErrValidation)
	}
	// Never run: fire almost immediately to bootstrap. Otherwise anchor on
	// the last run so a missed tick is caught up exactly once.
	if cfg.LastRunAt == nil {
		return from.Add(time.Second), nil
	}
	return cfg.LastRunAt.Add(cfg.Params.Every), nil
}

func nextCron(p domain.RecurrenceParams, from time.Time) (time.Time, error) {
	if strings.TrimSpace(p.CronExpr) == "" {
		return time.Time{}, fmt.Errorf("cron config without expression: %w", domain.ErrValidation)
	}
	sched, err := cron.ParseStandard(p.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron expression %q: %v: %w", p.CronExpr, err, domain.ErrValidation)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires: %w", p.CronExpr, domain.ErrScheduling)
	}
	return next, nil
}

func nextOnce(cfg domain.ScheduleConfig, from time.Time) (time.Time, error) {
	if cfg.Params.RunAt == nil {
		return time.Time{}, fmt.Errorf("once config without run time: %w", domain.ErrValidation)
	}
	if cfg.LastRunAt != nil {
		return time.Time{}, fmt.Errorf("once config already fired: %w", domain.ErrScheduling)
	}
	return cfg.Params.RunAt.In(from.Location()), nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q, expected HH:MM: %w", s, domain.ErrValidation)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("hour in %q: %w", s, domain.ErrValidation)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("minute in %q: %w", s, domain.ErrValidation)
	}
	return h, m, nil
}
