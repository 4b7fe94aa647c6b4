package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the parsed configuration with all duration strings resolved.
type Config struct {
	HTTPAddr string
	Timezone string

	Store StoreConfig

	Allocator struct {
		MinInterval time.Duration
		Jitter      time.Duration
	}

	Recurrence struct {
		PollEvery time.Duration
	}

	Orchestrator struct {
		TickEvery         time.Duration
		ProduceWorkers    int
		PublishWorkers    int
		LeadTime          time.Duration
		MaxRetries        int
		RetryDelay        time.Duration
		RetryAnchor       string
		Retention         time.Duration
		StageTimeout      time.Duration
		DaysAhead         int
		StartHour         int
		EndHour           int
		Strategy          string
		SlotRetentionDays int
	}

	Alerts struct {
		RatePerSec int
		QueueSize  int
	}

	// Accounts maps group id to its active account ids.
	Accounts map[string][]string

	Publisher struct {
		Endpoint string
		Timeout  time.Duration
	}

	// Pipelines maps pipeline id to a shell command producing the artifact
	// on stdout. Registered at startup; no dynamic loading.
	Pipelines map[string]PipelineConfig
}

type StoreConfig struct {
	Driver string // "sqlite" or "memory"
	Path   string
}

type PipelineConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// raw mirrors the YAML file; durations are Go duration strings.
type raw struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Timezone string `yaml:"timezone"`
	Store    struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"store"`
	Allocator struct {
		MinInterval string `yaml:"min_interval"`
		Jitter      string `yaml:"jitter"`
	} `yaml:"allocator"`
	Recurrence struct {
		PollEvery string `yaml:"poll_every"`
	} `yaml:"recurrence"`
	Orchestrator struct {
		TickEvery         string `yaml:"tick_every"`
		ProduceWorkers    int    `yaml:"produce_workers"`
		PublishWorkers    int    `yaml:"publish_workers"`
		LeadTime          string `yaml:"lead_time"`
		MaxRetries        int    `yaml:"max_retries"`
		RetryDelay        string `yaml:"retry_delay"`
		RetryAnchor       string `yaml:"retry_anchor"`
		Retention         string `yaml:"retention"`
		StageTimeout      string `yaml:"stage_timeout"`
		DaysAhead         int    `yaml:"days_ahead"`
		StartHour         int    `yaml:"start_hour"`
		EndHour           int    `yaml:"end_hour"`
		Strategy          string `yaml:"strategy"`
		SlotRetentionDays int    `yaml:"slot_retention_days"`
	} `yaml:"orchestrator"`
	Alerts struct {
		RatePerSec int `yaml:"rate_per_sec"`
		QueueSize  int `yaml:"queue_size"`
	} `yaml:"alerts"`
	Accounts  map[string][]string `yaml:"accounts"`
	Publisher struct {
		Endpoint string `yaml:"endpoint"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"publisher"`
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`
}

// Load reads a YAML config file. An empty path yields the defaults.
func Load(path string) (Config, error) {
	var r raw
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &r); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	return resolve(r)
}

func resolve(r raw) (Config, error) {
	var c Config
	var err error

	c.HTTPAddr = defaultStr(r.HTTP.Addr, ":8080")
	c.Timezone = r.Timezone

	c.Store.Driver = strings.ToLower(defaultStr(r.Store.Driver, "sqlite"))
	c.Store.Path = defaultStr(r.Store.Path, "slotflow.db")
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("store.driver: unknown driver %q", r.Store.Driver)
	}

	if c.Allocator.MinInterval, err = parseDurationOrDefault("allocator.min_interval", r.Allocator.MinInterval, 30*time.Minute); err != nil {
		return Config{}, err
	}
	if c.Allocator.Jitter, err = parseDurationOrDefault("allocator.jitter", r.Allocator.Jitter, 5*time.Minute); err != nil {
		return Config{}, err
	}

	if c.Recurrence.PollEvery, err = parseDurationOrDefault("recurrence.poll_every", r.Recurrence.PollEvery, time.Minute); err != nil {
		return Config{}, err
	}

	o := &c.Orchestrator
	ro := r.Orchestrator
	if o.TickEvery, err = parseDurationOrDefault("orchestrator.tick_every", ro.TickEvery, time.Minute); err != nil {
		return Config{}, err
	}
	o.ProduceWorkers = defaultInt(ro.ProduceWorkers, 3)
	o.PublishWorkers = defaultInt(ro.PublishWorkers, 5)
	if o.LeadTime, err = parseDurationOrDefault("orchestrator.lead_time", ro.LeadTime, 5*time.Minute); err != nil {
		return Config{}, err
	}
	o.MaxRetries = defaultInt(ro.MaxRetries, 2)
	if o.RetryDelay, err = parseDurationOrDefault("orchestrator.retry_delay", ro.RetryDelay, 30*time.Minute); err != nil {
		return Config{}, err
	}
	o.RetryAnchor = defaultStr(ro.RetryAnchor, "started")
	if o.RetryAnchor != "started" && o.RetryAnchor != "failed" {
		return Config{}, fmt.Errorf("orchestrator.retry_anchor: must be started or failed, got %q", ro.RetryAnchor)
	}
	if o.Retention, err = parseDurationOrDefault("orchestrator.retention", ro.Retention, 24*time.Hour); err != nil {
		return Config{}, err
	}
	// "0s" disables the stage timeout; an omitted field gets the default.
	if o.StageTimeout, err = parseDurationAllowZero("orchestrator.stage_timeout", ro.StageTimeout, 10*time.Minute); err != nil {
		return Config{}, err
	}
	o.DaysAhead = defaultInt(ro.DaysAhead, 3)
	o.StartHour = ro.StartHour
	o.EndHour = ro.EndHour
	if o.EndHour == 0 {
		o.StartHour, o.EndHour = 6, 24
	}
	if o.StartHour < 0 || o.EndHour > 24 || o.StartHour >= o.EndHour {
		return Config{}, fmt.Errorf("orchestrator: bad hour window [%d,%d)", o.StartHour, o.EndHour)
	}
	o.Strategy = defaultStr(ro.Strategy, "even")
	o.SlotRetentionDays = defaultInt(ro.SlotRetentionDays, 7)

	c.Alerts.RatePerSec = defaultInt(r.Alerts.RatePerSec, 1)
	c.Alerts.QueueSize = defaultInt(r.Alerts.QueueSize, 256)

	c.Accounts = r.Accounts
	if c.Accounts == nil {
		c.Accounts = map[string][]string{}
	}

	c.Publisher.Endpoint = r.Publisher.Endpoint
	if c.Publisher.Timeout, err = parseDurationOrDefault("publisher.timeout", r.Publisher.Timeout, 30*time.Second); err != nil {
		return Config{}, err
	}

	c.Pipelines = r.Pipelines
	if c.Pipelines == nil {
		c.Pipelines = map[string]PipelineConfig{}
	}
	return c, nil
}

// Location resolves the configured timezone, falling back to local time.
func (c Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func parseDurationOrDefault(path, s string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationAllowZero(path, s, def)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func parseDurationAllowZero(path, s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func defaultStr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
