package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // named timezones without a system zoneinfo

	"postbot/internal/observability/debug"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	taskscheduler "postbot/internal/task/scheduler"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Schedule is the resolved schedule section.
type Schedule struct {
	Location     *time.Location
	Allocator    schedule.Allocator
	PollInterval time.Duration
}

func (c ScheduleConfig) Resolve() (Schedule, error) {
	var errs []error
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = "Asia/Shanghai"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		loc = time.UTC
	}

	w := schedule.DefaultWindow(loc)
	if s := strings.TrimSpace(c.WindowStart); s != "" {
		if w.Start, err = schedule.ParseTimeOfDay(s); err != nil {
			errs = append(errs, fmt.Errorf("schedule.window_start: %w", err))
		}
	}
	if s := strings.TrimSpace(c.WindowEnd); s != "" {
		if w.End, err = schedule.ParseTimeOfDay(s); err != nil {
			errs = append(errs, fmt.Errorf("schedule.window_end: %w", err))
		}
	}
	if w.Spacing, err = ParseDurationOrDefault("schedule.min_spacing", string(c.MinSpacing), schedule.DefaultSpacing); err != nil {
		errs = append(errs, err)
	}
	poll, err := ParseDurationOrDefault("schedule.poll_interval", string(c.PollInterval), 60*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	policy, err := schedule.ParsePolicy(c.OnExhausted)
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule.on_exhausted: %w", err))
	}
	if c.MaxDaysAhead < 0 {
		errs = append(errs, errors.New("schedule.max_days_ahead must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return Schedule{}, err
	}
	return Schedule{
		Location: loc,
		Allocator: schedule.Allocator{
			Window:       w,
			Policy:       policy,
			MaxDaysAhead: c.MaxDaysAhead,
			SkipPast:     c.SkipPastSlots,
		},
		PollInterval: poll,
	}, nil
}

// Target parses telegram.channel.
func (c TelegramConfig) Target() (transport.ChatTarget, error) {
	t, ok := transport.ParseChatTarget(c.Channel)
	if !ok {
		return transport.ChatTarget{}, fmt.Errorf("telegram.channel: invalid chat %q (use @name or a numeric id)", c.Channel)
	}
	return t, nil
}

func (c StorageConfig) Resolve() (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	path := strings.TrimSpace(c.Path)
	switch driver {
	case "", "file", "json":
		if path == "" {
			path = "schedule.json"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := ParseDurationOrDefault("storage.busy_timeout", string(c.BusyTimeout), time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", c.Driver)
	}
}

// Media is the resolved media section.
type Media struct {
	Dir           string
	SettleDelay   time.Duration
	Cleanup       bool
	PruneSchedule string
	PruneAfter    time.Duration
}

func (c MediaConfig) Resolve() (Media, error) {
	var errs []error
	m := Media{Dir: strings.TrimSpace(c.Dir), Cleanup: c.CleanupAfterPublish, PruneSchedule: strings.TrimSpace(c.PruneSchedule)}
	if m.Dir == "" {
		m.Dir = "uploads"
	}
	var err error
	if m.SettleDelay, err = ParseDurationField("media.settle_delay", string(c.SettleDelay)); err != nil {
		errs = append(errs, err)
	}
	if m.PruneAfter, err = ParseDurationOrDefault("media.prune_after", string(c.PruneAfter), 48*time.Hour); err != nil {
		errs = append(errs, err)
	}
	if m.PruneSchedule != "" && !strings.EqualFold(m.PruneSchedule, "off") {
		if _, err := taskscheduler.ParseSchedule(m.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("media.prune_schedule: %w", err))
		}
	} else {
		m.PruneSchedule = ""
	}
	return m, errors.Join(errs...)
}

func (c DebugConfig) Resolve() (debug.Config, error) {
	var errs []error
	out := debug.Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Prefix:        strings.TrimSpace(c.Prefix),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = ParseDurationOrDefault("debug.read_timeout", string(c.ReadTimeout), 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	// /profile can run 30s+, so writes are unbounded unless configured.
	if out.WriteTimeout, err = ParseDurationField("debug.write_timeout", string(c.WriteTimeout)); err != nil {
		errs = append(errs, err)
	}
	if out.IdleTimeout, err = ParseDurationOrDefault("debug.idle_timeout", string(c.IdleTimeout), time.Minute); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

func (c LoggingConfig) Resolve() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Telegram.Enabled,
			ThreadID:   c.Telegram.ThreadID,
			MinLevel:   c.Telegram.MinLevel,
			RatePerSec: c.Telegram.RatePerSec,
		},
	}
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required (or set %s)", EnvToken))
	}
	if _, err := cfg.Telegram.Target(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", string(cfg.Telegram.PollTimeout)); err != nil {
		errs = append(errs, err)
	}
	if cfg.Telegram.SendRatePerSec < 0 {
		errs = append(errs, errors.New("telegram.send_rate_per_sec must be >= 0"))
	}
	if _, err := cfg.Schedule.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Storage.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Media.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Ingest.Workers < 0 || cfg.Ingest.QueueSize < 0 {
		errs = append(errs, errors.New("ingest.workers and ingest.queue_size must be >= 0"))
	}
	if _, err := cfg.Debug.Resolve(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
