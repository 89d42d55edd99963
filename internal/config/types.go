package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("60s", "2m"); a bare number is read as
// seconds. Times of day are "HH:MM".
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Schedule ScheduleConfig `json:"schedule"`
	Storage  StorageConfig  `json:"storage"`
	Media    MediaConfig    `json:"media"`
	Ingest   IngestConfig   `json:"ingest"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Channel is the destination: "@name" or a numeric chat id.
	Channel  string `json:"channel"`
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is the long-poll timeout for getUpdates.
	PollTimeout    Duration `json:"poll_timeout,omitempty"`
	SendRatePerSec int      `json:"send_rate_per_sec,omitempty"`
	// APIURL points at a self-hosted Bot API server. Empty means api.telegram.org.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ScheduleConfig describes the daily publish window and the publish loop cadence.
type ScheduleConfig struct {
	Timezone     string   `json:"timezone"`
	WindowStart  string   `json:"window_start"`
	WindowEnd    string   `json:"window_end"`
	MinSpacing   Duration `json:"min_spacing"`
	PollInterval Duration `json:"poll_interval"`
	// OnExhausted is next_day, reject or overflow.
	OnExhausted   string `json:"on_exhausted"`
	MaxDaysAhead  int    `json:"max_days_ahead,omitempty"`
	SkipPastSlots bool   `json:"skip_past_slots,omitempty"`
}

// StorageConfig selects the schedule store.
//
//	"storage": { "driver": "file", "path": "./schedule.json" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite
}

type MediaConfig struct {
	Dir string `json:"dir"`
	// SettleDelay defers a caption so the rest of its album can arrive.
	SettleDelay         Duration `json:"settle_delay"`
	CleanupAfterPublish bool     `json:"cleanup_after_publish"`
	PruneSchedule       string   `json:"prune_schedule"`
	PruneAfter          Duration `json:"prune_after"`
}

type IngestConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// DebugConfig controls the optional HTTP side port (/healthz, /metrics, pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`
}

// Default returns the configuration used for omitted keys.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{PollTimeout: "10s", SendRatePerSec: 1},
		Logging:  LoggingConfig{Level: "info", Console: true},
		Schedule: ScheduleConfig{
			Timezone:     "Asia/Shanghai",
			WindowStart:  "08:00",
			WindowEnd:    "03:00",
			MinSpacing:   "60s",
			PollInterval: "60s",
			OnExhausted:  "next_day",
			MaxDaysAhead: 7,
		},
		Storage: StorageConfig{Driver: "file", Path: "schedule.json"},
		Media: MediaConfig{
			Dir:                 "uploads",
			SettleDelay:         "2s",
			CleanupAfterPublish: true,
			PruneSchedule:       "30 3 * * *",
			PruneAfter:          "48h",
		},
		Ingest: IngestConfig{Workers: 4, QueueSize: 256},
	}
}
