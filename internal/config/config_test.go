package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postbot/internal/schedule"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const minimalJSON = `{"telegram": {"token": "123:abc", "channel": "@my_channel"}}`

func TestParseAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	m := NewConfigManager(writeFile(t, dir, "config.json", minimalJSON), filepath.Join(dir, ".env"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.WindowStart != "08:00" || cfg.Schedule.WindowEnd != "03:00" || cfg.Schedule.Timezone != "Asia/Shanghai" {
		t.Fatalf("schedule defaults not applied: %+v", cfg.Schedule)
	}
	if !cfg.Media.CleanupAfterPublish || cfg.Storage.Driver != "file" || cfg.Ingest.Workers != 4 {
		t.Fatalf("defaults not applied: %+v %+v %+v", cfg.Media, cfg.Storage, cfg.Ingest)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}

	sch, err := cfg.Schedule.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sch.Location.String() != "Asia/Shanghai" || sch.PollInterval != time.Minute ||
		sch.Allocator.Window.Spacing != time.Minute || sch.Allocator.Policy != schedule.PolicyNextDay {
		t.Fatalf("resolved schedule = %+v", sch)
	}
	target, err := cfg.Telegram.Target()
	if err != nil || target.Username != "my_channel" {
		t.Fatalf("Target = %+v, %v", target, err)
	}
}

func TestParseWithoutFileUsesEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "BOT_TOKEN=123:abc\nCHANNEL=-100500\n")
	m := NewConfigManager(filepath.Join(dir, "missing.json"), envFile)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Channel != "-100500" || cfg.Schedule.WindowStart != "08:00" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	// Without a token there is nothing to run.
	if _, err := NewConfigManager(filepath.Join(dir, "missing.json"), "").Parse(); err == nil && os.Getenv(EnvToken) == "" {
		t.Fatal("expected validation error without a token")
	}
}

func TestParseYAMLWithNumericSeconds(t *testing.T) {
	dir := t.TempDir()
	body := `
telegram:
  token: "t"
  channel: "-1001234567890"
schedule:
  window_start: "09:30"
  window_end: "23:00"
  min_spacing: 120
  poll_interval: 30
  on_exhausted: reject
storage:
  driver: sqlite
  path: data/schedule.db
`
	m := NewConfigManager(writeFile(t, dir, "config.yaml", body), "")
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sch, err := cfg.Schedule.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	w := sch.Allocator.Window
	if w.Start != (schedule.TimeOfDay{Hour: 9, Minute: 30}) || w.End != (schedule.TimeOfDay{Hour: 23}) {
		t.Fatalf("window = %v-%v", w.Start, w.End)
	}
	if w.Spacing != 2*time.Minute || sch.PollInterval != 30*time.Second || sch.Allocator.Policy != schedule.PolicyReject {
		t.Fatalf("resolved = %+v", sch)
	}
	sc, err := cfg.Storage.Resolve()
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}
	target, _ := cfg.Telegram.Target()
	if target.ChatID != -1001234567890 {
		t.Fatalf("channel id = %d", target.ChatID)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "BOT_TOKEN=from-dotenv\nCHANNEL=@dotenv_channel\n")
	path := writeFile(t, dir, "config.json", `{"telegram": {"token": "", "channel": ""}}`)
	t.Setenv(EnvChannel, "@process_channel")
	t.Setenv(EnvTimezone, "Europe/Berlin")

	cfg, err := NewConfigManager(path, envFile).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "from-dotenv" {
		t.Fatalf("token = %q, want value from .env", cfg.Telegram.Token)
	}
	if cfg.Telegram.Channel != "@process_channel" {
		t.Fatalf("channel = %q, process env must win over .env", cfg.Telegram.Channel)
	}
	if cfg.Schedule.Timezone != "Europe/Berlin" {
		t.Fatalf("timezone = %q", cfg.Schedule.Timezone)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  `{"telegram": {"token": "t", "channel": "@c", "owner": 1}}`,
		"trailing data":  minimalJSON + minimalJSON,
		"missing token":  `{"telegram": {"channel": "@c"}}`,
		"bad channel":    `{"telegram": {"token": "t", "channel": "has space"}}`,
		"bad window":     `{"telegram": {"token": "t", "channel": "@c"}, "schedule": {"window_start": "25:00"}}`,
		"bad policy":     `{"telegram": {"token": "t", "channel": "@c"}, "schedule": {"on_exhausted": "panic"}}`,
		"bad timezone":   `{"telegram": {"token": "t", "channel": "@c"}, "schedule": {"timezone": "Mars/Olympus"}}`,
		"bad driver":     `{"telegram": {"token": "t", "channel": "@c"}, "storage": {"driver": "redis"}}`,
		"bad prune cron": `{"telegram": {"token": "t", "channel": "@c"}, "media": {"prune_schedule": "nope"}}`,
		"bad duration":   `{"telegram": {"token": "t", "channel": "@c"}, "schedule": {"poll_interval": "soon"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvToken, "")
			t.Setenv(EnvChannel, "")
			path := writeFile(t, t.TempDir(), "config.json", body)
			if _, err := NewConfigManager(path, "").Parse(); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Schedule.WindowStart = "x"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"telegram.token", "telegram.channel", "schedule.window_start"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %s", msg, want)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := map[string]time.Duration{"": 0, "60": time.Minute, "1m30s": 90 * time.Second}
	for raw, want := range cases {
		got, err := ParseDurationField("x", raw)
		if err != nil || got != want {
			t.Fatalf("ParseDurationField(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Hour); d != time.Hour {
		t.Fatalf("default not applied: %v", d)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	a.Telegram.Token = "secret-1"
	b := Default()
	b.Telegram.Token = "secret-2"
	b.Logging.Level = "debug"
	b.Schedule.PollInterval = "30s"

	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "logging,schedule,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := NeedsRestart(changed); strings.Join(got, ",") != "schedule,telegram" {
		t.Fatalf("NeedsRestart = %v", got)
	}
	if changed, _ := SummarizeConfigChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", minimalJSON)
	m := NewConfigManager(path, "")
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid write is rejected and not published.
	writeFile(t, dir, "config.json", `{"telegram": {}}`)
	time.Sleep(2 * reloadDebounce)
	writeFile(t, dir, "config.json", `{"telegram": {"token": "123:abc", "channel": "@other"}, "logging": {"level": "debug"}}`)

	select {
	case cfg := <-ch:
		if cfg.Telegram.Channel != "@other" || cfg.Logging.Level != "debug" {
			t.Fatalf("published config = %+v", cfg.Telegram)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not published")
	}
	cancel()
	<-done
}
