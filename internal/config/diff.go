package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// LiveSections are applied without a restart; other changes are logged as
// needing one.
var LiveSections = map[string]bool{"logging": true, "debug": true}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.Channel != nt.Channel || ot.GroupLog != nt.GroupLog ||
		ot.PollTimeout != nt.PollTimeout || ot.SendRatePerSec != nt.SendRatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.channel", nt.Channel),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Schedule != newCfg.Schedule {
		s := newCfg.Schedule
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", s.Timezone),
			logx.String("schedule.window", s.WindowStart+"-"+s.WindowEnd),
			logx.String("schedule.min_spacing", string(s.MinSpacing)),
			logx.String("schedule.poll_interval", string(s.PollInterval)),
			logx.String("schedule.on_exhausted", s.OnExhausted),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver), logx.String("storage.path", newCfg.Storage.Path))
	}
	if oldCfg.Media != newCfg.Media {
		changed = append(changed, "media")
		attrs = append(attrs, logx.String("media.dir", newCfg.Media.Dir), logx.String("media.prune_schedule", newCfg.Media.PruneSchedule))
	}
	if oldCfg.Ingest != newCfg.Ingest {
		changed = append(changed, "ingest")
		attrs = append(attrs, logx.Int("ingest.workers", newCfg.Ingest.Workers), logx.Int("ingest.queue_size", newCfg.Ingest.QueueSize))
	}
	if nd := newCfg.Debug; oldCfg.Debug != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", nd.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(nd.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart lists changed sections that are not applied live.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
