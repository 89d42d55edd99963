package app

import (
	"context"
	"strings"
	"time"

	"postbot/internal/config"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// reloadLoop applies published config changes. Logging and the debug server
// follow live; everything else is reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	// Target first so Apply does not warn about an unset Telegram log chat.
	a.logs.SetTelegramTarget(logTarget(newCfg))
	a.logs.Apply(newCfg.Logging.Resolve())

	if dc, err := newCfg.Debug.Resolve(); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dc)
	}
	if mc, err := newCfg.Media.Resolve(); err != nil {
		a.log.Warn("invalid media config; keeping previous prune schedule", logx.Err(err))
	} else if mc.PruneSchedule != a.pruneSchedule {
		a.reschedulePrune(mc.PruneSchedule)
	}

	if pending := config.NeedsRestart(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", pending))
	}
	a.log.Info("config reloaded", fields...)
}

// reschedulePrune swaps the prune trigger in place. Other media settings
// still need a restart.
func (a *App) reschedulePrune(schedule string) {
	if schedule == "" {
		a.sched.Remove(pruneJobName)
		a.pruneSchedule = ""
		a.log.Info("media prune disabled")
		return
	}
	if err := a.sched.AddSchedule(pruneJobName, schedule, time.Minute, a.pruner.Run); err != nil {
		a.log.Warn("invalid media.prune_schedule; keeping previous", logx.String("schedule", schedule), logx.Err(err))
		return
	}
	a.pruneSchedule = schedule
	a.log.Info("media prune rescheduled", logx.String("schedule", schedule))
}

// logTarget is the Telegram log chat, or the zero target to disable it.
func logTarget(cfg *config.Config) kit.ChatTarget {
	to, ok := kit.ParseChatTarget(cfg.Telegram.GroupLog)
	if !ok {
		return kit.ChatTarget{}
	}
	to.ThreadID = cfg.Logging.Telegram.ThreadID
	return to
}
