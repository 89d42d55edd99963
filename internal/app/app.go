package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/afero"

	"postbot/internal/config"
	"postbot/internal/ingest"
	"postbot/internal/media"
	"postbot/internal/observability/debug"
	"postbot/internal/observability/metrics"
	"postbot/internal/publisher"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	taskscheduler "postbot/internal/task/scheduler"
	kit "postbot/internal/transport"
	telegram "postbot/internal/transport/telegram/adapter"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	media   *media.Store
	clock   schedule.Clock
	adapter *telegram.Adapter
	router  *Router
	pub     *publisher.Publisher
	sched   *taskscheduler.Service
	debug   *debug.Service
	metrics *metrics.Metrics
	pruner  *mediaPruner

	channel       kit.ChatTarget
	pruneSchedule string
	startedAt     time.Time

	updates chan kit.Update
}

// New loads the configuration and builds every component. Nothing talks to
// the network before Start except the bot's getMe handshake.
func New(cfgPath, envFile string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, envFile)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sc, err := cfg.Schedule.Resolve()
	if err != nil {
		return nil, err
	}
	channel, err := cfg.Telegram.Target()
	if err != nil {
		return nil, err
	}
	stc, err := cfg.Storage.Resolve()
	if err != nil {
		return nil, err
	}
	mc, err := cfg.Media.Resolve()
	if err != nil {
		return nil, err
	}
	dc, err := cfg.Debug.Resolve()
	if err != nil {
		return nil, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", string(cfg.Telegram.PollTimeout), 10*time.Second)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		APIURL:         cfg.Telegram.APIURL,
		PollTimeout:    pollTimeout,
		SendRatePerSec: float64(cfg.Telegram.SendRatePerSec),
	}, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	// Bootstrap with Telegram logging off, set the target, then apply the
	// final config so Apply does not warn about a missing target.
	logCfg := cfg.Logging.Resolve()
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg))
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	m := metrics.New()

	store, err := storage.Open(stc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("schedule store opened", logx.String("driver", stc.Driver), logx.String("path", stc.Path))

	ms := media.NewStore(afero.NewOsFs(), mc.Dir)
	clock := schedule.SystemClock{Loc: sc.Location}

	ing, err := ingest.New(ingest.Options{
		Media:     ms,
		Store:     store,
		Allocator: sc.Allocator,
		Clock:     clock,
		Logger:    root.With(logx.String("comp", "ingest")),
		Metrics:   m,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	router, err := NewRouter(RouterOptions{
		Ingest:   ing,
		Fetcher:  ad,
		Replies:  ad,
		Location: sc.Location,
		Workers:  cfg.Ingest.Workers,
		Settle:   mc.SettleDelay,
		Logger:   root.With(logx.String("comp", "router")),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pub, err := publisher.New(publisher.Options{
		Store:    store,
		Media:    ms,
		Sender:   ad,
		Channel:  channel,
		Clock:    clock,
		Interval: sc.PollInterval,
		Cleanup:  mc.Cleanup,
		Logger:   root.With(logx.String("comp", "publisher")),
		Metrics:  m,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sched := taskscheduler.New(taskscheduler.Config{Timezone: sc.Location.String()}, root)
	pruner := &mediaPruner{
		store:   store,
		media:   ms,
		clock:   clock,
		after:   mc.PruneAfter,
		log:     root.With(logx.String("comp", "media.prune")),
		metrics: m,
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		media:   ms,
		clock:   clock,
		adapter: ad,
		router:  router,
		pub:     pub,
		sched:   sched,
		metrics: m,
		pruner:  pruner,

		channel:       channel,
		pruneSchedule: mc.PruneSchedule,
		updates:       make(chan kit.Update, max(cfg.Ingest.QueueSize, 1)),
	}
	a.debug = debug.New(dc, m.Handler(), a.health, root)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	runCtx := a.sup.Context()

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	a.sup.Go("ingest.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	// Run returns only on cancel; anything else is restarted.
	a.sup.GoRestart("publisher", a.pub.Run,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithStopOnCleanExit(true),
	)

	if a.pruneSchedule != "" {
		if err := a.sched.AddSchedule(pruneJobName, a.pruneSchedule, time.Minute, a.pruner.Run); err != nil {
			return fmt.Errorf("media.prune_schedule: %w", err)
		}
	}
	a.sched.Start(runCtx)
	a.debug.Start(runCtx)

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log, func() bool { return c.Err() == nil })
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("channel", a.channel.String()),
		logx.String("bot", a.adapter.Username()),
		logx.Duration("poll_interval", a.pub.Interval()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so loops unwind; the router then flushes pending captions.
	a.sup.Cancel()

	// Each step is bounded so one component cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 3*time.Second, a.adapter.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// Router flush and the in-flight publish cycle both still need the store.
	step("supervisor", finalizeTimeout+5*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// health backs /healthz: the schedule store must be readable.
func (a *App) health() (bool, map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	detail := map[string]any{
		"uptime":  time.Since(a.startedAt).Round(time.Second).String(),
		"channel": a.channel.String(),
	}
	if a.sup != nil {
		detail["goroutines"] = a.sup.Active()
	}
	if a.sched != nil {
		jobs := map[string]string{}
		for _, j := range a.sched.Snapshot().Schedules {
			if j.Next.IsZero() {
				continue
			}
			jobs[j.Name] = j.Next.Format(time.RFC3339)
		}
		detail["jobs_next_run"] = jobs
	}
	posts, err := a.store.LoadAll(ctx)
	if err != nil {
		detail["store_error"] = err.Error()
		return false, detail
	}
	now := a.clock.Now()
	due := 0
	var next time.Time
	for _, p := range posts {
		if !p.PublishAt.After(now) {
			due++
		} else if next.IsZero() || p.PublishAt.Before(next) {
			next = p.PublishAt
		}
	}
	detail["pending"] = len(posts)
	detail["due"] = due
	if !next.IsZero() {
		detail["next_publish_at"] = next.Format(time.RFC3339)
	}
	return true, detail
}
