package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

const defaultJobTimeout = 5 * time.Minute

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		parser: cronParser,
	}
}

// Apply swaps the config; a timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering. Jobs receive a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering, cancels running jobs and waits for them (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.ctx = nil, nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("jobs still running at stop deadline")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// AddSchedule parses schedule and registers job under name, replacing any
// schedule with the same name.
//
// The schedule is any form ParseSchedule accepts.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		running: &atomic.Bool{},
		last:    &runResult{},
	})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.String("next", s.previewNextRunsLocked(spec, 3)))
	return nil
}

// Remove unregisters a schedule by name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// RunNow triggers a registered job immediately, honoring the overlap rule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	ctx := s.ctx
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("unknown schedule %q", name)
	}
	if ctx == nil {
		return errors.New("scheduler not started")
	}
	s.trigger(ctx, *def)
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		d.last.mu.Lock()
		info.LastRun, info.LastTook = d.last.at, d.last.took
		info.Runs, info.Skipped, info.Failures = d.last.runs, d.last.skipped, d.last.failures
		if d.last.err != nil {
			info.LastErr = d.last.err.Error()
		}
		d.last.mu.Unlock()
		snap.Schedules = append(snap.Schedules, info)
	}
	return snap
}

func (s *Service) removeLocked(name string) bool {
	for i := range s.defs {
		if s.defs[i].name != name {
			continue
		}
		if s.c != nil && s.defs[i].entryID != 0 {
			s.c.Remove(s.defs[i].entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	ctx := s.ctx
	eid, err := s.c.AddJob(d.spec, cron.FuncJob(func() { s.trigger(ctx, def) }))
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// trigger runs d.job unless a previous run is still in flight.
func (s *Service) trigger(parent context.Context, d scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.last.mu.Lock()
		d.last.skipped++
		d.last.mu.Unlock()
		s.log.Warn("job still running, trigger skipped", logx.String("name", d.name))
		return
	}
	timeout := d.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer d.running.Store(false)

		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		start := time.Now()
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("job panicked", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return d.job(ctx)
		}()
		took := time.Since(start)

		d.last.mu.Lock()
		d.last.at, d.last.took, d.last.err = start, took, err
		d.last.runs++
		if err != nil {
			d.last.failures++
		}
		d.last.mu.Unlock()

		if err != nil {
			s.log.Error("job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", took))
	}()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) previewNextRunsLocked(spec string, n int) string {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t.Format("2006-01-02 15:04"))
	}
	return strings.Join(out, ", ")
}
