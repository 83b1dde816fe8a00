package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "carbonbot/pkg/logx"
)

// AddSchedule parses schedule and registers job under name, replacing any
// previous schedule of the same name. timeout <= 0 means no per-run deadline.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: ps, timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addCronLocked(d)
	}
	return nil
}

// Remove unregisters name. It reports whether a schedule was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// RunNow triggers name immediately, subject to the same coalescing as a
// scheduled trigger. It reports whether the run started.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	var def *scheduleDef
	for _, d := range s.defs {
		if d.name == name {
			def = d
		}
	}
	ctx := s.runCtx
	s.mu.Unlock()
	if def == nil || ctx == nil {
		return false
	}
	return s.trigger(ctx, def, true)
}

func (s *Service) addCronLocked(d *scheduleDef) {
	ctx := s.runCtx
	job := cron.FuncJob(func() { s.trigger(ctx, d, false) })

	if d.spec.Kind == SpecInterval {
		d.entryID = s.c.Schedule(cron.Every(d.spec.Every), job)
	} else {
		id, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			// ParseSchedule validated the schedule already.
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec.CronSpec()), logx.Err(err))
			return
		}
		d.entryID = id
	}

	args := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec.String()), logx.Duration("timeout", d.timeout)}
	if next := s.previewNextRunsLocked(d, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
}

// trigger runs d unless a previous run is still in progress. Scheduled
// triggers run inline on cron's goroutine; manual ones get their own.
func (s *Service) trigger(ctx context.Context, d *scheduleDef, async bool) bool {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Warn("trigger skipped: previous run still in progress", logx.String("name", d.name))
		if s.onSkip != nil {
			s.onSkip(d.name)
		}
		return false
	}
	s.inflight.Add(1)
	run := func() {
		defer s.inflight.Done()
		defer d.running.Store(false)
		s.run(ctx, d)
	}
	if async {
		go run()
	} else {
		run()
	}
	return true
}

func (s *Service) run(ctx context.Context, d *scheduleDef) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("panic in scheduled job", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = d.job(ctx)
	}()
	took := time.Since(start)
	d.runs.Add(1)

	d.mu.Lock()
	d.lastRun = start
	d.lastDur = took
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Debug("scheduled job done", logx.String("name", d.name), logx.Duration("took", took))
}

// Snapshot reports every registered schedule.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Timezone: s.loadLocationLocked().String()}
	for _, d := range s.defs {
		info := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec.CronSpec(),
			Timeout: d.timeout,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
		}
		d.mu.Lock()
		info.Prev = d.lastRun
		info.LastDur = d.lastDur
		info.LastErr = d.lastErr
		d.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			info.Next = s.c.Entry(d.entryID).Next
		}
		out.Schedules = append(out.Schedules, info)
	}
	return out
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addCronLocked(d)
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
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := cronParser.Parse(d.spec.CronSpec())
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
