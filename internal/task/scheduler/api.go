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

	"minekeeper/internal/host"
	logx "minekeeper/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

// AddSchedule parses schedule and registers either a cron or interval job.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	if sc.IsCron() {
		return s.AddCron(name, sc.Cron, timeout, job)
	}
	return s.AddInterval(name, sc.Every, timeout, job)
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("cron %q: %w", spec, err)
	}
	return s.add("cron", name, spec, timeout, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.add("interval", name, "@every "+every.String(), timeout, job)
}

// add upserts by name so hot reloads never duplicate a job.
func (s *Service) add(kind, name, spec string, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeLocked(name)
	d := jobDef{
		id:      fmt.Sprintf("%s:%d", kind, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		running: &atomic.Bool{},
		stats:   &jobStats{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Registered with cron on Start.
		return name, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return "", err
	}
	args := []logx.Field{logx.String("name", name), logx.String("id", d.id), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return name, nil
}

// Remove unschedules the job with the given name. It reports whether
// something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a job with name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(name) >= 0
}

// RunNow triggers the named job once, outside its schedule. Overlap rules
// still apply.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	i := s.findLocked(name)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	d := s.defs[i]
	s.mu.Unlock()
	s.trigger(d)
	return nil
}

func (s *Service) findLocked(name string) int {
	for i := range s.defs {
		if s.defs[i].name == name {
			return i
		}
	}
	return -1
}

// Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *jobDef) error {
	def := *d
	job := cron.FuncJob(func() { s.trigger(def) })

	// Interval jobs get a startup spread so they do not all fire together
	// right after start.
	spec := strings.TrimSpace(d.spec)
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// trigger hands the job to the host scheduler unless a previous run is
// still in flight.
func (s *Service) trigger(d jobDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.stats.mu.Lock()
		d.stats.skipped++
		d.stats.mu.Unlock()
		s.log.Debug("schedule trigger skipped; previous run in flight", logx.String("schedule", d.name))
		return
	}

	s.ctxMu.Lock()
	parent := s.ctx
	s.ctxMu.Unlock()

	run := func(ctx context.Context) {
		defer d.running.Store(false)
		s.runJob(ctx, d)
	}
	if s.host == nil {
		go run(parent)
		return
	}
	// Jobs touch no location; the zero hint pins them to one lane.
	s.host.Run(host.Hint{}, host.Func(run))
}

func (s *Service) runJob(ctx context.Context, d jobDef) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("schedule job panicked", logx.String("schedule", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return d.job(ctx)
	}()
	took := time.Since(start)

	d.stats.mu.Lock()
	d.stats.runs++
	d.stats.lastRun = start
	d.stats.lastDur = took
	d.stats.lastErr = ""
	if err != nil {
		d.stats.failed++
		d.stats.lastErr = err.Error()
	}
	d.stats.mu.Unlock()

	if err != nil {
		if s.warn.Allow(d.name) {
			s.log.Warn("schedule job failed", logx.String("schedule", d.name), logx.Duration("took", took), logx.Err(err))
		}
		return
	}
	s.log.Debug("schedule job done", logx.String("schedule", d.name), logx.Duration("took", took))
}

// previewNextRunsLocked returns a short list of upcoming run times for spec.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
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

// Snapshot reports registered jobs with their next trigger times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := make([]jobDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	tz := strings.TrimSpace(s.cfg.Timezone)
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}
	out := Snapshot{Running: c != nil, Timezone: tz, Jobs: make([]JobInfo, 0, len(defs))}
	for _, d := range defs {
		it := JobInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout, Spread: d.startupSpread}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		d.stats.mu.Lock()
		it.Runs = d.stats.runs
		it.Skipped = d.stats.skipped
		it.Failed = d.stats.failed
		it.LastRun = d.stats.lastRun
		it.LastDur = d.stats.lastDur
		it.LastErr = d.stats.lastErr
		d.stats.mu.Unlock()
		out.Jobs = append(out.Jobs, it)
	}
	return out
}
