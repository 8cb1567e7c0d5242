// Package scheduler runs the sync, retention and health jobs on cron
// schedules in the configured timezone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wolfman30/appointment-sync/internal/syncer"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// Job identifiers.
const (
	JobDailySync     = "daily_sync"
	JobWeeklyCleanup = "weekly_cleanup"
	JobHealthCheck   = "hourly_health_check"
)

// Default cron specs.
const (
	DefaultSyncSpec    = "50 8 * * *"
	DefaultCleanupSpec = "0 3 * * 0"
	DefaultHealthSpec  = "0 * * * *"
)

var (
	// ErrUnknownJob is returned for an unrecognised job id.
	ErrUnknownJob = errors.New("scheduler: unknown job")
	// ErrInvalidSpec is returned when a cron expression does not parse.
	ErrInvalidSpec = errors.New("scheduler: invalid cron spec")
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner executes the scheduled work.
type Runner interface {
	RunSync(ctx context.Context) (*syncer.Report, error)
	RunCleanup(ctx context.Context, days int) (int64, error)
	HealthCheck(ctx context.Context) syncer.Health
	Running() bool
}

// Config holds job schedules. Empty specs use the defaults.
type Config struct {
	SyncSpec      string
	CleanupSpec   string
	HealthSpec    string
	RetentionDays int
	HealthTimeout time.Duration
	Location      *time.Location
}

type job struct {
	id       string
	name     string
	spec     string
	schedule cron.Schedule
	entryID  cron.EntryID
	paused   bool
	run      func()
}

// JobStatus describes one scheduled job.
type JobStatus struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Spec    string     `json:"spec"`
	NextRun *time.Time `json:"next_run,omitempty"`
	Paused  bool       `json:"paused"`
}

// Status describes the scheduler.
type Status struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Jobs     []JobStatus `json:"jobs"`
}

// Scheduler owns the cron instance and its jobs.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	cfg    Config
	now    func() time.Time
	logger *logging.Logger

	mu      sync.RWMutex
	jobs    map[string]*job
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	manual  sync.WaitGroup
}

// New builds a scheduler with the daily sync, weekly cleanup and hourly
// health jobs registered. Jobs never overlap with themselves, and a panic in
// a job is logged instead of killing the process.
func New(runner Runner, cfg Config, logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SyncSpec == "" {
		cfg.SyncSpec = DefaultSyncSpec
	}
	if cfg.CleanupSpec == "" {
		cfg.CleanupSpec = DefaultCleanupSpec
	}
	if cfg.HealthSpec == "" {
		cfg.HealthSpec = DefaultHealthSpec
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 365
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 30 * time.Second
	}

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithParser(specParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		jobs:   make(map[string]*job),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	defs := []struct {
		id, name, spec string
		run            func()
	}{
		{JobDailySync, "Daily appointment sync", cfg.SyncSpec, s.runSync},
		{JobWeeklyCleanup, "Weekly retention cleanup", cfg.CleanupSpec, s.runCleanup},
		{JobHealthCheck, "Hourly health check", cfg.HealthSpec, s.runHealthCheck},
	}
	for _, d := range defs {
		schedule, err := parseSpec(d.spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.id, err)
		}
		j := &job{id: d.id, name: d.name, spec: d.spec, schedule: schedule, run: d.run}
		j.entryID = s.cron.Schedule(schedule, cron.FuncJob(j.run))
		s.jobs[d.id] = j
	}
	return s, nil
}

func parseSpec(spec string) (cron.Schedule, error) {
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	return schedule, nil
}

// Start begins firing jobs. Jobs run with contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler: started", "timezone", s.cfg.Location.String(), "jobs", len(s.jobs))
}

// Stop cancels job contexts, stops firing and waits for running jobs,
// including manually triggered ones. A sync already persisting still
// completes its stages.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.cancel()
	s.mu.Unlock()

	if wasStarted {
		<-s.cron.Stop().Done()
	}
	s.manual.Wait()
	s.logger.Info("scheduler: stopped")
}

// TriggerSync starts an on-demand sync pass in the background. It returns
// syncer.ErrSyncInProgress when a pass is already running.
func (s *Scheduler) TriggerSync() error {
	if s.runner.Running() {
		return syncer.ErrSyncInProgress
	}
	s.goManual(func() { s.runSyncFrom(syncer.SourceAPI) })
	return nil
}

// TriggerCleanup starts the retention job in the background.
func (s *Scheduler) TriggerCleanup() {
	s.goManual(s.runCleanup)
}

func (s *Scheduler) goManual(fn func()) {
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduler: manual job panicked", "panic", r)
			}
		}()
		fn()
	}()
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Scheduler) runSync() {
	s.runSyncFrom(syncer.SourceScheduler)
}

func (s *Scheduler) runSyncFrom(source string) {
	ctx := syncer.WithTrigger(s.jobContext(), source)
	report, err := s.runner.RunSync(ctx)
	if err != nil {
		s.logger.Warn("scheduler: sync not started", "error", err)
		return
	}
	s.logger.Info("scheduler: sync finished",
		"run_id", report.RunID,
		"success", report.Success,
		"saved", report.Summary.Saved,
		"duration_seconds", report.DurationSeconds,
	)
}

func (s *Scheduler) runCleanup() {
	deleted, err := s.runner.RunCleanup(s.jobContext(), s.cfg.RetentionDays)
	if err != nil {
		s.logger.Error("scheduler: cleanup failed", "error", err)
		return
	}
	s.logger.Info("scheduler: cleanup finished", "deleted", deleted, "retention_days", s.cfg.RetentionDays)
}

func (s *Scheduler) runHealthCheck() {
	ctx, cancel := context.WithTimeout(s.jobContext(), s.cfg.HealthTimeout)
	defer cancel()
	h := s.runner.HealthCheck(ctx)
	if h.Healthy {
		s.logger.Debug("scheduler: health check passed")
		return
	}
	s.logger.Warn("scheduler: health check failed", "mis_api", h.Feed, "database", h.Database, "bot_api", h.Transport)
}

// Pause stops a job from firing until Resume.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.paused {
		return nil
	}
	s.cron.Remove(j.entryID)
	j.paused = true
	s.logger.Info("scheduler: job paused", "job", id)
	return nil
}

// Resume re-enables a paused job.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !j.paused {
		return nil
	}
	j.entryID = s.cron.Schedule(j.schedule, cron.FuncJob(j.run))
	j.paused = false
	s.logger.Info("scheduler: job resumed", "job", id)
	return nil
}

// Reschedule replaces a job's cron spec. A paused job stays paused.
func (s *Scheduler) Reschedule(id, spec string) error {
	schedule, err := parseSpec(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !j.paused {
		s.cron.Remove(j.entryID)
		j.entryID = s.cron.Schedule(schedule, cron.FuncJob(j.run))
	}
	old := j.spec
	j.spec, j.schedule = spec, schedule
	s.logger.Info("scheduler: job rescheduled", "job", id, "old_spec", old, "spec", spec)
	return nil
}

// Status lists the jobs with their next fire time.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().In(s.cfg.Location)
	st := Status{Running: s.started, Timezone: s.cfg.Location.String()}
	for _, j := range s.jobs {
		js := JobStatus{ID: j.id, Name: j.name, Spec: j.spec, Paused: j.paused}
		if !j.paused {
			next := j.schedule.Next(now)
			js.NextRun = &next
		}
		st.Jobs = append(st.Jobs, js)
	}
	sort.Slice(st.Jobs, func(a, b int) bool { return st.Jobs[a].ID < st.Jobs[b].ID })
	return st
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
