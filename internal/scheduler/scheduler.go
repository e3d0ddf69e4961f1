// Package scheduler runs configured sweeps on cron schedules.
// Each firing is handed to a bounded worker pool; a schedule that is still
// running when it fires again is skipped for that tick.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/cidrsweep/internal/config"
	"github.com/anstrom/cidrsweep/internal/errors"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/scan"
	"github.com/anstrom/cidrsweep/internal/workers"
)

// Runner runs one sweep. *scan.Scanner satisfies it.
type Runner interface {
	Scan(ctx context.Context, req scan.Request, emit func(scan.Event)) (*scan.Summary, error)
}

// Submitter queues background jobs. *workers.Pool satisfies it.
type Submitter interface {
	Submit(job workers.Job) error
}

// Scheduler manages scheduled sweeps.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	pool    Submitter
	logger  *logging.Logger
	jobs    map[string]*ScheduledJob
	queued  map[string]string // pool job ID -> schedule name, until it starts
	mu      sync.RWMutex
	running bool
}

// ScheduledJob is the state of one configured schedule.
type ScheduledJob struct {
	Config    config.ScheduleConfig
	CronID    cron.EntryID
	LastRun   time.Time
	NextRun   time.Time
	Running   bool
	Runs      int
	LastTotal int
	LastFile  string
	LastError string
}

// NewScheduler creates a new scheduler that runs sweeps with runner on pool.
func NewScheduler(runner Runner, pool Submitter, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		pool:   pool,
		logger: logger.WithComponent("scheduler"),
		jobs:   make(map[string]*ScheduledJob),
		queued: make(map[string]string),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "schedules", len(s.jobs))
	return nil
}

// Stop stops firing schedules and returns a context that is done once
// running cron callbacks have returned. Sweeps already queued on the pool are
// not affected.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.cron.Stop()
	if s.running {
		s.running = false
		s.logger.Info("Scheduler stopped")
	}
	return ctx
}

// AddSchedule registers a sweep schedule.
func (s *Scheduler) AddSchedule(cfg config.ScheduleConfig) error {
	schedule, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("schedule %q already exists", cfg.Name)
	}

	name := cfg.Name
	cronID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		if err := s.RunNow(name); err != nil {
			s.logger.Warn("Scheduled sweep not started", "schedule", name, "error", err)
		}
	}))

	s.jobs[name] = &ScheduledJob{
		Config:  cfg,
		CronID:  cronID,
		NextRun: schedule.Next(time.Now()),
	}

	s.logger.Info("Added schedule",
		"schedule", name,
		"cron", cfg.Cron,
		"ranges", len(cfg.Ranges),
		"port", cfg.Port)
	return nil
}

// RemoveSchedule removes a schedule.
func (s *Scheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("schedule %q not found", name)
	}

	s.cron.Remove(job.CronID)
	delete(s.jobs, name)

	s.logger.Info("Removed schedule", "schedule", name)
	return nil
}

// Jobs returns a snapshot of every schedule, ordered by name.
func (s *Scheduler) Jobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot := *job
		if entry := s.cron.Entry(job.CronID); !entry.Next.IsZero() {
			snapshot.NextRun = entry.Next
		}
		jobs = append(jobs, snapshot)
	}
	slices.SortFunc(jobs, func(a, b ScheduledJob) int {
		return strings.Compare(a.Config.Name, b.Config.Name)
	})
	return jobs
}

// RunNow queues the named sweep immediately. It is a no-op when the previous
// run of the same schedule has not finished yet.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, exists := s.jobs[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("schedule %q not found", name)
	}
	if job.Running {
		s.mu.Unlock()
		s.logger.Info("Sweep is already running, skipping", "schedule", name)
		return nil
	}
	job.Running = true
	cfg := job.Config
	id := fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	s.queued[id] = name
	s.mu.Unlock()

	req := scan.Request{Ranges: cfg.Ranges, Port: uint16(cfg.Port)} //nolint:gosec // validated 1-65535

	err := s.pool.Submit(workers.NewScanJob(id, req, func(ctx context.Context, req scan.Request) error {
		return s.execute(ctx, id, name, cfg.OutputDir, req)
	}))
	if err != nil {
		s.mu.Lock()
		delete(s.queued, id)
		s.mu.Unlock()
		s.finish(name, func(j *ScheduledJob) { j.LastError = err.Error() })
		return err
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, id, name, outputDir string, req scan.Request) error {
	s.mu.Lock()
	delete(s.queued, id)
	s.mu.Unlock()

	started := time.Now()
	s.logger.Info("Executing scheduled sweep", "schedule", name, "ranges", len(req.Ranges), "port", req.Port)

	summary, err := s.runner.Scan(ctx, req, nil)
	var path string
	if err == nil {
		path, err = scan.WriteArtifact(outputDir, summary)
	}

	s.finish(name, func(j *ScheduledJob) {
		j.LastRun = started
		j.Runs++
		j.LastError = ""
		if summary != nil {
			j.LastTotal = summary.Total
		}
		j.LastFile = path
		if err != nil {
			j.LastError = err.Error()
		}
	})

	if errors.IsFatal(err) {
		s.logger.Error("Scheduled sweep can never succeed, removing schedule", "schedule", name, "error", err)
		if rmErr := s.RemoveSchedule(name); rmErr != nil {
			s.logger.Warn("Failed to remove schedule", "schedule", name, "error", rmErr)
		}
	}
	if err != nil {
		return err
	}
	s.logger.Info("Scheduled sweep completed",
		"schedule", name,
		"total", summary.Total,
		"failed_ranges", summary.Failed,
		"file", path,
		"duration", time.Since(started))
	return nil
}

// Watch consumes pool results until the channel is closed. Sweeps that were
// queued but never started, because the pool shut down first, are marked as
// no longer running.
func (s *Scheduler) Watch(results <-chan workers.Result) {
	for r := range results {
		s.mu.Lock()
		name, queued := s.queued[r.JobID]
		delete(s.queued, r.JobID)
		s.mu.Unlock()
		if !queued {
			continue
		}

		s.logger.Warn("Scheduled sweep did not run", "schedule", name, "job_id", r.JobID, "error", r.Error)
		s.finish(name, func(j *ScheduledJob) {
			if r.Error != nil {
				j.LastError = r.Error.Error()
			}
		})
	}
}

func (s *Scheduler) finish(name string, update func(*ScheduledJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, exists := s.jobs[name]; exists {
		job.Running = false
		update(job)
	}
}

// Load registers every configured schedule.
func (s *Scheduler) Load(schedules []config.ScheduleConfig) error {
	for _, cfg := range schedules {
		if err := s.AddSchedule(cfg); err != nil {
			return fmt.Errorf("schedule %q: %w", cfg.Name, err)
		}
	}
	return nil
}
