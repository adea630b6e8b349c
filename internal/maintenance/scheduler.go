// Package maintenance runs periodic housekeeping: attempt log retention,
// session eviction and health status refresh.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/af-corp/switchboard/internal/config"
)

const jobTimeout = time.Minute

// Job is one scheduled task. An empty Schedule disables it.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on cron schedules. Overlapping runs of the same job
// are skipped.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
	jobs    map[string]Job
	entries map[string]cron.EntryID
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.With("component", "maintenance"),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
}

// Add validates and registers a job. It must be called before Start.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = job
	if job.Schedule == "" {
		s.logger.Info("job schedule not configured, skipping", "job", job.Name)
		return nil
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", job.Schedule, job.Name, err)
	}

	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(ctx, job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id
	return nil
}

// Start begins running scheduled jobs and stops them when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("maintenance scheduler started", "jobs", len(s.entries))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns when the named job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(id).Next
	return next, !next.IsZero()
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.exec(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	if err := s.exec(ctx, job); err != nil {
		s.logger.Error("maintenance job failed", "job", job.Name, "error", err)
	}
}

func (s *Scheduler) exec(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		return err
	}
	s.logger.Debug("maintenance job completed", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Job names registered by Register.
const (
	JobPruneAttempts = "prune_attempts"
	JobSweepSessions = "sweep_sessions"
	JobHealthRefresh = "health_refresh"
)

// AttemptPruner deletes attempt log rows older than a cutoff.
type AttemptPruner interface {
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
}

// Deps are the components the standard jobs operate on. Nil members leave
// their job unregistered.
type Deps struct {
	Attempts AttemptPruner
	Sessions interface{ SweepSessions() int }
	Health   interface{ Refresh() }
	Now      func() time.Time
}

// Register adds the standard jobs for cfg.
func Register(ctx context.Context, s *Scheduler, cfg config.MaintenanceConfig, deps Deps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	if deps.Attempts != nil && cfg.AttemptRetentionDays > 0 {
		retention := time.Duration(cfg.AttemptRetentionDays) * 24 * time.Hour
		err := s.Add(ctx, Job{Name: JobPruneAttempts, Schedule: cfg.PruneSchedule, Run: func(ctx context.Context) error {
			deleted, err := deps.Attempts.PruneAttempts(ctx, deps.Now().Add(-retention))
			if err != nil {
				return fmt.Errorf("prune attempts: %w", err)
			}
			if deleted > 0 {
				s.logger.Info("attempt log pruned", "deleted_count", deleted, "retention_days", cfg.AttemptRetentionDays)
			}
			return nil
		}})
		if err != nil {
			return err
		}
	}

	if deps.Sessions != nil {
		err := s.Add(ctx, Job{Name: JobSweepSessions, Schedule: cfg.SessionSweep, Run: func(context.Context) error {
			if n := deps.Sessions.SweepSessions(); n > 0 {
				s.logger.Info("idle sessions evicted", "count", n)
			}
			return nil
		}})
		if err != nil {
			return err
		}
	}

	if deps.Health != nil {
		err := s.Add(ctx, Job{Name: JobHealthRefresh, Schedule: cfg.HealthRefresh, Run: func(context.Context) error {
			deps.Health.Refresh()
			return nil
		}})
		if err != nil {
			return err
		}
	}
	return nil
}
