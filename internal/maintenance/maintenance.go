// Package maintenance runs scheduled housekeeping: pruning stale memories
// and purging old runs.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/observability"
)

// Job names.
const (
	JobMemoryPrune = "memory_prune"
	JobRunPurge    = "run_purge"
)

// Job is one scheduled task. Run returns how many records it touched.
type Job struct {
	Name string
	Spec string // Five-field cron spec.
	Run  func(ctx context.Context) (int, error)
}

// MemoryPruner removes stale, low-importance memories.
type MemoryPruner interface {
	Prune(ctx context.Context, ttl time.Duration, maxImportance float64) (int, error)
}

// RunPurger deletes runs older than a retention period.
type RunPurger interface {
	PurgeRuns(ctx context.Context, retention time.Duration) (int, error)
}

// Jobs builds the configured jobs. A nil pruner skips memory pruning.
func Jobs(cfg *config.MaintenanceConfig, mem MemoryPruner, runs RunPurger) []Job {
	var jobs []Job
	if mem != nil {
		jobs = append(jobs, Job{
			Name: JobMemoryPrune,
			Spec: cfg.PruneSchedule(),
			Run: func(ctx context.Context) (int, error) {
				return mem.Prune(ctx, cfg.MemoryTTL(), cfg.MinImportance())
			},
		})
	}
	if runs != nil {
		jobs = append(jobs, Job{
			Name: JobRunPurge,
			Spec: cfg.PurgeSchedule(),
			Run: func(ctx context.Context) (int, error) {
				return runs.PurgeRuns(ctx, cfg.RunRetention())
			},
		})
	}
	return jobs
}

// Scheduler runs jobs on their cron schedules. A job still running when
// its next tick arrives is skipped.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	metrics *observability.MetricsCollector
	logger  *slog.Logger
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
}

// New creates a scheduler. metrics may be nil.
func New(metrics *observability.MetricsCollector, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser:  parser,
		metrics: metrics,
		logger:  logger,
		timeout: 10 * time.Minute,
		jobs:    make(map[string]Job),
		ctx:     context.Background(),
	}
}

// Add registers a job. The spec is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if _, err := s.parser.Parse(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	if _, dup := s.jobs[job.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = job
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(job.Spec, func() { _ = s.run(s.context(), job) }); err != nil {
		return fmt.Errorf("scheduling job %s: %w", job.Name, err)
	}
	return nil
}

// Start begins firing jobs. The returned function stops the scheduler and
// waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "maintenance scheduler started", slog.Int("jobs", len(s.cron.Entries())))

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("maintenance scheduler stopped")
	}
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, job)
}

// Next returns the next fire time of each job.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	out := make(map[string]time.Time, len(s.jobs))
	for name, job := range s.jobs {
		if sched, err := s.parser.Parse(job.Spec); err == nil {
			out[name] = sched.Next(now)
		}
	}
	return out
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(ctx)
	s.metrics.RecordMaintenance(job.Name, err)

	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.logger.InfoContext(ctx, "maintenance job completed",
		slog.String("job", job.Name),
		slog.Int("affected", n),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// cronLogger adapts *slog.Logger to cron.Logger. Routine scheduling
// chatter goes to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
