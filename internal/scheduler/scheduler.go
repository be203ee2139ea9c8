// Package scheduler runs the engine's periodic maintenance jobs: an hourly
// stale-task sweep, nightly event pruning, and a daily usage snapshot.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"loom/internal/budget"
	"loom/internal/logging"
	"loom/internal/store"
)

const (
	sweepSchedule    = "0 * * * *"
	pruneSchedule    = "30 3 * * *"
	snapshotSchedule = "0 0 * * *"
)

// Sweeper reclaims tasks stuck in running or queued. The executor provides it.
type Sweeper interface {
	SweepStale(ctx context.Context) (int64, error)
}

// Config carries maintenance scheduler settings.
type Config struct {
	Enabled            bool
	EventRetentionDays int
	JobTimeout         time.Duration
	Logger             logging.Logger
}

// Scheduler owns the cron runner behind the maintenance jobs.
type Scheduler struct {
	cron      *cron.Cron
	store     *store.Store
	budget    *budget.Manager
	sweeper   Sweeper
	enabled   bool
	retention int
	timeout   time.Duration
	logger    logging.Logger

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	stopped  chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// New builds a Scheduler over the store, budget manager, and sweeper.
func New(s *store.Store, b *budget.Manager, sweeper Sweeper, cfg Config) *Scheduler {
	logger := logging.OrNop(cfg.Logger)
	retention := cfg.EventRetentionDays
	if retention <= 0 {
		retention = 30
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:      newCron(logger),
		store:     s,
		budget:    b,
		sweeper:   sweeper,
		enabled:   cfg.Enabled,
		retention: retention,
		timeout:   timeout,
		logger:    logger,
		entryIDs:  make(map[string]cron.EntryID),
		stopped:   make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func newCron(logger logging.Logger) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
}

// Start registers the maintenance jobs and starts the cron runner. It stops
// itself when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info("Maintenance scheduler disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"stale_sweep", sweepSchedule, s.runSweep},
		{"events_prune", pruneSchedule, s.runPrune},
		{"usage_snapshot", snapshotSchedule, s.runSnapshot},
	}
	for _, job := range jobs {
		if err := s.register(job.name, job.schedule, job.run); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("Maintenance scheduler started with %d job(s)", len(s.entryIDs))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains running jobs and halts the cron runner. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("Maintenance scheduler stopped")
	})
}

// Done is closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// JobCount returns the number of registered maintenance jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}

// JobNames returns the registered job names in stable order.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// register adds one job to the cron runner. Must be called with s.mu held.
func (s *Scheduler) register(name, schedule string, run func(context.Context) error) error {
	if _, exists := s.entryIDs[name]; exists {
		return nil
	}
	entryID, err := s.cron.AddFunc(schedule, func() { s.runJob(name, run) })
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	s.entryIDs[name] = entryID
	s.logger.Info("Registered maintenance job %q (schedule=%s)", name, schedule)
	return nil
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := run(ctx); err != nil {
		s.logger.Error("Maintenance job %s failed: %v", name, err)
		return
	}
	s.logger.Debug("Maintenance job %s finished", name)
}

func (s *Scheduler) runSweep(ctx context.Context) error {
	// The sweeper logs its own reclaim counts.
	_, err := s.sweeper.SweepStale(ctx)
	return err
}

func (s *Scheduler) runPrune(ctx context.Context) error {
	cutoff := s.now().AddDate(0, 0, -s.retention)
	n, err := s.store.PruneEvents(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Pruned %d event(s) older than %d days", n, s.retention)
	}
	return nil
}

func (s *Scheduler) runSnapshot(ctx context.Context) error {
	summary, err := s.budget.Summary(ctx)
	if err != nil {
		return err
	}
	status, err := s.budget.Status(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Usage to date: $%.4f over %d API call(s), %d prompt + %d completion tokens",
		summary.TotalCostUSD, summary.APICallCount, summary.TotalPromptTokens, summary.TotalCompletionTokens)
	s.logger.Info("Spend today $%.4f of $%.2f, this month $%.4f of $%.2f",
		status.Daily.SpentUSD, status.Daily.LimitUSD,
		status.Monthly.SpentUSD, status.Monthly.LimitUSD)
	return nil
}

// cronLogger adapts the engine logger to cron's key/value contract.
type cronLogger struct {
	logger logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	if len(keysAndValues) == 0 {
		c.logger.Debug("Cron: %s", msg)
		return
	}
	c.logger.Debug("Cron: %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	if len(keysAndValues) == 0 {
		c.logger.Error("Cron: %s: %v", msg, err)
		return
	}
	c.logger.Error("Cron: %s: %v %v", msg, err, keysAndValues)
}
