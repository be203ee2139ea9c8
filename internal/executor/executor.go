// Package executor is the engine's tick loop. Every interval it scans
// executing projects, unblocks tasks whose dependencies finished, and
// dispatches ready tasks from the current wave, gated by budget
// reservations, backend availability, and a concurrency semaphore. It also
// settles projects: completed when every task reached a terminal state,
// failed when blocked tasks can never run.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"loom/internal/budget"
	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/lifecycle"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/progress"
	"loom/internal/store"
)

const (
	// budgetProbeUSD is the nominal amount used to ask "is there any money
	// left" without reserving it.
	budgetProbeUSD = 0.001
	// dispatchInputEstimate is the assumed prompt size, in tokens, for a
	// task's budget reservation.
	dispatchInputEstimate = 1500
)

// TaskRunner executes one claimed task to a settled outcome.
type TaskRunner interface {
	Execute(ctx context.Context, task *domain.Task, estimate float64)
}

// ResourceGate answers availability questions about execution backends.
type ResourceGate interface {
	Available(name string) bool
	AnyAvailable(prefix string) bool
}

// Config carries executor settings.
type Config struct {
	TickInterval       time.Duration
	MaxConcurrentTasks int
	// StaleTaskAfter bounds how long a running task may sit untouched
	// before the hourly sweep reclaims it.
	StaleTaskAfter  time.Duration
	WaveCheckpoints bool
	Metrics         *Metrics
	Logger          logging.Logger
}

// Executor drives task dispatch for every executing project.
type Executor struct {
	store   *store.Store
	budget  *budget.Manager
	bus     *progress.Bus
	router  *llm.Router
	life    TaskRunner
	tracker *lifecycle.Tracker
	gate    ResourceGate
	sem     *semaphore.Weighted
	metrics *Metrics

	tickInterval time.Duration
	staleAfter   time.Duration
	waveGates    bool
	logger       logging.Logger

	// lastWave remembers the newest wave seen per project so wave
	// checkpoints pause exactly once per advance.
	mu       sync.Mutex
	lastWave map[string]int

	started atomic.Bool
	stopCh  chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
	taskWg  sync.WaitGroup

	now func() time.Time
}

// New builds an Executor. gate may be nil, which treats every backend as
// available.
func New(s *store.Store, b *budget.Manager, bus *progress.Bus, router *llm.Router, life TaskRunner, tracker *lifecycle.Tracker, gate ResourceGate, cfg Config) *Executor {
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 2 * time.Second
	}
	concurrent := cfg.MaxConcurrentTasks
	if concurrent <= 0 {
		concurrent = 3
	}
	staleAfter := cfg.StaleTaskAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Executor{
		store:        s,
		budget:       b,
		bus:          bus,
		router:       router,
		life:         life,
		tracker:      tracker,
		gate:         gate,
		sem:          semaphore.NewWeighted(int64(concurrent)),
		metrics:      metrics,
		tickInterval: tickInterval,
		staleAfter:   staleAfter,
		waveGates:    cfg.WaveCheckpoints,
		logger:       logging.OrNop(cfg.Logger),
		lastWave:     make(map[string]int),
		runCtx:       runCtx,
		cancel:       cancel,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start recovers tasks stranded by a previous run and begins the tick loop.
func (e *Executor) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.stopCh = make(chan struct{})

	if n, err := e.store.ResetStaleTasks(e.runCtx, e.now()); err != nil {
		e.logger.Error("Stale task recovery failed: %v", err)
	} else if n > 0 {
		e.logger.Info("Recovered %d task(s) stranded by a previous run", n)
	}

	e.loopWg.Add(1)
	go e.loop(e.runCtx)
	e.logger.Info("Executor started, ticking every %s", e.tickInterval)
}

// Stop halts the tick loop, waits up to grace for in-flight tasks, then
// cancels the stragglers and returns every interrupted claim to pending.
func (e *Executor) Stop(grace time.Duration) {
	if !e.started.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	e.loopWg.Wait()

	interrupted := e.tracker.ActiveIDs()

	done := make(chan struct{})
	go func() {
		e.taskWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("Shutdown grace expired, cancelling %d in-flight task(s)", e.tracker.ActiveCount())
	}
	e.cancel()
	<-done

	if len(interrupted) > 0 {
		if err := e.store.ResetTasksToPending(context.Background(), interrupted, "interrupted by shutdown"); err != nil {
			e.logger.Error("Could not reset interrupted tasks: %v", err)
		}
	}
	e.tracker.Reset()
	e.logger.Info("Executor stopped")
}

// SweepStale reclaims tasks that have sat in running or queued beyond the
// stale threshold. The scheduler calls this hourly.
func (e *Executor) SweepStale(ctx context.Context) (int64, error) {
	n, err := e.store.ResetStaleTasks(ctx, e.now().Add(-e.staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Warn("Reclaimed %d stale task(s)", n)
	}
	return n, nil
}

func (e *Executor) loop(ctx context.Context) {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		if err := e.tick(ctx); err != nil {
			e.logger.Error("Tick error: %s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (e *Executor) tick(ctx context.Context) error {
	e.metrics.ObserveTick()
	projectIDs, err := e.store.ExecutingProjects(ctx)
	if err != nil {
		return err
	}
	for _, projectID := range projectIDs {
		if err := e.tickProject(ctx, projectID); err != nil {
			e.logger.Error("Project %s tick failed: %v", projectID, err)
		}
	}
	return nil
}

func (e *Executor) tickProject(ctx context.Context, projectID string) error {
	ok, err := e.budget.CanSpend(ctx, budgetProbeUSD)
	if err != nil {
		return err
	}
	if !ok {
		e.publish(ctx, projectID, domain.EventBudgetWarning, "Budget limit reached. Execution paused.", nil)
		return e.store.SetProjectStatus(ctx, projectID, domain.ProjectPaused)
	}

	if _, err := e.store.UnblockTasks(ctx, projectID); err != nil {
		return err
	}

	wave, active, err := e.store.CurrentWave(ctx, projectID)
	if err != nil {
		return err
	}
	if !active {
		return e.settleProject(ctx, projectID)
	}

	if e.waveGates {
		if last, advanced := e.noteWave(projectID, wave); advanced {
			e.publish(ctx, projectID, domain.EventWaveCheckpoint,
				fmt.Sprintf("Wave %d finished. Project paused before wave %d.", last, wave),
				map[string]any{"completed_wave": last, "next_wave": wave})
			return e.store.SetProjectStatus(ctx, projectID, domain.ProjectPaused)
		}
	}

	ready, err := e.store.ReadyTasks(ctx, projectID, wave)
	if err != nil {
		return err
	}
	for _, task := range ready {
		e.dispatch(ctx, task)
	}
	if len(ready) == 0 {
		return e.failIfStalled(ctx, projectID)
	}
	return nil
}

// noteWave records the newest wave seen for the project and reports whether
// it advanced past the previous one.
func (e *Executor) noteWave(projectID string, wave int) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, seen := e.lastWave[projectID]
	e.lastWave[projectID] = wave
	return last, seen && wave > last
}

func (e *Executor) forgetWave(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastWave, projectID)
}

// settleProject runs when no task is left outside a terminal state.
func (e *Executor) settleProject(ctx context.Context, projectID string) error {
	counts, err := e.store.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return err
	}
	status := domain.ProjectCompleted
	eventType := domain.EventProjectComplete
	msg := "All tasks finished."
	if failed := counts[domain.TaskFailed]; failed > 0 {
		status = domain.ProjectFailed
		eventType = domain.EventProjectFailed
		msg = fmt.Sprintf("Project finished with %d failed task(s).", failed)
	}
	if err := e.store.CompleteProject(ctx, projectID, status); err != nil {
		return err
	}
	e.forgetWave(projectID)
	e.publish(ctx, projectID, eventType, msg, nil)
	e.logger.Info("Project %s finished as %s", projectID, status)
	return nil
}

// failIfStalled fails a project whose only remaining tasks are blocked
// behind dependencies that will never complete.
func (e *Executor) failIfStalled(ctx context.Context, projectID string) error {
	counts, err := e.store.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return err
	}
	if counts[domain.TaskPending]+counts[domain.TaskQueued]+counts[domain.TaskRunning] > 0 {
		return nil
	}
	if counts[domain.TaskNeedsReview] > 0 {
		// A human verdict can still unblock these.
		return nil
	}
	blocked := counts[domain.TaskBlocked]
	if blocked == 0 {
		return nil
	}
	if err := e.store.CompleteProject(ctx, projectID, domain.ProjectFailed); err != nil {
		return err
	}
	e.forgetWave(projectID)
	e.publish(ctx, projectID, domain.EventProjectFailed,
		fmt.Sprintf("No forward progress possible: %d task(s) blocked by failed dependencies.", blocked), nil)
	return nil
}

// dispatch tries to hand one ready task to a runner. Failures along the way
// leave the task pending for a later tick.
func (e *Executor) dispatch(ctx context.Context, task *domain.Task) bool {
	if !e.tracker.Ready(task.ID, e.now()) {
		return false
	}
	if !e.resourcesAvailable(task) {
		e.logger.Debug("Task %s waiting for backend availability", task.ID)
		return false
	}

	estimate := 0.0
	if task.ModelTier != domain.TierOllama {
		estimate = e.router.Cost(e.router.ModelID(task.ModelTier), dispatchInputEstimate, task.MaxTokens)
		if err := e.budget.Reserve(ctx, task.ProjectID, estimate); err != nil {
			if loomerrors.IsBudgetExhausted(err) {
				e.logger.Warn("Cannot reserve $%.4f for task %s: %v", estimate, task.ID, err)
			} else {
				e.logger.Error("Reservation failed for task %s: %v", task.ID, err)
			}
			return false
		}
	}

	if !e.tracker.TryDispatch(task.ID) {
		e.budget.Release(task.ProjectID, estimate)
		return false
	}
	claimed, err := e.store.ClaimTask(ctx, task.ID)
	if err != nil || !claimed {
		if err != nil {
			e.logger.Error("Claim failed for task %s: %v", task.ID, err)
		}
		e.tracker.Done(task.ID)
		e.budget.Release(task.ProjectID, estimate)
		return false
	}

	e.metrics.ObserveDispatch(string(task.ModelTier))
	e.taskWg.Add(1)
	go e.runTask(e.runCtx, task, estimate)
	return true
}

func (e *Executor) runTask(ctx context.Context, task *domain.Task, estimate float64) {
	defer e.taskWg.Done()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting for a slot; Stop resets the claim.
		e.tracker.Done(task.ID)
		e.budget.Release(task.ProjectID, estimate)
		return
	}
	defer e.sem.Release(1)

	e.metrics.IncInflight()
	start := e.now()
	defer func() {
		e.metrics.DecInflight()
		e.metrics.ObserveTaskDuration(string(task.ModelTier), e.now().Sub(start))
	}()

	e.life.Execute(ctx, task, estimate)
}

func (e *Executor) resourcesAvailable(task *domain.Task) bool {
	if e.gate == nil {
		return true
	}
	if task.ModelTier == domain.TierOllama {
		if !e.gate.AnyAvailable("ollama_") {
			return false
		}
	} else if !e.gate.Available("anthropic_api") {
		return false
	}
	for _, tool := range task.Tools {
		switch tool {
		case "generate_image":
			if !e.gate.AnyAvailable("comfyui_") {
				return false
			}
		case "search_knowledge":
			// Knowledge search embeds the query through ollama.
			if !e.gate.AnyAvailable("ollama_") {
				return false
			}
		}
	}
	return true
}

func (e *Executor) publish(ctx context.Context, projectID, eventType, message string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(ctx, &domain.TaskEvent{
		ProjectID: projectID,
		EventType: eventType,
		Message:   message,
		Data:      data,
		Timestamp: e.now(),
	}); err != nil {
		e.logger.Warn("Could not publish %s event for project %s: %v", eventType, projectID, err)
	}
}
