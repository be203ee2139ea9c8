package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/agent"
	"loom/internal/budget"
	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/lifecycle"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/progress"
	"loom/internal/store"
)

type fakeAgent struct {
	mu        sync.Mutex
	err       error
	output    string
	runs      int
	active    int
	maxActive int
	block     chan struct{}
	started   chan string
}

func (f *fakeAgent) Run(ctx context.Context, task *domain.Task, _ float64) (*agent.Result, error) {
	f.mu.Lock()
	f.runs++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	err := f.err
	block := f.block
	started := f.started
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if started != nil {
		started <- task.ID
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &agent.Result{
		Output:           f.output,
		PromptTokens:     10,
		CompletionTokens: 5,
		CostUSD:          0.001,
		ModelUsed:        "claude-sonnet-4-6",
	}, nil
}

func (f *fakeAgent) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAgent) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeGate struct {
	mu     sync.Mutex
	online map[string]bool
}

func (g *fakeGate) Available(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online[name]
}

func (g *fakeGate) AnyAvailable(prefix string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, ok := range g.online {
		if ok && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (g *fakeGate) set(name string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.online[name] = ok
}

type fixture struct {
	exec    *Executor
	store   *store.Store
	budget  *budget.Manager
	tracker *lifecycle.Tracker
	agent   *fakeAgent
	offset  atomic.Int64
	base    time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.offset.Add(int64(d))
}

func newFixture(t *testing.T, limits budget.Limits, cfg Config, gate ResourceGate) *fixture {
	t.Helper()
	s, err := store.Open(":memory:", logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ts := time.Now().UTC()
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, &domain.Project{
		ID: "p1", Name: "loom", Status: domain.ProjectExecuting,
		Rigor: domain.RigorBalanced, CreatedAt: ts, UpdatedAt: ts,
	}))
	require.NoError(t, s.CreatePlan(ctx, &domain.Plan{
		ID: "pl1", ProjectID: "p1", Version: 1, Status: domain.PlanApproved, CreatedAt: ts,
	}))

	f := &fixture{
		store:   s,
		budget:  budget.NewManager(s, limits, logging.Nop()),
		tracker: lifecycle.NewTracker(),
		agent:   &fakeAgent{output: "done"},
		base:    ts,
	}
	bus := progress.NewBus(s, 0, logging.Nop())
	router := llm.NewRouter(llm.RouterConfig{}, logging.Nop())
	life := lifecycle.New(s, f.budget, bus, f.agent, f.agent, nil, f.tracker, lifecycle.Config{})
	if cfg.Metrics == nil {
		cfg.Metrics = MustNewMetrics(prometheus.NewRegistry())
	}
	f.exec = New(s, f.budget, bus, router, life, f.tracker, gate, cfg)
	f.exec.now = func() time.Time {
		return time.Now().UTC().Add(time.Duration(f.offset.Load()))
	}
	return f
}

func (f *fixture) seedTask(t *testing.T, task *domain.Task) *domain.Task {
	t.Helper()
	task.ProjectID = "p1"
	task.PlanID = "pl1"
	if task.Title == "" {
		task.Title = "Task " + task.ID
	}
	if task.Type == "" {
		task.Type = domain.TypeCode
	}
	if task.Complexity == "" {
		task.Complexity = domain.ComplexityMedium
	}
	if task.ModelTier == "" {
		task.ModelTier = domain.TierSonnet
	}
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if task.MaxTokens == 0 {
		task.MaxTokens = 1024
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	task.CreatedAt = f.base
	task.UpdatedAt = f.base
	require.NoError(t, f.store.InsertTask(context.Background(), task))
	return task
}

// tickAndWait runs one scheduler pass and waits for every task it
// dispatched to settle.
func (f *fixture) tickAndWait(t *testing.T) {
	t.Helper()
	require.NoError(t, f.exec.tick(context.Background()))
	f.exec.taskWg.Wait()
}

func (f *fixture) taskStatus(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func (f *fixture) projectStatus(t *testing.T) domain.ProjectStatus {
	t.Helper()
	p, err := f.store.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	return p.Status
}

func (f *fixture) events(t *testing.T) []*domain.TaskEvent {
	t.Helper()
	events, err := f.store.EventsAfter(context.Background(), "p1", 0)
	require.NoError(t, err)
	return events
}

func TestTickRunsWavesAndCompletesProject(t *testing.T) {
	f := newFixture(t, budget.Limits{}, Config{}, nil)
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})
	f.seedTask(t, &domain.Task{ID: "t1", Wave: 1, Status: domain.TaskBlocked})
	ctx := context.Background()
	require.NoError(t, f.store.AddDependency(ctx, "t1", "t0"))

	f.tickAndWait(t)
	assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t0"))
	assert.Equal(t, domain.TaskBlocked, f.taskStatus(t, "t1"), "next wave waits for the following tick")

	f.tickAndWait(t)
	assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t1"))
	assert.Equal(t, domain.ProjectExecuting, f.projectStatus(t))

	f.tickAndWait(t)
	assert.Equal(t, domain.ProjectCompleted, f.projectStatus(t))
	p, err := f.store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.NotNil(t, p.CompletedAt)

	events := f.events(t)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventProjectComplete, last.EventType)
	assert.Equal(t, "All tasks finished.", last.Message)
	assert.Equal(t, 2, f.agent.runCount())
	assert.Zero(t, f.tracker.ActiveCount())
}

func TestTickHonorsConcurrencyLimit(t *testing.T) {
	f := newFixture(t, budget.Limits{}, Config{MaxConcurrentTasks: 1}, nil)
	f.agent.block = make(chan struct{})
	f.agent.started = make(chan string, 4)
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})
	f.seedTask(t, &domain.Task{ID: "t1", Wave: 0})

	require.NoError(t, f.exec.tick(context.Background()))

	<-f.agent.started
	assert.Equal(t, 1, f.agent.runCount(), "second task waits on the semaphore")

	close(f.agent.block)
	f.exec.taskWg.Wait()
	<-f.agent.started

	assert.Equal(t, 2, f.agent.runCount())
	f.agent.mu.Lock()
	maxActive := f.agent.maxActive
	f.agent.mu.Unlock()
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t0"))
	assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t1"))
}

func TestTickPausesProjectWhenBudgetExhausted(t *testing.T) {
	f := newFixture(t, budget.Limits{DailyUSD: 0.01}, Config{}, nil)
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})
	ctx := context.Background()
	require.NoError(t, f.budget.Record(ctx, &domain.UsageEntry{
		ProjectID: "p1", Model: "claude-sonnet-4-6", Provider: "anthropic",
		Purpose: "execution", CostUSD: 0.05,
	}))

	f.tickAndWait(t)

	assert.Equal(t, domain.ProjectPaused, f.projectStatus(t))
	assert.Equal(t, domain.TaskPending, f.taskStatus(t, "t0"))
	assert.Zero(t, f.agent.runCount())

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventBudgetWarning, events[0].EventType)
	assert.Equal(t, "Budget limit reached. Execution paused.", events[0].Message)
}

func TestTickSkipsTaskWhenReservationFails(t *testing.T) {
	f := newFixture(t, budget.Limits{DailyUSD: 0.05}, Config{}, nil)
	f.seedTask(t, &domain.Task{ID: "big", Wave: 0, MaxTokens: 4096})
	f.seedTask(t, &domain.Task{ID: "free", Wave: 0, ModelTier: domain.TierOllama})

	f.tickAndWait(t)

	assert.Equal(t, domain.TaskPending, f.taskStatus(t, "big"),
		"sonnet reservation exceeds the daily limit")
	assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "free"),
		"ollama dispatch reserves nothing")
	assert.Equal(t, domain.ProjectExecuting, f.projectStatus(t))
	assert.Equal(t, 1, f.agent.runCount())

	status, err := f.budget.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.Daily.ReservedUSD, "failed reservation holds nothing")
}

func TestTickWaveCheckpointPausesOnAdvance(t *testing.T) {
	f := newFixture(t, budget.Limits{}, Config{WaveCheckpoints: true}, nil)
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})
	f.seedTask(t, &domain.Task{ID: "t1", Wave: 1, Status: domain.TaskBlocked})
	ctx := context.Background()
	require.NoError(t, f.store.AddDependency(ctx, "t1", "t0"))

	f.tickAndWait(t)
	assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t0"))

	f.tickAndWait(t)
	assert.Equal(t, domain.ProjectPaused, f.projectStatus(t))
	assert.Equal(t, domain.TaskPending, f.taskStatus(t, "t1"), "unblocked but held by the pause")

	events := f.events(t)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventWaveCheckpoint, last.EventType)
	assert.Equal(t, "Wave 0 finished. Project paused before wave 1.", last.Message)
	assert.EqualValues(t, 0, last.Data["completed_wave"])
	assert.EqualValues(t, 1, last.Data["next_wave"])

	require.NoError(t, f.store.SetProjectStatus(ctx, "p1", domain.ProjectExecuting))
	f.tickAndWait(t)
	assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t1"), "resume does not re-pause")

	f.tickAndWait(t)
	assert.Equal(t, domain.ProjectCompleted, f.projectStatus(t))
}

func TestTickFailsProjectWithFailedTasks(t *testing.T) {
	f := newFixture(t, budget.Limits{}, Config{}, nil)
	f.agent.err = loomerrors.NewPermanentError(errors.New("bad"), "model rejected the request")
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})

	f.tickAndWait(t)
	assert.Equal(t, domain.TaskFailed, f.taskStatus(t, "t0"))

	f.tickAndWait(t)
	assert.Equal(t, domain.ProjectFailed, f.projectStatus(t))

	events := f.events(t)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventProjectFailed, last.EventType)
	assert.Equal(t, "Project finished with 1 failed task(s).", last.Message)
}

func TestTickFailsStalledProject(t *testing.T) {
	f := newFixture(t, budget.Limits{}, Config{}, nil)
	f.agent.err = loomerrors.NewPermanentError(errors.New("bad"), "model rejected the request")
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})
	f.seedTask(t, &domain.Task{ID: "t1", Wave: 1, Status: domain.TaskBlocked})
	ctx := context.Background()
	require.NoError(t, f.store.AddDependency(ctx, "t1", "t0"))

	f.tickAndWait(t)
	assert.Equal(t, domain.TaskFailed, f.taskStatus(t, "t0"))

	f.tickAndWait(t)
	assert.Equal(t, domain.ProjectFailed, f.projectStatus(t))
	assert.Equal(t, domain.TaskBlocked, f.taskStatus(t, "t1"))

	events := f.events(t)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventProjectFailed, last.EventType)
	assert.Equal(t, "No forward progress possible: 1 task(s) blocked by failed dependencies.", last.Message)
}

func TestTickRespectsRetryCooldown(t *testing.T) {
	f := newFixture(t, budget.Limits{}, Config{}, nil)
	f.agent.setErr(loomerrors.NewTransientError(errors.New("boom"), "upstream 529"))
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})

	f.tickAndWait(t)
	assert.Equal(t, domain.TaskPending, f.taskStatus(t, "t0"))
	assert.Equal(t, 1, f.agent.runCount())

	f.tickAndWait(t)
	assert.Equal(t, 1, f.agent.runCount(), "cooldown holds the task")

	f.agent.setErr(nil)
	f.advance(10 * time.Second)
	f.tickAndWait(t)
	assert.Equal(t, 2, f.agent.runCount())
	assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t0"))

	got, err := f.store.GetTask(context.Background(), "t0")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	var sawRetry bool
	for _, ev := range f.events(t) {
		if ev.EventType == domain.EventTaskRetry {
			sawRetry = true
		}
	}
	assert.True(t, sawRetry)
}

func TestTickResourceGates(t *testing.T) {
	t.Run("paid tier needs the anthropic api", func(t *testing.T) {
		gate := &fakeGate{online: map[string]bool{}}
		f := newFixture(t, budget.Limits{}, Config{}, gate)
		f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})

		f.tickAndWait(t)
		assert.Equal(t, domain.TaskPending, f.taskStatus(t, "t0"))
		assert.Zero(t, f.agent.runCount())

		gate.set("anthropic_api", true)
		f.tickAndWait(t)
		assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t0"))
	})

	t.Run("ollama tier needs a local backend", func(t *testing.T) {
		gate := &fakeGate{online: map[string]bool{}}
		f := newFixture(t, budget.Limits{}, Config{}, gate)
		f.seedTask(t, &domain.Task{ID: "t0", Wave: 0, ModelTier: domain.TierOllama})

		f.tickAndWait(t)
		assert.Zero(t, f.agent.runCount())

		gate.set("ollama_local", true)
		f.tickAndWait(t)
		assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t0"))
	})

	t.Run("image generation needs comfyui", func(t *testing.T) {
		gate := &fakeGate{online: map[string]bool{"anthropic_api": true}}
		f := newFixture(t, budget.Limits{}, Config{}, gate)
		f.seedTask(t, &domain.Task{ID: "t0", Wave: 0, Tools: []string{"generate_image"}})

		f.tickAndWait(t)
		assert.Zero(t, f.agent.runCount())

		gate.set("comfyui_studio", true)
		f.tickAndWait(t)
		assert.Equal(t, domain.TaskCompleted, f.taskStatus(t, "t0"))
	})
}

func TestStartRecoversStrandedTasks(t *testing.T) {
	gate := &fakeGate{online: map[string]bool{}}
	f := newFixture(t, budget.Limits{}, Config{TickInterval: time.Hour}, gate)
	f.seedTask(t, &domain.Task{ID: "tq", Wave: 0})
	f.seedTask(t, &domain.Task{ID: "tr", Wave: 0})
	ctx := context.Background()

	claimed, err := f.store.ClaimTask(ctx, "tq")
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = f.store.ClaimTask(ctx, "tr")
	require.NoError(t, err)
	require.True(t, claimed)
	running, err := f.store.MarkTaskRunning(ctx, "tr")
	require.NoError(t, err)
	require.True(t, running)

	f.advance(time.Hour)
	f.exec.Start()
	defer f.exec.Stop(50 * time.Millisecond)

	queued, err := f.store.GetTask(ctx, "tq")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, queued.Status)
	assert.Zero(t, queued.RetryCount, "interrupted queue slots are free")

	ran, err := f.store.GetTask(ctx, "tr")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, ran.Status)
	assert.Equal(t, 1, ran.RetryCount, "interrupted runs burn a retry")
	assert.Equal(t, "Stale task recovered", ran.Error)
}

func TestStopResetsInterruptedTasks(t *testing.T) {
	f := newFixture(t, budget.Limits{}, Config{TickInterval: 10 * time.Millisecond}, nil)
	f.agent.block = make(chan struct{})
	f.agent.started = make(chan string, 1)
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})

	f.exec.Start()
	<-f.agent.started

	f.exec.Stop(30 * time.Millisecond)

	got, err := f.store.GetTask(context.Background(), "t0")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, "interrupted by shutdown", got.Error)
	assert.Zero(t, f.tracker.ActiveCount())
	assert.Equal(t, domain.ProjectExecuting, f.projectStatus(t))
}

func TestSweepStaleReclaimsOldTasks(t *testing.T) {
	f := newFixture(t, budget.Limits{}, Config{StaleTaskAfter: 10 * time.Minute}, nil)
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})
	ctx := context.Background()
	claimed, err := f.store.ClaimTask(ctx, "t0")
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := f.exec.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh tasks stay put")

	f.advance(time.Hour)
	n, err = f.exec.SweepStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, domain.TaskPending, f.taskStatus(t, "t0"))
}

func TestMetricsRecorded(t *testing.T) {
	metrics := MustNewMetrics(prometheus.NewRegistry())
	f := newFixture(t, budget.Limits{}, Config{Metrics: metrics}, nil)
	f.seedTask(t, &domain.Task{ID: "t0", Wave: 0})

	f.tickAndWait(t)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.dispatches.WithLabelValues("sonnet")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.inflight), "gauge returns to zero")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.ticks), float64(1))
}
