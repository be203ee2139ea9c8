// Package app assembles the engine: it builds every long-lived component
// from a Config, wires them together, and owns startup and shutdown order.
// Both the loom CLI and the loom-server daemon run the engine through this
// package so the wiring lives in exactly one place.
package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"loom/internal/agent"
	"loom/internal/budget"
	"loom/internal/config"
	"loom/internal/decomposer"
	"loom/internal/executor"
	"loom/internal/knowledge"
	"loom/internal/lifecycle"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/monitor"
	"loom/internal/planner"
	"loom/internal/progress"
	"loom/internal/scheduler"
	"loom/internal/server"
	"loom/internal/store"
	"loom/internal/tools"
	"loom/internal/verifier"
)

// App holds the composed engine. Fields are exported so commands can reach
// individual components (the CLI talks to Store and Budget directly).
type App struct {
	Config     *config.Config
	Sink       *logging.Sink
	Store      *store.Store
	Budget     *budget.Manager
	Bus        *progress.Bus
	Monitor    *monitor.Monitor
	Router     *llm.Router
	Catalog    *knowledge.Catalog
	Registry   *tools.Registry
	Planner    *planner.Planner
	Decomposer *decomposer.Decomposer
	Verifier   *verifier.Verifier
	Tracker    *lifecycle.Tracker
	Lifecycle  *lifecycle.Lifecycle
	Executor   *executor.Executor
	Scheduler  *scheduler.Scheduler
	Server     *server.Server

	logger logging.Logger
}

// Build constructs the full engine from cfg. Nothing starts running until
// Run; Build only opens the store and the log sink.
func Build(cfg *config.Config) (*App, error) {
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sink, err := logging.NewSink(cfg.LogFile, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	logger := sink.Component("app")
	for _, w := range warnings {
		logger.Warn("%s", w)
	}

	st, err := store.Open(cfg.DBPath, sink.Component("store"))
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	bm := budget.NewManager(st, budget.Limits{
		DailyUSD:      cfg.DailyBudgetUSD,
		MonthlyUSD:    cfg.MonthlyBudgetUSD,
		PerProjectUSD: cfg.PerProjectBudgetUSD,
		WarnPercent:   cfg.BudgetWarnPercent,
	}, sink.Component("budget"))

	bus := progress.NewBus(st, cfg.EventBufferSize, sink.Component("progress"))

	mon := monitor.New(monitor.Config{
		OllamaHosts:     cfg.OllamaHosts,
		ComfyUIHosts:    cfg.ComfyUIHosts,
		AnthropicAPIKey: cfg.AnthropicAPIKey != "",
		CheckInterval:   cfg.ResourceCheckInterval.Std(),
		SkipWindow:      cfg.ResourceSkipWindow.Std(),
	}, sink.Component("monitor"))

	router := llm.NewRouter(llm.RouterConfig{
		Models:      cfg.AnthropicModels,
		OllamaModel: cfg.OllamaModel,
	}, sink.Component("llm"))

	clientCfg := llm.Config{
		APIKey:  cfg.AnthropicAPIKey,
		BaseURL: cfg.AnthropicBaseURL,
		Timeout: cfg.APITimeout.Std(),
		Logger:  sink.Component("llm"),
	}
	remoteClient := llm.NewAnthropicClient(cfg.PlanningModel, clientCfg)

	ollamaHost := primaryHost(cfg.OllamaHosts)
	localClient := llm.NewOllamaClient(cfg.OllamaModel, llm.Config{
		BaseURL: ollamaHost,
		Timeout: cfg.APITimeout.Std(),
		Logger:  sink.Component("llm"),
	})

	catalog := knowledge.NewCatalog(knowledge.Config{
		Dir:      cfg.KnowledgeDir,
		Embedder: knowledge.NewOllamaEmbedder(ollamaHost, cfg.OllamaEmbedModel, cfg.APITimeout.Std()),
		Logger:   sink.Component("knowledge"),
	})

	registry, err := tools.NewBuiltinRegistry(tools.BuiltinConfig{
		WorkspaceRoot:       cfg.WorkspaceRoot,
		Catalog:             catalog,
		OllamaHosts:         cfg.OllamaHosts,
		OllamaModel:         cfg.OllamaModel,
		OllamaTimeout:       cfg.APITimeout.Std(),
		ComfyUIHosts:        cfg.ComfyUIHosts,
		ComfyUICheckpoint:   cfg.ComfyUICheckpoint,
		ComfyUITimeout:      cfg.ComfyUITimeout.Std(),
		ComfyUIPollInterval: cfg.ComfyUIPollInterval.Std(),
		Logger:              sink.Component("tools"),
	})
	if err != nil {
		st.Close()
		sink.Close()
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	pl := planner.New(st, bm, remoteClient, router, planner.Config{
		Model:     cfg.PlanningModel,
		MaxTokens: cfg.DefaultMaxTokens,
		Logger:    sink.Component("planner"),
	})
	dec := decomposer.New(st, router, decomposer.Config{
		MaxTokens:  cfg.DefaultMaxTokens,
		MaxRetries: cfg.MaxTaskRetries,
		Logger:     sink.Component("decomposer"),
	})
	ver := verifier.New(bm, remoteClient, router, verifier.Config{
		Model:     cfg.VerificationModel,
		MaxTokens: cfg.VerificationMaxTokens,
		Logger:    sink.Component("verifier"),
	})

	remote := agent.NewRemote(remoteClient, router, bm, registry, bus, agent.RemoteConfig{
		MaxToolRounds: cfg.MaxToolRounds,
		Logger:        sink.Component("agent"),
	})
	local := agent.NewLocal(localClient, bm, sink.Component("agent"))

	tracker := lifecycle.NewTracker()
	life := lifecycle.New(st, bm, bus, remote, local, ver, tracker, lifecycle.Config{
		VerificationEnabled:      cfg.VerificationEnabled,
		CheckpointOnRetryExhaust: cfg.CheckpointOnRetryExhaust,
		ContextForwardMaxChars:   cfg.ContextForwardMaxChars,
		Logger:                   sink.Component("lifecycle"),
	})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := executor.MustNewMetrics(promRegistry)

	exec := executor.New(st, bm, bus, router, life, tracker, mon, executor.Config{
		TickInterval:       cfg.TickInterval.Std(),
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		StaleTaskAfter:     cfg.StaleTaskAfter.Std(),
		WaveCheckpoints:    cfg.WaveCheckpoints,
		Metrics:            metrics,
		Logger:             sink.Component("executor"),
	})

	sched := scheduler.New(st, bm, exec, scheduler.Config{
		Enabled:            true,
		EventRetentionDays: cfg.EventRetentionDays,
		Logger:             sink.Component("scheduler"),
	})

	srv := server.New(server.Deps{
		Config:     cfg,
		Store:      st,
		Budget:     bm,
		Bus:        bus,
		Monitor:    mon,
		Planner:    pl,
		Decomposer: dec,
		Lifecycle:  life,
		Gatherer:   promRegistry,
		Logger:     sink.Component("http"),
	})

	return &App{
		Config:     cfg,
		Sink:       sink,
		Store:      st,
		Budget:     bm,
		Bus:        bus,
		Monitor:    mon,
		Router:     router,
		Catalog:    catalog,
		Registry:   registry,
		Planner:    pl,
		Decomposer: dec,
		Verifier:   ver,
		Tracker:    tracker,
		Lifecycle:  life,
		Executor:   exec,
		Scheduler:  sched,
		Server:     srv,
		logger:     logger,
	}, nil
}

// Run starts the background components and serves HTTP until ctx is
// cancelled, then shuts everything down in reverse order. It returns the
// first fatal error, or nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Engine starting (db=%s, addr=%s:%d)", a.Config.DBPath, a.Config.Host, a.Config.Port)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Monitor.Start(runCtx)
	a.Executor.Start()
	if err := a.Scheduler.Start(runCtx); err != nil {
		a.shutdown()
		return fmt.Errorf("start scheduler: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.Server.Start()
	}()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			a.logger.Error("HTTP server failed: %v", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.ShutdownGrace.Std())
	defer stopCancel()
	if stopErr := a.Server.Stop(stopCtx); stopErr != nil && err == nil {
		err = stopErr
	}

	cancel()
	a.shutdown()
	a.logger.Info("Engine stopped")
	return err
}

// shutdown stops the engine components and releases the store and sink.
func (a *App) shutdown() {
	a.Executor.Stop(a.Config.ShutdownGrace.Std())
	a.Scheduler.Stop()
	if err := a.Store.Close(); err != nil {
		a.logger.Error("Closing store: %v", err)
	}
	a.Sink.Close()
}

// primaryHost picks the host to use when a single backend is needed. The
// "local" key wins when present; otherwise the first key in sorted order.
func primaryHost(hosts map[string]string) string {
	if url, ok := hosts["local"]; ok {
		return url
	}
	keys := make([]string, 0, len(hosts))
	for k := range hosts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return hosts[keys[0]]
}
