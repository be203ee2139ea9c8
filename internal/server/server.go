// Package server exposes the orchestration engine over HTTP: project and
// task management, human checkpoints, usage dashboards, admin analytics,
// and live progress streaming over SSE and WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/internal/budget"
	"loom/internal/config"
	"loom/internal/decomposer"
	"loom/internal/lifecycle"
	"loom/internal/logging"
	"loom/internal/monitor"
	"loom/internal/planner"
	"loom/internal/progress"
	"loom/internal/store"
)

// Deps are the engine components the HTTP layer fronts. All are required
// except Monitor, Gatherer, and Logger.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Budget     *budget.Manager
	Bus        *progress.Bus
	Monitor    *monitor.Monitor
	Planner    *planner.Planner
	Decomposer *decomposer.Decomposer
	Lifecycle  *lifecycle.Lifecycle
	Gatherer   prometheus.Gatherer
	Logger     logging.Logger
}

// Server is the composed HTTP front end.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	budget     *budget.Manager
	bus        *progress.Bus
	monitor    *monitor.Monitor
	planner    *planner.Planner
	decomposer *decomposer.Decomposer
	life       *lifecycle.Lifecycle
	gatherer   prometheus.Gatherer
	logger     logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// New wires the route table onto a fresh gin engine. The server does not
// listen until Start.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		cfg:        deps.Config,
		store:      deps.Store,
		budget:     deps.Budget,
		bus:        deps.Bus,
		monitor:    deps.Monitor,
		planner:    deps.Planner,
		decomposer: deps.Decomposer,
		life:       deps.Lifecycle,
		gatherer:   deps.Gatherer,
		logger:     logging.OrNop(deps.Logger),
		engine:     engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	engine.Use(requestID())
	engine.Use(requestLogger(s.logger))
	engine.Use(gin.Recovery())
	engine.Use(cors.New(s.corsConfig()))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port),
		Handler:     engine,
		ReadTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID", "X-Requested-With"}
	cfg.AllowWebSockets = true

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api")

	api.GET("/health", s.handleHealth)

	projects := api.Group("/projects")
	{
		projects.POST("", s.createProject)
		projects.GET("", s.listProjects)
		projects.GET("/:id", s.getProject)
		projects.PATCH("/:id", s.updateProject)
		projects.DELETE("/:id", s.deleteProject)
		projects.POST("/:id/plan", s.generatePlan)
		projects.GET("/:id/plans", s.listPlans)
		projects.POST("/:id/plans/:plan_id/approve", s.approvePlan)
		projects.POST("/:id/execute", s.executeProject)
		projects.POST("/:id/pause", s.pauseProject)
		projects.POST("/:id/cancel", s.cancelProject)
		projects.POST("/:id/clone", s.cloneProject)
		projects.GET("/:id/export", s.exportProject)
		projects.GET("/:id/coverage", s.projectCoverage)
	}

	tasks := api.Group("/tasks")
	{
		tasks.GET("/project/:project_id", s.listProjectTasks)
		tasks.POST("/bulk", s.bulkTaskAction)
		tasks.GET("/:id", s.getTask)
		tasks.PATCH("/:id", s.updateTask)
		tasks.POST("/:id/retry", s.retryTask)
		tasks.POST("/:id/cancel", s.cancelTask)
		tasks.POST("/:id/review", s.reviewTask)
	}

	checkpoints := api.Group("/checkpoints")
	{
		checkpoints.GET("/project/:project_id", s.listCheckpoints)
		checkpoints.GET("/:id", s.getCheckpoint)
		checkpoints.POST("/:id/resolve", s.resolveCheckpoint)
	}

	events := api.Group("/events")
	{
		events.GET("/:project_id", s.streamEvents)
		events.GET("/:project_id/ws", s.streamEventsWS)
		events.GET("/:project_id/history", s.eventHistory)
	}

	usage := api.Group("/usage")
	{
		usage.GET("/summary", s.usageSummary)
		usage.GET("/budget", s.budgetStatus)
		usage.GET("/daily", s.dailyUsage)
		usage.GET("/by-project", s.usageByProject)
	}

	services := api.Group("/services")
	{
		services.GET("", s.listResources)
		services.POST("/check", s.checkResources)
		services.GET("/:id", s.getResource)
	}

	admin := api.Group("/admin")
	{
		admin.GET("/stats", s.adminStats)
		admin.GET("/analytics/cost-breakdown", s.costBreakdown)
		admin.GET("/analytics/task-outcomes", s.taskOutcomes)
		admin.GET("/analytics/efficiency", s.efficiency)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// Handler returns the underlying engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until the server is shut down. Blocks.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}
