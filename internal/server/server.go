// Package server exposes the agent's command surface: a REST API for
// iterations, approvals, sensors, actuators, and loop control, plus an SSE
// event stream. Front-ends are external; this is their protocol boundary.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vigil/internal/config"
	"vigil/internal/ingress"
	"vigil/internal/loop"
	"vigil/internal/percept"
	"vigil/internal/store"
)

// Server hosts the HTTP command surface.
type Server struct {
	orch    *loop.Orchestrator
	sensors *percept.Registry
	ledger  *store.Store
	cfg     *config.Config
	cfgPath string
	watcher *ingress.DirWatcher
	log     *zap.Logger

	engine *gin.Engine
	http   *http.Server

	// runCtx is the process context handed to loop start and approval
	// dispatch, so actuator work outlives individual HTTP requests.
	runCtx context.Context
}

// Options wires the server's collaborators. Watcher may be nil when no
// directory ingress is configured.
type Options struct {
	Orchestrator *loop.Orchestrator
	Sensors      *percept.Registry
	Ledger       *store.Store
	Config       *config.Config
	ConfigPath   string
	Watcher      *ingress.DirWatcher
	Logger       *zap.Logger
	RunContext   context.Context
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		orch:    opts.Orchestrator,
		sensors: opts.Sensors,
		ledger:  opts.Ledger,
		cfg:     opts.Config,
		cfgPath: opts.ConfigPath,
		watcher: opts.Watcher,
		log:     opts.Logger,
		runCtx:  opts.RunContext,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.runCtx == nil {
		s.runCtx = context.Background()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	api := engine.Group("/api")
	{
		api.GET("/health", s.health)

		api.GET("/iterations", s.listIterations)
		api.GET("/iterations/:id", s.getIteration)

		api.GET("/approvals", s.listApprovals)
		api.POST("/approvals/:id/approve", s.approve)
		api.POST("/approvals/:id/deny", s.deny)

		api.POST("/sensors", s.addSensor)
		api.POST("/sensors/:name", s.updateSensor)
		api.DELETE("/sensors/:name", s.deleteSensor)
		api.POST("/sensors/:name/percepts", s.postPercept)

		api.POST("/actuators", s.addActuator)
		api.POST("/actuators/:name/policy", s.updatePolicy)

		api.GET("/loop/config", s.getLoopConfig)
		api.POST("/loop/config", s.setLoopConfig)
		api.POST("/loop/start", s.startLoop)
		api.POST("/loop/stop", s.stopLoop)

		api.GET("/status", s.status)
		api.GET("/events", s.events)
	}

	s.engine = engine
	return s
}

// Engine returns the gin engine, for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// requestLogger logs each request through zap.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("command surface listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
