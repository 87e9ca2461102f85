// Package httpapi exposes broadcast operations, provider callbacks and
// operational endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"govcast/internal/aggregator"
	"govcast/internal/circuit"
	"govcast/internal/model"
	"govcast/internal/orchestrator"
	"govcast/internal/storage"
	"govcast/internal/targeting"
	logx "govcast/pkg/logx"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

type Config struct {
	Addr            string
	CORSOrigins     []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Pprof           bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Broadcasts is the broadcast lifecycle surface.
type Broadcasts interface {
	Schedule(ctx context.Context, req orchestrator.ScheduleRequest) (model.Broadcast, error)
	Get(ctx context.Context, id string) (orchestrator.View, error)
	Reschedule(ctx context.Context, id string, at time.Time, timezone string) (model.Broadcast, error)
	Cancel(ctx context.Context, id, by string) (model.Broadcast, error)
	ForceExecute(ctx context.Context, id string) error
	ListTasks(ctx context.Context, id string, f storage.TaskFilter) ([]model.DeliveryTask, error)
	RetryTask(ctx context.Context, key model.TaskKey, by string) (model.DeliveryTask, error)
	EstimateReach(ctx context.Context, tenantID string, c model.Criteria, chs []model.Channel) (targeting.Reach, error)
}

type Callbacks interface {
	ApplyCallback(ctx context.Context, cb aggregator.Callback) error
}

type Circuits interface {
	Snapshot() []circuit.Status
}

type Deps struct {
	Broadcasts Broadcasts
	Callbacks  Callbacks
	Circuits   Circuits
	Metrics    http.Handler
}

// Server owns the HTTP listener.
type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), deps: deps, log: log.With(logx.String("comp", "httpapi"))}
	s.engine = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), correlation(), s.accessLog())
	if len(s.cfg.CORSOrigins) > 0 {
		c := cors.DefaultConfig()
		if len(s.cfg.CORSOrigins) == 1 && s.cfg.CORSOrigins[0] == "*" {
			c.AllowAllOrigins = true
		} else {
			c.AllowOrigins = s.cfg.CORSOrigins
		}
		c.AllowHeaders = []string{"Content-Type", "Authorization", headerCorrelation}
		c.ExposeHeaders = []string{headerCorrelation}
		c.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
		r.Use(cors.New(c))
	}

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.cfg.Pprof {
		dbg := r.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			dbg.GET("/"+name, gin.WrapH(pprof.Handler(name)))
		}
	}

	v1 := r.Group("/v1")
	if s.deps.Broadcasts != nil {
		h := &broadcastHandler{svc: s.deps.Broadcasts}
		v1.POST("/broadcasts", h.schedule)
		v1.GET("/broadcasts/:id", h.get)
		v1.PUT("/broadcasts/:id/schedule", h.reschedule)
		v1.POST("/broadcasts/:id/cancel", h.cancel)
		v1.POST("/broadcasts/:id/execute", h.execute)
		v1.GET("/broadcasts/:id/tasks", h.tasks)
		v1.POST("/broadcasts/:id/tasks/retry", h.retry)
		v1.POST("/reach", h.reach)
	}
	if s.deps.Callbacks != nil {
		v1.POST("/callbacks/:channel", (&callbackHandler{svc: s.deps.Callbacks}).receive)
	}
	if s.deps.Circuits != nil {
		v1.GET("/circuits", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"circuits": s.deps.Circuits.Snapshot()})
		})
	}
	return r
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	addr := ln.Addr().String()
	s.srv, s.addr = srv, addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", addr), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop drains in-flight requests for at most ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return err
	}
	s.log.Info("http stopped")
	return nil
}
