// Package httpapi serves the status/query endpoint and the dashboard API.
//
//	GET  /?endpoint=health       liveness, never touches the store
//	GET  /?endpoint=latestPrice  latest observation, never fetches
//	POST /api/check              manual check
//	GET  /api/schedule           schedule + next fire time
//	PUT  /api/schedule           update schedule
//	GET  /api/history            all observations, newest first
//	POST /api/notify             resend the last successful price
//	GET  /api/status             runtime snapshot
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"pricewatch/internal/model"
	"pricewatch/internal/scheduler"
	logx "pricewatch/pkg/logx"
)

// History is the read side of the History Store.
type History interface {
	Latest(ctx context.Context) (model.Observation, bool, error)
	All(ctx context.Context) ([]model.Observation, error)
}

// Controller is the scheduler surface used by the API actions.
type Controller interface {
	CheckNow(ctx context.Context) (model.Observation, error)
	Schedule(ctx context.Context) (scheduler.ScheduleView, error)
	UpdateSchedule(ctx context.Context, u scheduler.ScheduleUpdate) (scheduler.ScheduleView, error)
	ResendLatest(ctx context.Context) (model.Observation, error)
	Snapshot(ctx context.Context) scheduler.Snapshot
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Pprof        bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	// Manual checks run inline and may take the full source timeout.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 90 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server owns the HTTP listener.
type Server struct {
	mu   sync.Mutex
	cfg  Config
	h    *handler
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string
}

// StatusFunc contributes extra sections to /api/status.
type StatusFunc func(ctx context.Context) map[string]any

func New(cfg Config, hist History, ctl Controller, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg: cfg.withDefaults(),
		h:   &handler{hist: hist, ctl: ctl, status: status, log: log},
		log: log,
	}
}

func init() { gin.SetMode(gin.ReleaseMode) }

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(s.log))

	r.GET("/", s.h.query)
	api := r.Group("/api")
	{
		api.POST("/check", s.h.check)
		api.GET("/schedule", s.h.getSchedule)
		api.PUT("/schedule", s.h.putSchedule)
		api.GET("/history", s.h.history)
		api.POST("/notify", s.h.resend)
		api.GET("/status", s.h.statusSnapshot)
	}
	if s.cfg.Pprof {
		r.Any("/debug/pprof/*name", loopbackOnly(), pprofHandler)
	}
	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
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
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()
	addr := s.addr

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", addr), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("http stopped", logx.String("addr", addr))
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
