// Package api exposes the campaign submission and reporting HTTP surface.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"groupcast/internal/campaign"
	"groupcast/internal/channel"
	"groupcast/internal/report"
	"groupcast/internal/store"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // default "127.0.0.1:8080"

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	campaigns *campaign.Service
	store     store.Store
	reports   *report.Aggregator
	reg       *channel.Registry
	validate  *validator.Validate

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, campaigns *campaign.Service, st store.Store, reports *report.Aggregator, reg *channel.Registry, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:       cfg,
		log:       log,
		campaigns: campaigns,
		store:     st,
		reports:   reports,
		reg:       reg,
		validate:  validator.New(),
	}
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Handler builds the router. Exposed separately so tests can drive the API
// through httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Post("/campaigns", s.handleSubmitCampaign)
		r.Get("/campaigns/{campaignID}", s.handleGetCampaign)
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/report", s.handleTenantReport)
			r.Get("/tasks", s.handleTenantTasks)
			r.Get("/channel", s.handleTenantChannel)
		})
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped unexpectedly", logx.Err(err))
		}
	}()

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("api stopped")
}
