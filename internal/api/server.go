// Package api serves the read-only status surface: job status, per-target
// outcomes, schedule runs and dead letters, plus the cancellation inlet.
//
// There is no auth on this surface; bind it to localhost unless something
// in front of it takes care of that.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	logx "freighter/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8740"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

type Server struct {
	cfg Config
	h   *handlers
	log logx.Logger

	mu  sync.Mutex
	srv *http.Server
}

func New(cfg Config, store Store, canceller Canceller, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg: cfg.withDefaults(),
		h:   &handlers{store: store, canceller: canceller, health: health, log: log},
		log: log,
	}
}

// Router builds the route table; split out so tests can drive it with
// httptest without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.h.healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/jobs/{id}", s.h.getJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/targets", s.h.getJobTargets).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/events", s.h.getJobEvents).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/cancel", s.h.cancelJob).Methods(http.MethodPost)
	v1.HandleFunc("/schedules", s.h.listSchedules).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}", s.h.getSchedule).Methods(http.MethodGet)
	v1.HandleFunc("/deadletters", s.h.listDeadLetters).Methods(http.MethodGet)
	return r
}

// Start begins serving in the background. The returned error is nil if the
// listener came up; serve errors after that surface through errCh.
func (s *Server) Start(errCh chan<- error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.srv = srv
	go func() {
		s.log.Info("status api listening", logx.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if errCh != nil {
				errCh <- err
			}
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("status api shutdown", logx.Any("err", err))
	}
}
