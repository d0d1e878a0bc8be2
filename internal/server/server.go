package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/observability"
	"github.com/me/fairq/internal/scheduler"
	"github.com/me/fairq/internal/store"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// Server is the fairq REST API server.
type Server struct {
	router     chi.Router
	logger     *slog.Logger
	config     config.ServerConfig
	startTime  time.Time
	store      store.Store
	loop       *scheduler.Loop
	metrics    *observability.Registry
	workerKeys *WorkerKeyConfig
	pollEvery  time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMetrics sets the registry served by the metrics endpoints.
func WithMetrics(reg *observability.Registry) Option {
	return func(s *Server) {
		s.metrics = reg
	}
}

// WithWorkerKeys enables worker key checks on the task callbacks.
func WithWorkerKeys(keys *WorkerKeyConfig) Option {
	return func(s *Server) {
		s.workerKeys = keys
	}
}

// WithStreamInterval sets how often workflow streams poll the store.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pollEvery = d
	}
}

// New creates a new Server with all routes registered. loop owns the
// scheduling components the handlers read and feed.
func New(cfg config.ServerConfig, st store.Store, loop *scheduler.Loop, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		loop:      loop,
		metrics:   observability.Default,
		pollEvery: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// StartScheduler begins the scheduling loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.loop == nil {
		return
	}
	go func() {
		if err := s.loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(tracingMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/metrics", s.handlePrometheus)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleListWorkflows)
			r.Post("/", s.handleSubmitWorkflow)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkflow)
				r.Put("/cancel", s.handleCancelWorkflow)
				r.Get("/events", s.handleWorkflowEvents)
			})
		})

		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Group(func(r chi.Router) {
				r.Use(workerAuthMiddleware(s.workerKeys, s.logger))
				r.Post("/complete", s.handleCompleteTask)
				r.Post("/fail", s.handleFailTask)
				r.Post("/checkpoint", s.handleCheckpointTask)
			})
		})

		r.Get("/deadletters", s.handleListDeadLetters)
		r.Get("/queues", s.handleListQueues)
		r.Get("/tenants", s.handleListTenants)
		r.Get("/breakers", s.handleListBreakers)
		r.Get("/config", s.handleGetConfig)
		r.Get("/metrics", s.handleMetricsJSON)
	})
}
