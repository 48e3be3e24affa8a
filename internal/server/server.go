package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/internal/scheduler"
	"github.com/me/gpusched/pkg/model"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// Router classifies text and reports the routing decision.
type Router interface {
	Route(text string, hint model.TaskType) model.RouteDecision
}

// Verifier runs an ad-hoc cross-verification.
type Verifier interface {
	Verify(ctx context.Context, taskID, content string, tt model.TaskType, producing string) (model.VerificationResult, error)
}

// Chains reports the provider attempt order for a task.
type Chains interface {
	ChainFor(task model.Task, exclude ...string) []string
}

// Providers exposes cached and freshly probed provider status.
type Providers interface {
	Statuses() map[string]model.ProviderStatus
	Refresh(ctx context.Context) map[string]model.ProviderStatus
}

// Server is the gpusched REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	scheduler scheduler.Scheduler
	routes    Router              // optional; /route returns 503 without it
	chains    Chains              // optional; adds the failover order to /route
	verifier  Verifier            // optional; /verify returns 503 without it
	providers Providers           // optional; falls back to scheduler status
	gatherer  prometheus.Gatherer // optional; enables /metrics
	storeKind string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithRouter sets the task router used by /route.
func WithRouter(rt Router) Option {
	return func(s *Server) { s.routes = rt }
}

// WithChains sets the engine used to report failover order on /route.
func WithChains(c Chains) Option {
	return func(s *Server) { s.chains = c }
}

// WithVerifier sets the verification pipeline used by /verify.
func WithVerifier(v Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithProviders sets the provider registry used by /providers.
func WithProviders(p Providers) Option {
	return func(s *Server) { s.providers = p }
}

// WithMetrics exposes the gatherer on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithStoreKind names the state backend in the health response.
func WithStoreKind(kind string) Option {
	return func(s *Server) { s.storeKind = kind }
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, sched scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.Component(logger, "server"),
		config:    cfg,
		startTime: time.Now(),
		scheduler: sched,
		storeKind: "memory",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// StartScheduler begins the scheduling loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
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

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"X-Request-ID"},
		}))
	}
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSubmitTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/cancel", s.handleCancelTask)
			})
		})

		r.Get("/status", s.handleStatus)
		r.Get("/providers", s.handleProviders)
		r.Get("/gpus", s.handleGPUs)
		r.Post("/route", s.handleRoute)
		r.Post("/verify", s.handleVerify)

		// Live updates
		r.Get("/events", s.handleEvents)
		r.Get("/sse/tasks/{id}", s.handleSSETask)
	})
}
