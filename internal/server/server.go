package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/httputil"
	"github.com/foremanhq/foreman/internal/jobs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Server is the admin HTTP API for Foreman.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	svc       *jobs.Service
	pool      *pgxpool.Pool // nil in tests that run against the memory store
	startTime time.Time
}

// New creates a new Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, svc *jobs.Service, pool *pgxpool.Pool) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		svc:       svc,
		pool:      pool,
		startTime: time.Now(),
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", handleStats(svc))
		r.Get("/metrics", handleMetrics(svc))
		r.Get("/groups/{group}/active", handleGroupActive(svc))

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", handleListJobs(svc))
			r.Post("/", handleCreateJob(svc))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handleGetJob(svc))
				r.Patch("/", handleUpdateJob(svc))
				r.Delete("/", handleDeleteJob(svc))

				r.Post("/trigger", handleTriggerJob(svc))
				r.Post("/cancel", handleCancelJob(svc))
				r.Post("/pause", handlePauseJob(svc))
				r.Post("/resume", handleResumeJob(svc))
				r.Post("/disable", handleDisableJob(svc))
				r.Post("/archive", handleArchiveJob(svc))
				r.Post("/reset-breaker", handleResetBreaker(svc))

				r.Get("/attempts", handleListAttempts(svc))

				r.Route("/dependencies", func(r chi.Router) {
					r.Get("/", handleListDependencies(svc))
					r.Post("/", handleAddDependency(svc))
					r.Delete("/{dependsOn}", handleRemoveDependency(svc))
				})
			})
		})
	})

	return s
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.pool != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pool.Ping(pingCtx); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": err.Error(),
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}
