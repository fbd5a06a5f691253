package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/willynikes2/GenOS/internal/bus"
	"github.com/willynikes2/GenOS/internal/catalog"
	"github.com/willynikes2/GenOS/internal/engine"
	"github.com/willynikes2/GenOS/internal/registry"
	"github.com/willynikes2/GenOS/internal/sched"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the collaborators the HTTP surface exposes. Reads go straight to
// the store and scheduler; every mutation goes through the engine.
type Deps struct {
	Store     registry.Store
	Engine    *engine.Engine
	Scheduler *sched.Scheduler
	Catalog   *catalog.Catalog
	Bus       *bus.Bus
	Auth      *Authenticator
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     registry.Store
	engine    *engine.Engine
	scheduler *sched.Scheduler
	catalog   *catalog.Catalog
	bus       *bus.Bus
	auth      *Authenticator
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     deps.Store,
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		catalog:   deps.Catalog,
		bus:       deps.Bus,
		auth:      deps.Auth,
		logger:    logger,
		addr:      addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router. Health and metrics stay
// open; everything under /v1 goes through auth when it is configured.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}

		r.Get("/v1/catalog", s.handleGetCatalog)
		r.Get("/v1/hosts", s.handleListHosts)
		r.Get("/v1/stats", s.handleGetStats)
		r.Get("/v1/events", s.handleStreamEvents)

		r.Route("/v1/environments", func(r chi.Router) {
			r.Post("/", s.handleSubmitEnvironment)
			r.Get("/", s.handleListEnvironments)
			r.Get("/{id}", s.handleGetEnvironment)
			r.Get("/{id}/events", s.handleEnvironmentEvents)
			r.Post("/{id}/start", s.handleStartEnvironment)
			r.Post("/{id}/suspend", s.handleSuspendEnvironment)
			r.Post("/{id}/resume", s.handleResumeEnvironment)
			r.Delete("/{id}", s.handleTerminateEnvironment)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
