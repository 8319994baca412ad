// Package api exposes screening over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server around handler.
func NewServer(cfg domain.ServerConfig, metricsCfg domain.MetricsConfig, handler *Handler) *Server {
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	if metricsCfg.Enabled {
		router.Use(metrics.Middleware)
	}
	router.Use(middleware.Compress(5))

	// No tenant required.
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, metrics.Handler())
	}

	// IP lists are shared by all tenants.
	router.Route("/ip-lists/{list}/{ip}", func(r chi.Router) {
		r.Get("/", handler.GetIP)
		r.Put("/", handler.PutIP)
	})

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/screenings", handler.Screen)
		r.Get("/screenings/{id}", handler.GetScreening)

		r.Post("/transactions", handler.RecordTransaction)
		r.Post("/transactions/batch", handler.RecordBatch)
		r.Get("/transactions/{id}", handler.GetTransaction)

		r.Get("/rules", handler.GetRules)
		r.Put("/rules", handler.UpdateRules)
		r.Post("/rules/expressions", handler.CreateExpression)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
