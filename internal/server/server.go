package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"market-metrics/internal/config"
	"market-metrics/internal/service"
	"market-metrics/internal/storage"
)

// Refresher triggers one refresh run.
type Refresher interface {
	Refresh(ctx context.Context) (service.RunReport, error)
}

// Server exposes the metrics read API and the authenticated refresh
// trigger consumed by the dashboard UI and the external cron.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// New wires the router and returns a ready-to-start server.
func New(cfg config.ServerConfig, store storage.MetricStore, refresher Refresher, logger zerolog.Logger) *Server {
	handler := &Handler{
		store:     store,
		refresher: refresher,
		secret:    cfg.RefreshSecret,
		logger:    logger.With().Str("component", "http").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	handler.RegisterRoutes(router)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger.With().Str("component", "server").Logger(),
	}
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr reports the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
