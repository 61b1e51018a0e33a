// Package api binds the management service to HTTP/JSON.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/service"
)

// Server holds the HTTP server state
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	svc        *service.Service
	logger     *zap.Logger
}

// NewServer constructs the HTTP API server
func NewServer(addr string, readTimeout time.Duration, svc *service.Service, logger *zap.Logger) *Server {
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	router := chi.NewRouter()
	s := &Server{
		router: router,
		svc:    svc,
		logger: logger.Named("api"),
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", s.handleListDefinitions)
			r.Post("/", s.handleCreateDefinition)
			r.Get("/{name}", s.handleGetDefinition)
			r.Post("/{name}/trigger", s.handleTriggerDefinition)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)

			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Get("/next", s.handleNextFires)
				r.Post("/enable", s.handleEnableSchedule)
				r.Post("/disable", s.handleDisableSchedule)
				r.Post("/trigger", s.handleTriggerSchedule)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{executionID}", s.handleGetExecution)
			r.Post("/{executionID}/cancel", s.handleCancelExecution)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Get("/summary", s.handleAlertSummary)
			r.Post("/{alertID}/acknowledge", s.handleAcknowledgeAlert)
			r.Post("/{alertID}/resolve", s.handleResolveAlert)
		})

		r.Get("/stats", s.handleStats)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
