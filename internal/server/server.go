// Package server provides the HTTP command surface of the pipeline.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/di"
)

// Server is the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	container *di.Container
	log       zerolog.Logger
}

// New creates the HTTP server and mounts all routes.
func New(container *di.Container, log zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		container: container,
		log:       log.With().Str("component", "server").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", container.Config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(5 * time.Minute))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	h := newHandlers(s.container, s.log)
	sys := newSystemHandlers(s.container, s.log)
	ws := newEventStreamHandler(s.container.Bus, s.log)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.container.Registry, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/ingest", h.ingest)
		})

		r.Route("/universes", func(r chi.Router) {
			r.Post("/", h.createUniverse)
			r.Post("/{universeID}/targets", h.createTarget)
			r.Get("/{universeID}/targets", h.listTargets)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Post("/", h.createSource)
		})

		r.Route("/analysts", func(r chi.Router) {
			r.Post("/", h.createAnalyst)
			r.Post("/{analystID}/overrides", h.upsertOverride)
			r.Put("/{analystID}/enabled", h.setAnalystEnabled)
		})

		r.Route("/predictions", func(r chi.Router) {
			r.Post("/generate/{targetID}", h.generatePredictions)
			r.Get("/active/{targetID}", h.activePrediction)
			r.Get("/{predictionID}", h.getPrediction)
			r.Post("/{predictionID}/resolve", h.resolvePrediction)
		})

		r.Route("/review", func(r chi.Router) {
			r.Get("/pending", h.pendingReviews)
			r.Post("/{signalID}/submit", h.submitReview)
		})

		r.Route("/learnings", func(r chi.Router) {
			r.Post("/", h.addHumanLearning)
			r.Get("/queue", h.pendingLearnings)
			r.Post("/queue/{entryID}/approve", h.approveLearning)
			r.Post("/queue/{entryID}/reject", h.rejectLearning)
		})

		r.Route("/replay", func(r chi.Router) {
			r.Get("/tests", h.listReplayTests)
			r.Post("/tests", h.createReplayTest)
			r.Get("/tests/{testID}", h.getReplayTest)
			r.Post("/tests/{testID}/snapshot", h.snapshotReplayTest)
			r.Post("/tests/{testID}/run", h.runReplayTest)
			r.Post("/tests/{testID}/restore", h.restoreReplayTest)
			r.Get("/tests/{testID}/results", h.replayResults)
			r.Get("/tests/{testID}/summary", h.replaySummary)
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/funnel", h.funnel)
			r.Get("/crawls", h.recentCrawls)
			r.Get("/accuracy/{targetID}", h.targetAccuracy)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.listSettings)
			r.Put("/{key}", h.putSetting)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", sys.health)
			r.Post("/backup", sys.backup)
		})

		r.Get("/events/ws", ws.serve)
	})
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
