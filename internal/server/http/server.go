// Package httpserver provides the HTTP REST API for the definition
// extraction service: paper ingest and lifecycle endpoints, the progress
// projection with its SSE stream, the unified query endpoint, and the
// health and metrics surfaces.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/defscope/definition-extraction-service/internal/database"
	"github.com/defscope/definition-extraction-service/internal/domain"
	"github.com/defscope/definition-extraction-service/internal/observability"
	"github.com/defscope/definition-extraction-service/internal/pipeline"
	"github.com/defscope/definition-extraction-service/internal/repository"
)

// PipelineService is the slice of the pipeline orchestrator the API exposes.
type PipelineService interface {
	Ingest(ctx context.Context, upload pipeline.Upload) (*domain.Paper, bool, error)
	IngestURL(ctx context.Context, url string) (*domain.Paper, bool, error)
	Reprocess(ctx context.Context, paperID uuid.UUID, force bool) (*domain.ProcessingTask, error)
	DeletePaper(ctx context.Context, paperID uuid.UUID) error
}

// Canceller cancels a paper's active task. Satisfied by *pipeline.Engine.
type Canceller interface {
	CancelPaper(ctx context.Context, paperID uuid.UUID) (*domain.ProcessingTask, error)
}

// StatusProvider serves the progress projection. Satisfied by
// *pipeline.StatusReader.
type StatusProvider interface {
	GetStatus(ctx context.Context, paperID uuid.UUID) (*domain.StatusSnapshot, error)
}

// QueryService answers questions over processed papers. Satisfied by
// *query.Orchestrator.
type QueryService interface {
	Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MaxUploadBytes bounds multipart upload bodies.
	MaxUploadBytes int64
}

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server

	pipeline PipelineService
	cancel   Canceller
	status   StatusProvider
	querySvc QueryService

	papers    repository.PaperRepository
	sentences repository.SentenceRepository
	tasks     repository.TaskRepository

	db       *database.DB
	validate *validator.Validate
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      Config
}

// NewServer creates the HTTP server with all dependencies. metrics may be
// nil.
func NewServer(
	cfg Config,
	pipelineSvc PipelineService,
	canceller Canceller,
	status StatusProvider,
	querySvc QueryService,
	papers repository.PaperRepository,
	sentences repository.SentenceRepository,
	tasks repository.TaskRepository,
	db *database.DB,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}

	s := &Server{
		pipeline:  pipelineSvc,
		cancel:    canceller,
		status:    status,
		querySvc:  querySvc,
		papers:    papers,
		sentences: sentences,
		tasks:     tasks,
		db:        db,
		validate:  validator.New(),
		metrics:   metrics,
		logger:    logger.With().Str("component", "http-server").Logger(),
		cfg:       cfg,
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)

	// Operational endpoints
	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/papers", s.ingestPaper)
		r.Post("/papers/url", s.ingestPaperFromURL)
		r.Get("/papers", s.listPapers)
		r.Get("/papers/{paperID}", s.getPaper)
		r.Delete("/papers/{paperID}", s.deletePaper)
		r.Get("/papers/{paperID}/status", s.getPaperStatus)
		r.Get("/papers/{paperID}/progress/stream", s.streamProgress)
		r.Post("/papers/{paperID}/reprocess", s.reprocessPaper)
		r.Post("/papers/{paperID}/cancel", s.cancelPaper)
		r.Get("/papers/{paperID}/sentences", s.listSentences)
		r.Get("/papers/{paperID}/errors", s.listPaperErrors)
		r.Post("/query", s.query)
	})

	return r
}

// Start starts the HTTP server and blocks until it stops serving.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health(r.Context())
	if health.Status == "healthy" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": health.Status})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status":   "unhealthy",
		"database": health.Status,
		"error":    health.Error,
	})
}

// readinessHandler reports whether the service can accept traffic.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health(r.Context())
	if health.Status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": health.Status,
			"error":    health.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "healthy",
	})
}
