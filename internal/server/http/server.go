// Package httpserver provides the HTTP REST API of the literature pipeline.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/pipeline"
	"github.com/helixir/literature-pipeline/internal/repository"
	"github.com/helixir/literature-pipeline/internal/taskqueue"
)

// Pipeline is the set of orchestrator operations the API exposes.
// *pipeline.Orchestrator satisfies it.
type Pipeline interface {
	StartSearch(ctx context.Context, req pipeline.SearchRequest) error
	StartRun(ctx context.Context, req pipeline.RunRequest) (int, error)
	StartStage(ctx context.Context, projectID string, stage domain.Stage, profileID string) error
	IndexProject(ctx context.Context, projectID string) error
	ImportZotero(ctx context.Context, projectID, content string) (string, error)
	ImportZoteroPDFs(ctx context.Context, req pipeline.ZoteroPDFsRequest) (string, error)
	FetchPDFs(ctx context.Context, projectID string, articleIDs []string) (string, error)
	Ask(ctx context.Context, projectID, question string) (*pipeline.Answer, error)
	PullModel(ctx context.Context, model string) (string, error)
	DeleteProject(ctx context.Context, projectID string) error
	QueueStats(ctx context.Context) ([]taskqueue.Stats, error)
	ClearQueues(ctx context.Context) (map[taskqueue.Queue]int64, error)
}

// Subscriber delivers a project's notifications. *notify.Hub satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, projectID string) (<-chan domain.Notification, func())
}

// HealthCheckFunc reports whether a dependency is reachable.
type HealthCheckFunc func(ctx context.Context) error

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	pipeline   Pipeline
	repos      repository.Repositories
	events     Subscriber
	checks     map[string]HealthCheckFunc
	cfg        Config
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds every route except the event stream. Zero disables it.
	RequestTimeout time.Duration
	// MaxUploadBytes bounds Zotero import bodies.
	MaxUploadBytes int64
}

// Deps holds the collaborators the handlers call.
type Deps struct {
	Pipeline Pipeline
	Repos    repository.Repositories
	Events   Subscriber
	// Checks are run by the health endpoints, keyed by dependency name.
	Checks map[string]HealthCheckFunc
}

// NewServer creates a new HTTP server with all dependencies.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		pipeline: deps.Pipeline,
		repos:    deps.Repos,
		events:   deps.Events,
		checks:   deps.Checks,
		cfg:      cfg,
		logger:   logger.With().Str("component", "http-server").Logger(),
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

// Handler returns the root handler, for mounting in tests or another server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLogMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(jsonContentTypeMiddleware)

	r.Get("/healthz", s.livenessHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream outlives any request timeout.
		r.Get("/projects/{projectID}/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			if s.cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(s.cfg.RequestTimeout))
			}

			r.Get("/health", s.readinessHandler)

			r.Post("/projects", s.createProject)
			r.Get("/projects", s.listProjects)
			r.Route("/projects/{projectID}", func(r chi.Router) {
				r.Get("/", s.getProject)
				r.Delete("/", s.deleteProject)

				r.Post("/search", s.startSearch)
				r.Post("/run", s.startRun)
				r.Post("/stages/{stage}", s.startStage)
				r.Post("/import/zotero", s.importZotero)
				r.Post("/import/zotero-pdfs", s.importZoteroPDFs)
				r.Post("/pdfs/fetch", s.fetchPDFs)
				r.Post("/index", s.indexProject)
				r.Post("/chat", s.chat)

				r.Get("/extractions", s.listExtractions)
				r.Post("/extractions/validate", s.validateExtraction)
				r.Get("/validation-stats", s.validationStats)
				r.Get("/processing-log", s.listProcessingLog)
				r.Get("/results", s.getResults)

				r.Post("/grids", s.createGrid)
				r.Get("/grids", s.listGrids)
			})

			r.Get("/profiles", s.listProfiles)
			r.Post("/profiles", s.createProfile)
			r.Put("/profiles/{profileID}", s.updateProfile)
			r.Delete("/profiles/{profileID}", s.deleteProfile)

			r.Get("/prompts", s.listPrompts)
			r.Put("/prompts/{promptID}", s.updatePrompt)

			r.Get("/queues", s.queueStats)
			r.Post("/queues/clear", s.clearQueues)

			r.Post("/models/pull", s.pullModel)
		})
	})

	return r
}

// Start starts the HTTP server.
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

// livenessHandler reports that the process is serving.
func (s *Server) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler runs every dependency check and reports each result.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Checks: make(map[string]string, len(s.checks))}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			resp.Status = "unhealthy"
			resp.Checks[name] = "unhealthy"
			continue
		}
		resp.Checks[name] = "healthy"
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}
