// Package api exposes the run, entity and hook operations over HTTP for
// deployments that keep one long-lived engine process instead of invoking
// the CLI per operation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/logging"
	"github.com/fractary/faber/internal/service/entity"
	"github.com/fractary/faber/internal/service/hooks"
	"github.com/fractary/faber/internal/service/workflow"
)

// RunService is the part of the workflow machine the server drives.
type RunService interface {
	Init(ctx context.Context, req workflow.InitRequest) (*core.Run, error)
	Get(ctx context.Context, runID string) (*core.Run, error)
	List(ctx context.Context) ([]*core.Run, error)
	TransitionPhase(ctx context.Context, runID string, phase core.Phase, status core.PhaseStatus, data map[string]any) (*core.Run, error)
	Cancel(ctx context.Context, runID, reason string) (*core.Run, error)
	Pause(ctx context.Context, runID, reason string) (*core.Run, error)
	Resume(ctx context.Context, runID string) (*workflow.ResumePoint, error)
}

// EntityService is the part of the entity tracker the server drives.
type EntityService interface {
	Create(ctx context.Context, entityType, entityID string) (*core.Entity, error)
	Get(ctx context.Context, entityType, entityID string) (*core.Entity, error)
	History(ctx context.Context, entityType, entityID string) (*core.EntityHistory, error)
	RecordStep(ctx context.Context, rec entity.StepRecord) (*entity.RecordResult, error)
	QueryByStepAction(ctx context.Context, action string, status core.ExecutionStatus, limit int) ([]*core.Entity, error)
	RecentUpdates(ctx context.Context, limit int) ([]entity.RecentUpdate, error)
}

// HookService validates hooks.
type HookService interface {
	Validate(h hooks.Hook) error
}

// Server provides the HTTP endpoints.
type Server struct {
	router      chi.Router
	runs        RunService
	entities    EntityService
	hooks       HookService
	corsOrigins []string
	logger      *logging.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCORSOrigins sets the allowed CORS origins. Without it no
// cross-origin requests are allowed.
func WithCORSOrigins(origins ...string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithHooks enables the hook endpoints.
func WithHooks(h HookService) ServerOption {
	return func(s *Server) { s.hooks = h }
}

// NewServer creates a new API server.
func NewServer(runs RunService, entities EntityService, opts ...ServerOption) *Server {
	s := &Server{
		runs:     runs,
		entities: entities,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	if len(s.corsOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleInitRun)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/phases/{phase}", s.handleTransitionPhase)
				r.Post("/cancel", s.handleCancelRun)
				r.Post("/pause", s.handlePauseRun)
				r.Post("/resume", s.handleResumeRun)
			})
		})

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", s.handleQueryEntities)
			r.Get("/recent", s.handleRecentEntities)
			r.Route("/{entityType}/{entityID}", func(r chi.Router) {
				r.Get("/", s.handleGetEntity)
				r.Post("/", s.handleCreateEntity)
				r.Post("/steps", s.handleRecordStep)
				r.Get("/history", s.handleEntityHistory)
			})
		})

		r.Post("/hooks/validate", s.handleValidateHook)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.ErrValidation(core.CodeInvalidJSON, "invalid request body").WithCause(err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
