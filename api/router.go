package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pipegate/runner"
	"pipegate/runner/storage"
)

// RouterConfig holds what the HTTP API serves
type RouterConfig struct {
	Orchestrator *runner.Orchestrator
	Store        *storage.Storage // nil disables the history endpoints
	Projects     *runner.ProjectsConfig
	BaseDir      string
	Logger       *slog.Logger
}

// NewRouter builds the API routes under /api
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	projects := cfg.Projects
	if projects == nil {
		projects = &runner.ProjectsConfig{Projects: []runner.Project{}}
	}
	orch := cfg.Orchestrator

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "pipegate")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/executions", GetExecutions(orch))
		r.Post("/executions", PostExecution(orch, logger))
		r.Get("/executions/{id}", GetExecution(orch))
		r.Post("/executions/{id}/cancel", PostCancelExecution(orch))

		r.Get("/approvals", GetApprovals(orch))
		r.Post("/approvals/{stageExecutionID}/approve", PostApprove(orch))
		r.Post("/approvals/{stageExecutionID}/reject", PostReject(orch))

		r.Get("/events", SSEHandler(orch, logger))

		r.Get("/projects", GetProjects(projects, cfg.BaseDir))
		r.Post("/projects/{name}/run", PostProjectRun(orch, projects, cfg.BaseDir, logger))

		if cfg.Store != nil {
			r.Get("/history", GetHistory(cfg.Store))
			r.Get("/history/{id}", GetHistoryExecution(cfg.Store))
			r.Get("/history/pipelines/{pipelineID}/stats", GetPipelineStats(cfg.Store))
		}
	})

	return r
}
