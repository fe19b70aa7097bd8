package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pipegate/runner"
)

// GetProjects returns all configured projects with their validation state
func GetProjects(projectsConfig *runner.ProjectsConfig, baseDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type ProjectResponse struct {
			runner.Project
			Valid bool   `json:"valid"`
			Error string `json:"error,omitempty"`
		}

		projects := make([]ProjectResponse, 0, len(projectsConfig.Projects))
		for _, project := range projectsConfig.Projects {
			pr := ProjectResponse{Project: project, Valid: true}
			if err := project.Validate(baseDir); err != nil {
				pr.Valid = false
				pr.Error = err.Error()
			}
			projects = append(projects, pr)
		}

		writeJSON(w, http.StatusOK, projects)
	}
}

// PostProjectRun starts an execution of a project's pipeline
func PostProjectRun(orch *runner.Orchestrator, projectsConfig *runner.ProjectsConfig, baseDir string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectName := chi.URLParam(r, "name")

		project, err := projectsConfig.GetProject(projectName)
		if err != nil {
			writeError(w, err)
			return
		}

		if err := project.Validate(baseDir); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "Invalid project: " + err.Error(),
			})
			return
		}

		cfg, err := project.Load(baseDir)
		if err != nil {
			writeError(w, err)
			return
		}

		id, err := orch.Execute(cfg.ID, cfg.Stages, cfg.WorkingDirectory)
		if err != nil {
			writeError(w, err)
			return
		}

		logger.Info("project run triggered",
			slog.String("project", projectName),
			slog.String("execution_id", id),
		)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":      id,
			"message": "Pipeline started for " + projectName,
		})
	}
}
