package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pipegate/runner"
)

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps runner errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, runner.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runner.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, runner.ErrInvalidPipeline):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// executeRequest is the body of POST /api/executions
type executeRequest struct {
	PipelineID       string         `json:"pipeline_id"`
	Stages           []runner.Stage `json:"stages"`
	WorkingDirectory string         `json:"working_directory"`
}

// PostExecution starts a pipeline execution and returns its id right away
func PostExecution(orch *runner.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": fmt.Sprintf("Invalid request: %v", err),
			})
			return
		}
		if req.PipelineID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "pipeline_id is required"})
			return
		}

		runner.NormalizeStages(req.Stages)
		if err := runner.ValidateStages(req.Stages); err != nil {
			writeError(w, err)
			return
		}

		id, err := orch.Execute(req.PipelineID, req.Stages, req.WorkingDirectory)
		if err != nil {
			writeError(w, err)
			return
		}

		logger.Info("execution requested",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("execution_id", id),
			slog.String("pipeline_id", req.PipelineID),
		)
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
	}
}

// GetExecutions returns every execution held in memory
func GetExecutions(orch *runner.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orch.GetAllExecutions())
	}
}

// GetExecution returns one execution with its stage executions
func GetExecution(orch *runner.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := orch.GetExecution(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	}
}

// PostCancelExecution cancels an execution
func PostCancelExecution(orch *runner.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := orch.CancelExecution(id); err != nil {
			writeError(w, err)
			return
		}
		exec, err := orch.GetExecution(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	}
}

// GetApprovals lists stage executions waiting for sign-off
func GetApprovals(orch *runner.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orch.PendingApprovals())
	}
}

// PostApprove approves a waiting stage execution
func PostApprove(orch *runner.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ApprovedBy string `json:"approved_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ApprovedBy == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "approved_by is required"})
			return
		}

		if err := orch.ApproveStage(chi.URLParam(r, "stageExecutionID"), req.ApprovedBy); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "approved"})
	}
}

// PostReject rejects a waiting stage execution
func PostReject(orch *runner.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RejectedBy string `json:"rejected_by"`
			Reason     string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RejectedBy == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "rejected_by is required"})
			return
		}

		if err := orch.RejectStage(chi.URLParam(r, "stageExecutionID"), req.RejectedBy, req.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
	}
}
