package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pipegate/runner/storage"
)

const defaultHistoryLimit = 100

func limitParam(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

// GetHistory returns recorded executions, most recent first
func GetHistory(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := limitParam(r, defaultHistoryLimit)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		executions, err := store.GetExecutions(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": fmt.Sprintf("Failed to get executions: %v", err),
			})
			return
		}
		writeJSON(w, http.StatusOK, executions)
	}
}

// GetHistoryExecution returns one recorded execution with its stages
func GetHistoryExecution(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := store.GetExecution(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, exec)
	}
}

// GetPipelineStats returns status counts and the latest runs of a pipeline
func GetPipelineStats(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := limitParam(r, 5)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		stats, err := store.GetPipelineStats(r.Context(), chi.URLParam(r, "pipelineID"), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": fmt.Sprintf("Failed to get pipeline stats: %v", err),
			})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
