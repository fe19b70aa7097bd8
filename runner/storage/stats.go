package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunStats summarises one recorded execution of a pipeline
type RunStats struct {
	ExecutionID  string    `json:"execution_id"`
	Status       string    `json:"status"`
	Duration     *string   `json:"duration,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	StageCount   int       `json:"stage_count"`
	FailedStages int       `json:"failed_stages"`
}

// PipelineStats aggregates the latest executions of a pipeline
type PipelineStats struct {
	PipelineID string     `json:"pipeline_id"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Cancelled  int        `json:"cancelled"`
	Latest     []RunStats `json:"latest"`
}

// GetPipelineStats returns status counts over all recorded executions of a
// pipeline plus the latest limit runs
func (s *Storage) GetPipelineStats(ctx context.Context, pipelineID string, limit int) (*PipelineStats, error) {
	stats := &PipelineStats{PipelineID: pipelineID, Latest: make([]RunStats, 0)}

	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0)
		FROM executions WHERE pipeline_id = ?`,
		pipelineID,
	).Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT
			e.id,
			e.status,
			e.duration,
			e.started_at,
			COUNT(se.id) AS stage_count,
			COALESCE(SUM(CASE WHEN se.status = 'failed' THEN 1 ELSE 0 END), 0) AS failed_stages
		FROM executions e
		LEFT JOIN stage_executions se ON e.id = se.execution_id
		WHERE e.pipeline_id = ?
		GROUP BY e.id, e.status, e.duration, e.started_at
		ORDER BY e.started_at DESC
		LIMIT ?`,
		pipelineID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var run RunStats
		var duration sql.NullString

		if err := rows.Scan(&run.ExecutionID, &run.Status, &duration, &run.StartedAt, &run.StageCount, &run.FailedStages); err != nil {
			return nil, fmt.Errorf("failed to scan run stats: %w", err)
		}
		if duration.Valid {
			durationStr := duration.String
			run.Duration = &durationStr
		}
		stats.Latest = append(stats.Latest, run)
	}

	return stats, rows.Err()
}
