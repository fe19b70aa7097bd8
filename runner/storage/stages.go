package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// getStageExecutions retrieves the stage executions of one execution in
// processing order
func (s *Storage) getStageExecutions(ctx context.Context, executionID string) ([]*StageExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, stage_id, position, status, output, error, exit_code, started_at, completed_at
		FROM stage_executions WHERE execution_id = ? ORDER BY position ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage executions: %w", err)
	}
	defer rows.Close()

	stages := make([]*StageExecution, 0)
	for rows.Next() {
		var stage StageExecution
		var output, errMsg sql.NullString
		var exitCode sql.NullInt64
		var completedAt sql.NullTime

		err := rows.Scan(&stage.ID, &stage.ExecutionID, &stage.StageID, &stage.Position, &stage.Status,
			&output, &errMsg, &exitCode, &stage.StartedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage execution: %w", err)
		}

		stage.Output = output.String
		stage.Error = errMsg.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			stage.ExitCode = &code
		}
		if completedAt.Valid {
			stage.CompletedAt = &completedAt.Time
		}

		stages = append(stages, &stage)
	}

	return stages, rows.Err()
}
