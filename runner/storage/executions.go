package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveExecution inserts or replaces an execution together with its stage
// executions
func (s *Storage) SaveExecution(ctx context.Context, exec *Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var duration *string
	if exec.CompletedAt != nil {
		d := exec.CompletedAt.Sub(exec.StartedAt).String()
		duration = &d
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (id, pipeline_id, status, started_at, completed_at, duration)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration = excluded.duration`,
		exec.ID, exec.PipelineID, exec.Status, exec.StartedAt, exec.CompletedAt, duration,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM stage_executions WHERE execution_id = ?", exec.ID); err != nil {
		return fmt.Errorf("failed to clear stage executions: %w", err)
	}

	for i, stage := range exec.Stages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stage_executions (id, execution_id, stage_id, position, status, output, error, exit_code, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stage.ID, exec.ID, stage.StageID, i, stage.Status, stage.Output, stage.Error, stage.ExitCode, stage.StartedAt, stage.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save stage execution %s: %w", stage.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}
	return nil
}

// GetExecutions retrieves recorded executions, most recent first, without stages
func (s *Storage) GetExecutions(ctx context.Context, limit int) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, pipeline_id, status, started_at, completed_at, duration FROM executions ORDER BY started_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}

	return executions, rows.Err()
}

// GetExecution retrieves one execution with its stage executions
func (s *Storage) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, pipeline_id, status, started_at, completed_at, duration FROM executions WHERE id = ?",
		id,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	exec.Stages, err = s.getStageExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var exec Execution
	var completedAt sql.NullTime
	var duration sql.NullString

	if err := row.Scan(&exec.ID, &exec.PipelineID, &exec.Status, &exec.StartedAt, &completedAt, &duration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if duration.Valid {
		durationStr := duration.String
		exec.Duration = &durationStr
	}
	return &exec, nil
}
