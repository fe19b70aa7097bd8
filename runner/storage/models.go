package storage

import "time"

// Execution is a recorded pipeline execution
type Execution struct {
	ID          string            `json:"id"`
	PipelineID  string            `json:"pipeline_id"`
	Status      string            `json:"status"` // "running", "success", "failed", "cancelled"
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    *string           `json:"duration,omitempty"`
	Stages      []*StageExecution `json:"stages,omitempty"`
}

// StageExecution is a recorded stage attempt within an execution
type StageExecution struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	StageID     string     `json:"stage_id"`
	Position    int        `json:"position"`
	Status      string     `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
