package runner

import (
	"strings"
	"time"
)

// DefaultStageTimeout applies when a stage does not set its own timeout
const DefaultStageTimeout = 300000 * time.Millisecond

// MaxStageTimeout is the longest timeout a stage may declare
const MaxStageTimeout = 24 * time.Hour

// DefaultRetryDelay is the fixed pause between two attempts of a command stage
const DefaultRetryDelay = 1000 * time.Millisecond

// StageType selects how a stage is handled
type StageType string

const (
	StageTypeCommand      StageType = "command"
	StageTypeManual       StageType = "manual"
	StageTypeApproval     StageType = "approval"
	StageTypeNotification StageType = "notification"
)

// Valid reports whether t is one of the declared stage types
func (t StageType) Valid() bool {
	switch t {
	case StageTypeCommand, StageTypeManual, StageTypeApproval, StageTypeNotification:
		return true
	}
	return false
}

// Stage is one declared unit of work in a pipeline
type Stage struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name" yaml:"name"`
	Type             StageType `json:"type" yaml:"type"`
	Order            int       `json:"order" yaml:"order"`
	RequiresApproval bool      `json:"requires_approval" yaml:"requires_approval"`
	Command          string    `json:"command,omitempty" yaml:"command"`
	Args             []string  `json:"args,omitempty" yaml:"args"`
	WorkingDirectory string    `json:"working_directory,omitempty" yaml:"working_directory"`
	Timeout          int64     `json:"timeout,omitempty" yaml:"timeout"` // milliseconds, 0 = default
	RetryCount       int       `json:"retry_count,omitempty" yaml:"retry_count"`
	ContinueOnError  bool      `json:"continue_on_error,omitempty" yaml:"continue_on_error"`
}

// CommandLine joins the command and its arguments with single spaces.
// Arguments are not escaped.
func (s Stage) CommandLine() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}

// EffectiveTimeout returns the stage timeout or DefaultStageTimeout, capped
// at MaxStageTimeout
func (s Stage) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultStageTimeout
	}
	if s.Timeout > MaxStageTimeout.Milliseconds() {
		return MaxStageTimeout
	}
	return time.Duration(s.Timeout) * time.Millisecond
}

// Attempts returns how many times a failing command is tried
func (s Stage) Attempts() int {
	if s.RetryCount < 0 {
		return 1
	}
	return s.RetryCount + 1
}

// StageStatus is the state of a single stage execution
type StageStatus string

const (
	StageStatusPending         StageStatus = "pending"
	StageStatusRunning         StageStatus = "running"
	StageStatusSuccess         StageStatus = "success"
	StageStatusFailed          StageStatus = "failed"
	StageStatusSkipped         StageStatus = "skipped" // reserved, never produced
	StageStatusWaitingApproval StageStatus = "waiting_approval"
)

// IsTerminal reports whether the stage will not run again
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusSuccess || s == StageStatusFailed || s == StageStatusSkipped
}

// ExecutionStatus is the aggregate state of a pipeline execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution reached its final status
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StageExecution records one stage's attempt(s) within an execution
type StageExecution struct {
	ID          string      `json:"id"`
	StageID     string      `json:"stage_id"`
	Status      StageStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`
}

func (s StageExecution) clone() StageExecution {
	c := s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	return c
}

// PipelineExecution is one run of an ordered stage list.
// Stages are kept in the order they were attempted.
type PipelineExecution struct {
	ID          string           `json:"id"`
	PipelineID  string           `json:"pipeline_id"`
	Status      ExecutionStatus  `json:"status"`
	Stages      []StageExecution `json:"stages"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`

	// Version increases with every change to the record. Snapshots with a
	// higher version are newer.
	Version int64 `json:"version"`
}

// StageByStageID returns the stage execution created for stageID
func (e *PipelineExecution) StageByStageID(stageID string) (StageExecution, bool) {
	for _, s := range e.Stages {
		if s.StageID == stageID {
			return s, true
		}
	}
	return StageExecution{}, false
}

func (e *PipelineExecution) clone() *PipelineExecution {
	c := *e
	c.Stages = make([]StageExecution, len(e.Stages))
	for i, s := range e.Stages {
		c.Stages[i] = s.clone()
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
