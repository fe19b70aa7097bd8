package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errExecutionCancelled = errors.New("execution cancelled")

// StageRunner turns one Stage into a terminal (or waiting) StageExecution.
// Command stages are retried with a constant delay between attempts.
type StageRunner struct {
	commands   CommandRunner
	registry   *Registry
	gate       *ApprovalGate
	emit       emitter
	retryDelay time.Duration
	mode       ApprovalMode
	logger     *slog.Logger
}

// Run processes stage for the given execution. The returned error is only
// set when the execution record itself could not be updated; command
// failures are reported through the StageExecution status.
func (r *StageRunner) Run(ctx context.Context, executionID string, stage Stage, workingDirectory string) (StageExecution, error) {
	logger := r.logger.With(
		slog.String("execution_id", executionID),
		slog.String("stage_id", stage.ID),
	)

	se := StageExecution{
		ID:        uuid.NewString(),
		StageID:   stage.ID,
		Status:    StageStatusPending,
		StartedAt: time.Now(),
	}
	exec, err := r.registry.Update(executionID, func(e *PipelineExecution) error {
		e.Stages = append(e.Stages, se)
		return nil
	})
	if err != nil {
		return se, err
	}
	r.emit.stage(EventStageStarted, exec, se)

	if stage.RequiresApproval {
		return r.awaitApproval(ctx, logger, executionID, stage, se)
	}

	exec, se, err = r.registry.UpdateStage(executionID, se.ID, func(s *StageExecution) error {
		s.Status = StageStatusRunning
		return nil
	})
	if err != nil {
		return se, err
	}
	r.emit.stage(EventStageUpdated, exec, se)

	var result CommandResult
	var runErr error
	switch {
	case stage.Type == StageTypeCommand && stage.Command != "":
		result, runErr = r.runCommand(ctx, logger, stage, workingDirectory)
	default:
		// manual, approval and notification stages have no handler yet
		logger.Debug("stage passes through", slog.String("type", string(stage.Type)))
	}

	if runErr != nil {
		exec, se, err = r.registry.UpdateStage(executionID, se.ID, func(s *StageExecution) error {
			now := time.Now()
			code := result.ExitCode
			s.Status = StageStatusFailed
			s.Output = result.Stdout
			s.Error = runErr.Error()
			s.ExitCode = &code
			s.CompletedAt = &now
			return nil
		})
		if err != nil {
			return se, err
		}
		logger.Warn("stage failed", slog.String("error", se.Error))
		r.emit.stage(EventStageFailed, exec, se)
		return se, nil
	}

	exec, se, err = r.registry.UpdateStage(executionID, se.ID, func(s *StageExecution) error {
		now := time.Now()
		s.Status = StageStatusSuccess
		s.CompletedAt = &now
		if stage.Type == StageTypeCommand && stage.Command != "" {
			code := 0
			s.Output = result.Stdout
			s.ExitCode = &code
			if result.Stderr != "" {
				s.Error = result.Stderr
			}
		}
		return nil
	})
	if err != nil {
		return se, err
	}
	logger.Info("stage completed")
	r.emit.stage(EventStageCompleted, exec, se)
	return se, nil
}

// runCommand tries the stage command up to Attempts() times. The first
// success wins; otherwise the last error is returned.
func (r *StageRunner) runCommand(ctx context.Context, logger *slog.Logger, stage Stage, workingDirectory string) (CommandResult, error) {
	dir := workingDirectory
	if stage.WorkingDirectory != "" {
		dir = stage.WorkingDirectory
	}
	req := CommandRequest{
		Command: stage.CommandLine(),
		Dir:     dir,
		Timeout: stage.EffectiveTimeout(),
	}
	attempts := stage.Attempts()

	var last CommandResult
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, span := tracer.Start(ctx, "stage.attempt")
		span.SetAttributes(
			attribute.String("stage.id", stage.ID),
			attribute.Int("stage.attempt", attempt),
			attribute.String("stage.command", req.Command),
		)
		result, err := r.commands.Run(attemptCtx, req)
		if err == nil {
			span.End()
			logger.Debug("command succeeded", slog.Int("attempt", attempt))
			result.ExitCode = 0
			return result, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()

		var cmdErr *CommandError
		switch {
		case errors.As(err, &cmdErr):
			result.ExitCode = cmdErr.ExitCode
		case result.ExitCode == 0:
			result.ExitCode = 1
		}
		last, lastErr = result, err

		logger.Warn("command attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("attempts", attempts),
			slog.Int("exit_code", result.ExitCode),
			slog.String("error", strings.TrimSpace(err.Error())),
		)

		if attempt == attempts {
			break
		}
		if err := sleepContext(ctx, r.retryDelay); err != nil {
			break
		}
	}
	return last, lastErr
}

// awaitApproval parks the stage in the approval gate. In advisory mode it
// returns right away with the stage in waiting_approval.
func (r *StageRunner) awaitApproval(ctx context.Context, logger *slog.Logger, executionID string, stage Stage, se StageExecution) (StageExecution, error) {
	exec, se, err := r.registry.UpdateStage(executionID, se.ID, func(s *StageExecution) error {
		s.Status = StageStatusWaitingApproval
		return nil
	})
	if err != nil {
		return se, err
	}
	resume := r.gate.register(executionID, stage.ID, se.ID)
	logger.Info("stage waiting for approval", slog.String("stage_execution_id", se.ID))
	r.emit.stage(EventStageWaiting, exec, se)

	if r.mode != ApprovalBlocking {
		return se, nil
	}

	var decision approvalDecision
	select {
	case decision = <-resume:
	case <-ctx.Done():
		if _, takeErr := r.gate.take(se.ID); takeErr != nil {
			// An approver got there first and will report back.
			decision = <-resume
			break
		}
		exec, se, err = r.registry.UpdateStage(executionID, se.ID, func(s *StageExecution) error {
			now := time.Now()
			s.Status = StageStatusFailed
			s.Error = errExecutionCancelled.Error()
			s.CompletedAt = &now
			return nil
		})
		if err != nil {
			return se, err
		}
		r.emit.stage(EventStageFailed, exec, se)
		return se, nil
	}

	if decision.err != nil {
		return se, fmt.Errorf("resolving approval for %s: %w", se.ID, decision.err)
	}
	current, err := r.registry.Get(executionID)
	if err != nil {
		return se, err
	}
	for _, s := range current.Stages {
		if s.ID == se.ID {
			return s, nil
		}
	}
	return se, fmt.Errorf("stage execution %s: %w", se.ID, ErrNotFound)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
