package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("pipegate/runner")

// Options configures an Orchestrator. Zero values get defaults.
type Options struct {
	Commands     CommandRunner // defaults to a ShellRunner using "sh"
	Registry     *Registry
	Gate         *ApprovalGate
	Broker       *Broker
	RetryDelay   time.Duration // pause between command attempts, DefaultRetryDelay when <= 0
	ApprovalMode ApprovalMode  // ApprovalAdvisory when empty
	Logger       *slog.Logger
}

// Orchestrator runs pipeline executions. Each execution is processed by its
// own goroutine; stages within one execution run strictly one after another.
type Orchestrator struct {
	registry *Registry
	gate     *ApprovalGate
	broker   *Broker
	emit     emitter
	stages   *StageRunner
	logger   *slog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	if opts.Commands == nil {
		opts.Commands = NewShellRunner("")
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Gate == nil {
		opts.Gate = NewApprovalGate()
	}
	if opts.Broker == nil {
		opts.Broker = NewBroker(0)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ApprovalMode == "" {
		opts.ApprovalMode = ApprovalAdvisory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	em := emitter{broker: opts.Broker}
	return &Orchestrator{
		registry: opts.Registry,
		gate:     opts.Gate,
		broker:   opts.Broker,
		emit:     em,
		logger:   opts.Logger,
		runs:     make(map[string]*run),
		stages: &StageRunner{
			commands:   opts.Commands,
			registry:   opts.Registry,
			gate:       opts.Gate,
			emit:       em,
			retryDelay: opts.RetryDelay,
			mode:       opts.ApprovalMode,
			logger:     opts.Logger,
		},
	}
}

// Execute registers a new execution and starts processing it in the
// background. It returns the execution id without waiting for any stage.
func (o *Orchestrator) Execute(pipelineID string, stages []Stage, workingDirectory string) (string, error) {
	for _, s := range stages {
		if !s.Type.Valid() {
			return "", fmt.Errorf("stage %q has unknown type %q: %w", s.ID, s.Type, ErrInvalidPipeline)
		}
	}

	exec := &PipelineExecution{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Status:     ExecutionStatusPending,
		Stages:     []StageExecution{},
		StartedAt:  time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("orchestrator is shut down: %w", ErrConflict)
	}
	if err := o.registry.Create(exec); err != nil {
		o.mu.Unlock()
		cancel()
		return "", err
	}
	o.runs[exec.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("execution started",
		slog.String("execution_id", exec.ID),
		slog.String("pipeline_id", pipelineID),
		slog.Int("stages", len(stages)),
	)
	o.emit.execution(EventExecutionStarted, exec.clone())

	go o.process(ctx, r, exec.ID, pipelineID, sortStages(stages), workingDirectory)

	return exec.ID, nil
}

// sortStages orders stages by Order, keeping input order for ties
func sortStages(stages []Stage) []Stage {
	sorted := make([]Stage, len(stages))
	copy(sorted, stages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}

func (o *Orchestrator) process(ctx context.Context, r *run, id, pipelineID string, stages []Stage, workingDirectory string) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel()

	ctx, span := tracer.Start(ctx, "pipeline.execute")
	span.SetAttributes(
		attribute.String("execution.id", id),
		attribute.String("pipeline.id", pipelineID),
	)
	defer span.End()

	logger := o.logger.With(slog.String("execution_id", id))

	exec, err := o.registry.Update(id, func(e *PipelineExecution) error {
		if e.Status.IsTerminal() {
			return fmt.Errorf("execution %s is already %s: %w", id, e.Status, ErrConflict)
		}
		e.Status = ExecutionStatusRunning
		return nil
	})
	if err != nil {
		logger.Info("execution not started", slog.Any("error", err))
		return
	}
	o.emit.execution(EventExecutionUpdated, exec)

	for _, stage := range stages {
		if ctx.Err() != nil {
			logger.Info("execution loop stopped", slog.String("reason", "cancelled"))
			return
		}

		se, err := o.stages.Run(ctx, id, stage, workingDirectory)
		if err != nil {
			logger.Error("stage bookkeeping failed", slog.String("stage_id", stage.ID), slog.Any("error", err))
			se.Status = StageStatusFailed
		}

		if se.Status == StageStatusFailed && !stage.ContinueOnError {
			span.SetStatus(codes.Error, "stage "+stage.ID+" failed")
			o.finish(logger, id, ExecutionStatusFailed)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	o.finish(logger, id, ExecutionStatusSuccess)
}

// finish moves the execution to its terminal status unless something else
// (a cancellation) got there first
func (o *Orchestrator) finish(logger *slog.Logger, id string, status ExecutionStatus) {
	exec, err := o.registry.Update(id, func(e *PipelineExecution) error {
		if e.Status.IsTerminal() {
			return fmt.Errorf("execution %s is already %s: %w", id, e.Status, ErrConflict)
		}
		now := time.Now()
		e.Status = status
		e.CompletedAt = &now
		return nil
	})
	if err != nil {
		logger.Debug("execution already finished", slog.Any("error", err))
		return
	}
	logger.Info("execution completed", slog.String("status", string(status)))
	o.emit.execution(EventExecutionCompleted, exec)
}

// CancelExecution marks the execution cancelled right away and stops its
// background processing, killing any running command
func (o *Orchestrator) CancelExecution(id string) error {
	exec, err := o.registry.Update(id, func(e *PipelineExecution) error {
		if e.Status.IsTerminal() {
			return fmt.Errorf("execution %s is already %s: %w", id, e.Status, ErrConflict)
		}
		now := time.Now()
		e.Status = ExecutionStatusCancelled
		e.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	o.logger.Info("execution cancelled", slog.String("execution_id", id))
	o.emit.execution(EventExecutionCancelled, exec)

	o.mu.Lock()
	r := o.runs[id]
	o.mu.Unlock()
	if r != nil {
		r.cancel()
	}
	return nil
}

// GetExecution returns a snapshot of one execution
func (o *Orchestrator) GetExecution(id string) (*PipelineExecution, error) {
	return o.registry.Get(id)
}

// GetAllExecutions returns snapshots of every execution since start, oldest first
func (o *Orchestrator) GetAllExecutions() []*PipelineExecution {
	return o.registry.List()
}

// Subscribe listens to events of one execution, or all when executionID is empty
func (o *Orchestrator) Subscribe(executionID string) *Subscription {
	return o.broker.Subscribe(executionID)
}

// Done returns a channel closed when the execution's background task exits
func (o *Orchestrator) Done(id string) (<-chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.runs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return r.done, nil
}

// Wait blocks until the execution's background task exits and returns the
// final snapshot
func (o *Orchestrator) Wait(ctx context.Context, id string) (*PipelineExecution, error) {
	done, err := o.Done(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
		return o.registry.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels every unfinished execution and waits for the background
// tasks to exit. New executions are refused afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.CancelExecution(id); err != nil && !errors.Is(err, ErrConflict) {
			o.logger.Warn("cancel on shutdown failed", slog.String("execution_id", id), slog.Any("error", err))
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
