package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pipegate/runner/storage"
)

// HistorySink persists execution snapshots
type HistorySink interface {
	SaveExecution(ctx context.Context, exec *storage.Execution) error
}

// HistoryRecorder writes executions to a HistorySink whenever they finish or
// one of their approvals is resolved. It is an audit trail only; nothing is
// ever loaded back into the orchestrator.
type HistoryRecorder struct {
	sink   HistorySink
	sub    *Subscription
	logger *slog.Logger
	wg     sync.WaitGroup

	saved map[string]int64 // last recorded Version per execution; events may arrive out of order
}

// NewHistoryRecorder subscribes to all events of broker
func NewHistoryRecorder(broker *Broker, sink HistorySink, logger *slog.Logger) *HistoryRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryRecorder{
		sink:   sink,
		sub:    broker.Subscribe(""),
		logger: logger,
		saved:  make(map[string]int64),
	}
}

// Start consumes events in the background until Stop
func (h *HistoryRecorder) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for event := range h.sub.C {
			if !recordable(event.Type) || event.Execution == nil {
				continue
			}
			h.record(event.Execution)
		}
	}()
}

// Stop unsubscribes and waits for pending writes
func (h *HistoryRecorder) Stop() {
	h.sub.Close()
	h.wg.Wait()
	if dropped := h.sub.Dropped(); dropped > 0 {
		h.logger.Warn("history recorder dropped events", slog.Int64("dropped", dropped))
	}
}

func recordable(t EventType) bool {
	switch t {
	case EventExecutionCompleted, EventExecutionCancelled, EventStageApproved, EventStageRejected:
		return true
	}
	return false
}

func (h *HistoryRecorder) record(exec *PipelineExecution) {
	if last, ok := h.saved[exec.ID]; ok && exec.Version <= last {
		h.logger.Debug("skipping stale snapshot",
			slog.String("execution_id", exec.ID),
			slog.Int64("version", exec.Version),
			slog.Int64("saved_version", last),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.sink.SaveExecution(ctx, ToRecord(exec)); err != nil {
		h.logger.Error("failed to record execution",
			slog.String("execution_id", exec.ID),
			slog.Any("error", err),
		)
		return
	}
	h.saved[exec.ID] = exec.Version
	h.logger.Debug("execution recorded", slog.String("execution_id", exec.ID), slog.String("status", string(exec.Status)))
}

// ToRecord converts an execution snapshot to its storage form
func ToRecord(exec *PipelineExecution) *storage.Execution {
	rec := &storage.Execution{
		ID:          exec.ID,
		PipelineID:  exec.PipelineID,
		Status:      string(exec.Status),
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		Stages:      make([]*storage.StageExecution, 0, len(exec.Stages)),
	}
	for i, s := range exec.Stages {
		rec.Stages = append(rec.Stages, &storage.StageExecution{
			ID:          s.ID,
			ExecutionID: exec.ID,
			StageID:     s.StageID,
			Position:    i,
			Status:      string(s.Status),
			Output:      s.Output,
			Error:       s.Error,
			ExitCode:    s.ExitCode,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	return rec
}
