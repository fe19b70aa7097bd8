package runner

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ApprovalMode controls whether a stage that requires approval holds up the
// rest of the pipeline
type ApprovalMode string

const (
	// ApprovalAdvisory records the pending approval and moves on to the next
	// stage immediately. Approving later only updates the stage record.
	ApprovalAdvisory ApprovalMode = "advisory"

	// ApprovalBlocking suspends the execution until the stage is approved,
	// rejected, or the execution is cancelled
	ApprovalBlocking ApprovalMode = "blocking"
)

// Valid reports whether m is a known mode
func (m ApprovalMode) Valid() bool {
	return m == ApprovalAdvisory || m == ApprovalBlocking
}

// PendingApproval describes a stage execution waiting for sign-off
type PendingApproval struct {
	StageExecutionID string    `json:"stage_execution_id"`
	ExecutionID      string    `json:"execution_id"`
	StageID          string    `json:"stage_id"`
	RequestedAt      time.Time `json:"requested_at"`
}

type approvalDecision struct {
	approved bool
	err      error
}

type pendingEntry struct {
	PendingApproval
	resume chan approvalDecision
}

// ApprovalGate tracks stage executions in waiting_approval. An entry is
// removed exactly once, by whoever takes it first.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewApprovalGate creates an empty gate
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{pending: make(map[string]*pendingEntry)}
}

func (g *ApprovalGate) register(executionID, stageID, stageExecutionID string) <-chan approvalDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := &pendingEntry{
		PendingApproval: PendingApproval{
			StageExecutionID: stageExecutionID,
			ExecutionID:      executionID,
			StageID:          stageID,
			RequestedAt:      time.Now(),
		},
		resume: make(chan approvalDecision, 1),
	}
	g.pending[stageExecutionID] = entry
	return entry.resume
}

func (g *ApprovalGate) take(stageExecutionID string) (*pendingEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.pending[stageExecutionID]
	if !ok {
		return nil, fmt.Errorf("no pending approval for stage execution %s: %w", stageExecutionID, ErrNotFound)
	}
	delete(g.pending, stageExecutionID)
	return entry, nil
}

// Pending lists the stage executions currently awaiting approval, oldest first
func (g *ApprovalGate) Pending() []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := make([]PendingApproval, 0, len(g.pending))
	for _, entry := range g.pending {
		list = append(list, entry.PendingApproval)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].RequestedAt.Before(list[j].RequestedAt)
	})
	return list
}

// Has reports whether stageExecutionID is waiting for approval
func (g *ApprovalGate) Has(stageExecutionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[stageExecutionID]
	return ok
}

// ApproveStage signs off a stage execution in waiting_approval. The stage
// becomes success. Fails with ErrNotFound when the id is not pending.
func (o *Orchestrator) ApproveStage(stageExecutionID, approvedBy string) error {
	return o.resolveApproval(stageExecutionID, true, approvedBy, "")
}

// RejectStage turns down a stage execution in waiting_approval. The stage
// becomes failed with the rejection as its error.
func (o *Orchestrator) RejectStage(stageExecutionID, rejectedBy, reason string) error {
	return o.resolveApproval(stageExecutionID, false, rejectedBy, reason)
}

// PendingApprovals lists stage executions awaiting sign-off
func (o *Orchestrator) PendingApprovals() []PendingApproval {
	return o.gate.Pending()
}

func (o *Orchestrator) resolveApproval(stageExecutionID string, approved bool, actor, reason string) error {
	entry, err := o.gate.take(stageExecutionID)
	if err != nil {
		return err
	}

	exec, stage, err := o.registry.UpdateStage(entry.ExecutionID, stageExecutionID, func(s *StageExecution) error {
		if s.Status != StageStatusWaitingApproval {
			return fmt.Errorf("stage execution %s is %s, not waiting for approval: %w", s.ID, s.Status, ErrNotFound)
		}
		now := time.Now()
		s.CompletedAt = &now
		if approved {
			s.Status = StageStatusSuccess
			return nil
		}
		s.Status = StageStatusFailed
		s.Error = rejectionMessage(actor, reason)
		return nil
	})
	if err != nil {
		o.logger.Error("approval target vanished",
			slog.String("stage_execution_id", stageExecutionID),
			slog.String("execution_id", entry.ExecutionID),
			slog.Any("error", err),
		)
		entry.resume <- approvalDecision{err: err}
		return err
	}
	// A blocked stage loop resumes only after the approval event is out.
	defer func() { entry.resume <- approvalDecision{approved: approved} }()

	if approved {
		o.logger.Info("stage approved",
			slog.String("execution_id", exec.ID),
			slog.String("stage_id", stage.StageID),
			slog.String("approved_by", actor),
		)
		o.emit.emit(Event{Type: EventStageApproved, Execution: exec, Stage: &stage, Actor: actor})
		return nil
	}

	o.logger.Info("stage rejected",
		slog.String("execution_id", exec.ID),
		slog.String("stage_id", stage.StageID),
		slog.String("rejected_by", actor),
		slog.String("reason", reason),
	)
	o.emit.emit(Event{Type: EventStageRejected, Execution: exec, Stage: &stage, Actor: actor, Reason: reason})
	return nil
}

func rejectionMessage(actor, reason string) string {
	msg := "rejected"
	if actor != "" {
		msg += " by " + actor
	}
	if reason != "" {
		msg += ": " + reason
	}
	return msg
}
