package runner

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the in-memory directory of executions. Records are mutated
// only inside Update/UpdateStage while the lock is held; everything handed
// out is a copy.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]*PipelineExecution
	seq        map[string]int
	next       int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		executions: make(map[string]*PipelineExecution),
		seq:        make(map[string]int),
	}
}

// Create stores a new execution. The id must not be in use.
func (r *Registry) Create(exec *PipelineExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists: %w", exec.ID, ErrConflict)
	}
	r.executions[exec.ID] = exec.clone()
	r.seq[exec.ID] = r.next
	r.next++
	return nil
}

// Get returns a snapshot of one execution
func (r *Registry) Get(id string) (*PipelineExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec.clone(), nil
}

// List returns snapshots of all executions, oldest first
func (r *Registry) List() []*PipelineExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*PipelineExecution, 0, len(r.executions))
	for _, exec := range r.executions {
		list = append(list, exec.clone())
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.Before(list[j].StartedAt)
		}
		return r.seq[list[i].ID] < r.seq[list[j].ID]
	})
	return list
}

// Update applies fn to the stored execution and returns a snapshot taken
// after it. Every successful update bumps Version. Errors from fn are not
// rolled back, so fn must check before it mutates.
func (r *Registry) Update(id string, fn func(*PipelineExecution) error) (*PipelineExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err := fn(exec); err != nil {
		return nil, err
	}
	// fn may have stored pointers the caller still holds
	*exec = *exec.clone()
	exec.Version++
	return exec.clone(), nil
}

// UpdateStage applies fn to one stage execution of an execution
func (r *Registry) UpdateStage(executionID, stageExecutionID string, fn func(*StageExecution) error) (*PipelineExecution, StageExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[executionID]
	if !ok {
		return nil, StageExecution{}, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	for i := range exec.Stages {
		if exec.Stages[i].ID != stageExecutionID {
			continue
		}
		if err := fn(&exec.Stages[i]); err != nil {
			return nil, StageExecution{}, err
		}
		exec.Stages[i] = exec.Stages[i].clone()
		exec.Version++
		return exec.clone(), exec.Stages[i].clone(), nil
	}
	return nil, StageExecution{}, fmt.Errorf("stage execution %s: %w", stageExecutionID, ErrNotFound)
}

// Len returns the number of executions held
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}
