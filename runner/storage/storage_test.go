package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func execution(id, pipelineID, status string, startedAt time.Time, stageStatuses ...string) *Execution {
	completed := startedAt.Add(2 * time.Second)
	exec := &Execution{
		ID:          id,
		PipelineID:  pipelineID,
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: &completed,
	}
	for i, st := range stageStatuses {
		code := 0
		if st == "failed" {
			code = 1
		}
		exec.Stages = append(exec.Stages, &StageExecution{
			ID:          id + "-stage-" + string(rune('a'+i)),
			ExecutionID: id,
			StageID:     "s" + string(rune('1'+i)),
			Status:      st,
			Output:      "out",
			ExitCode:    &code,
			StartedAt:   startedAt,
			CompletedAt: &completed,
		})
	}
	return exec
}

func TestStorage_SaveAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	if err := s.SaveExecution(ctx, execution("e1", "web", "failed", start, "success", "failed")); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.PipelineID != "web" || got.Status != "failed" {
		t.Errorf("unexpected execution %+v", got)
	}
	if got.Duration == nil || *got.Duration != "2s" {
		t.Errorf("expected duration 2s, got %v", got.Duration)
	}
	if len(got.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(got.Stages))
	}
	if got.Stages[0].StageID != "s1" || got.Stages[1].StageID != "s2" {
		t.Errorf("stages out of order: %s, %s", got.Stages[0].StageID, got.Stages[1].StageID)
	}
	if got.Stages[1].ExitCode == nil || *got.Stages[1].ExitCode != 1 {
		t.Errorf("expected exit code 1, got %v", got.Stages[1].ExitCode)
	}

	if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_SaveReplacesStages(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	start := time.Now().UTC()

	exec := execution("e1", "web", "success", start, "waiting_approval", "success")
	if err := s.SaveExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}
	exec.Stages[0].Status = "success"
	if err := s.SaveExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Stages) != 2 {
		t.Fatalf("expected stages to be replaced, got %d", len(got.Stages))
	}
	if got.Stages[0].Status != "success" {
		t.Errorf("expected updated stage status, got %s", got.Stages[0].Status)
	}

	all, err := s.GetExecutions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("expected a single execution row, got %d", len(all))
	}
}

func TestStorage_GetExecutionsOrderAndLimit(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.SaveExecution(ctx, execution(id, "web", "success", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetExecutions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		t.Errorf("expected [new mid], got %d executions", len(got))
	}
}

func TestStorage_PipelineStats(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Now().UTC()

	records := []*Execution{
		execution("e1", "web", "success", base, "success"),
		execution("e2", "web", "failed", base.Add(time.Minute), "success", "failed"),
		execution("e3", "web", "cancelled", base.Add(2*time.Minute), "failed"),
		execution("e4", "api", "success", base.Add(3*time.Minute), "success"),
	}
	for _, r := range records {
		if err := s.SaveExecution(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetPipelineStats(ctx, "web", 2)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Succeeded != 1 || stats.Failed != 1 || stats.Cancelled != 1 {
		t.Errorf("unexpected counts %+v", stats)
	}
	if len(stats.Latest) != 2 {
		t.Fatalf("expected 2 latest runs, got %d", len(stats.Latest))
	}
	if stats.Latest[0].ExecutionID != "e3" || stats.Latest[1].ExecutionID != "e2" {
		t.Errorf("unexpected latest order %s, %s", stats.Latest[0].ExecutionID, stats.Latest[1].ExecutionID)
	}
	if stats.Latest[1].StageCount != 2 || stats.Latest[1].FailedStages != 1 {
		t.Errorf("unexpected stage counts %+v", stats.Latest[1])
	}

	empty, err := s.GetPipelineStats(ctx, "unknown", 5)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Total != 0 || len(empty.Latest) != 0 {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}
