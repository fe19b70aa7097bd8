package runner

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry()
	exec := &PipelineExecution{ID: "e1", PipelineID: "p", Status: ExecutionStatusPending, StartedAt: time.Now()}

	if err := r.Create(exec); err != nil {
		t.Fatal(err)
	}
	if err := r.Create(exec); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate id, got %v", err)
	}

	got, err := r.Get("e1")
	if err != nil {
		t.Fatal(err)
	}
	if got == exec {
		t.Error("Get must return a copy")
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 execution, got %d", r.Len())
	}
}

func TestRegistry_ListOrder(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Create(&PipelineExecution{ID: "late", StartedAt: now.Add(time.Second)})
	r.Create(&PipelineExecution{ID: "tie-1", StartedAt: now})
	r.Create(&PipelineExecution{ID: "tie-2", StartedAt: now})

	list := r.List()
	want := []string{"tie-1", "tie-2", "late"}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, list[i].ID)
		}
	}
}

func TestRegistry_UpdateStage(t *testing.T) {
	r := NewRegistry()
	r.Create(&PipelineExecution{ID: "e1", Stages: []StageExecution{{ID: "se1", StageID: "s1", Status: StageStatusRunning}}})

	code := 3
	exec, stage, err := r.UpdateStage("e1", "se1", func(s *StageExecution) error {
		s.Status = StageStatusFailed
		s.ExitCode = &code
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stage.Status != StageStatusFailed || exec.Stages[0].Status != StageStatusFailed {
		t.Errorf("update not applied: %+v", stage)
	}

	code = 99
	got, _ := r.Get("e1")
	if *got.Stages[0].ExitCode != 3 {
		t.Error("stored exit code aliased caller memory")
	}

	if _, _, err := r.UpdateStage("e1", "missing", func(*StageExecution) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown stage, got %v", err)
	}
	if _, _, err := r.UpdateStage("missing", "se1", func(*StageExecution) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown execution, got %v", err)
	}

	wantErr := errors.New("refused")
	if _, _, err := r.UpdateStage("e1", "se1", func(*StageExecution) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestRegistry_UpdateCopiesCallerPointers(t *testing.T) {
	r := NewRegistry()
	r.Create(&PipelineExecution{ID: "e1"})

	completed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if _, err := r.Update("e1", func(e *PipelineExecution) error {
		e.CompletedAt = &completed
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	completed = completed.Add(time.Hour)
	got, _ := r.Get("e1")
	if got.CompletedAt.Hour() != 3 {
		t.Errorf("stored completion time aliased caller memory: %s", got.CompletedAt)
	}
}

func TestRegistry_VersionIncreases(t *testing.T) {
	r := NewRegistry()
	r.Create(&PipelineExecution{ID: "e1", Stages: []StageExecution{{ID: "se1"}}})

	first, _ := r.Update("e1", func(e *PipelineExecution) error {
		e.Status = ExecutionStatusRunning
		return nil
	})
	second, _, _ := r.UpdateStage("e1", "se1", func(s *StageExecution) error {
		s.Status = StageStatusRunning
		return nil
	})
	if second.Version <= first.Version {
		t.Errorf("expected version to grow, got %d then %d", first.Version, second.Version)
	}

	r.Update("e1", func(*PipelineExecution) error { return ErrConflict })
	got, _ := r.Get("e1")
	if got.Version != second.Version {
		t.Errorf("failed update changed version to %d", got.Version)
	}
}
