package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAtTime(t *testing.T) {
	tests := []struct {
		in      string
		hour    int
		minute  int
		wantErr bool
	}{
		{in: "02:00", hour: 2, minute: 0},
		{in: "23:59", hour: 23, minute: 59},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "1:2:3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			hour, minute, err := parseAtTime(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if hour != tt.hour || minute != tt.minute {
				t.Errorf("got %d:%d", hour, minute)
			}
		})
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30m", want: 30 * time.Minute},
		{in: "1h", want: time.Hour},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "45s", want: 45 * time.Second},
		{in: "0m", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "often", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseInterval(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestScheduler_ShouldRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 2, 0, 30, 0, time.Local)
	s := NewScheduler(&ProjectsConfig{}, nil, "", discardLogger())
	s.now = func() time.Time { return now }

	tests := []struct {
		name     string
		schedule Schedule
		lastRun  time.Time
		want     bool
	}{
		{name: "at matches, never ran", schedule: Schedule{At: "02:00"}, want: true},
		{name: "at matches, ran yesterday", schedule: Schedule{At: "02:00"}, lastRun: now.Add(-24 * time.Hour), want: true},
		{name: "at matches, already ran", schedule: Schedule{At: "02:00"}, lastRun: now.Add(-10 * time.Second), want: false},
		{name: "at does not match", schedule: Schedule{At: "03:00"}, want: false},
		{name: "every, never ran", schedule: Schedule{Every: "1h"}, want: true},
		{name: "every, interval elapsed", schedule: Schedule{Every: "1h"}, lastRun: now.Add(-61 * time.Minute), want: true},
		{name: "every, too soon", schedule: Schedule{Every: "1h"}, lastRun: now.Add(-30 * time.Minute), want: false},
		{name: "invalid every", schedule: Schedule{Every: "sometimes"}, want: false},
		{name: "empty", schedule: Schedule{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.shouldRun(tt.schedule, tt.lastRun); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestScheduler_TickTriggersExecution(t *testing.T) {
	baseDir := t.TempDir()
	projectDir := filepath.Join(baseDir, "api")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		t.Fatal(err)
	}
	pipeline := "id: api\nstages:\n  - id: build\n    command: make\nschedules:\n  - every: 1h\n"
	if err := os.WriteFile(filepath.Join(projectDir, PipelineFileName), []byte(pipeline), 0644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeRunner{}
	orch := newTestOrchestrator(fake, ApprovalAdvisory)
	projects := &ProjectsConfig{Projects: []Project{
		{Name: "api", Path: "api"},
		{Name: "broken", Path: "missing"},
	}}

	now := time.Now()
	s := NewScheduler(projects, orch, baseDir, discardLogger())
	s.now = func() time.Time { return now }
	defer s.Stop()

	s.tick()
	s.wg.Wait()

	all := orch.GetAllExecutions()
	if len(all) != 1 {
		t.Fatalf("expected 1 scheduled execution, got %d", len(all))
	}
	if all[0].PipelineID != "api" || all[0].Status != ExecutionStatusSuccess {
		t.Errorf("unexpected execution %+v", all[0])
	}
	if calls := fake.Calls(); len(calls) != 1 || calls[0].req.Dir != projectDir {
		t.Errorf("expected one command in %s, got %+v", projectDir, calls)
	}

	s.tick()
	s.wg.Wait()
	if n := len(orch.GetAllExecutions()); n != 1 {
		t.Errorf("schedule fired again before its interval, %d executions", n)
	}

	now = now.Add(time.Hour)
	s.tick()
	s.wg.Wait()
	if n := len(orch.GetAllExecutions()); n != 2 {
		t.Errorf("expected a second run after the interval, got %d executions", n)
	}
}
