package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pipegate/runner"
	"pipegate/runner/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg RouterConfig) (*httptest.Server, *runner.Orchestrator) {
	t.Helper()
	if cfg.Orchestrator == nil {
		cfg.Orchestrator = runner.New(runner.Options{
			RetryDelay:   10 * time.Millisecond,
			ApprovalMode: runner.ApprovalAdvisory,
			Logger:       testLogger(),
		})
	}
	cfg.Logger = testLogger()
	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(srv.Close)
	return srv, cfg.Orchestrator
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp
}

func waitDone(t *testing.T, orch *runner.Orchestrator, id string) *runner.PipelineExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := orch.Wait(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return exec
}

func TestPostExecution(t *testing.T) {
	srv, orch := newTestServer(t, RouterConfig{})

	var created map[string]string
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/executions", map[string]any{
		"pipeline_id": "web",
		"stages": []map[string]any{
			{"id": "s1", "command": "echo", "args": []string{"hi"}, "order": 1},
		},
	}, &created)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
	id := created["id"]
	if id == "" {
		t.Fatal("expected execution id")
	}
	waitDone(t, orch, id)

	var exec runner.PipelineExecution
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/executions/"+id, nil, &exec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if exec.Status != runner.ExecutionStatusSuccess || len(exec.Stages) != 1 || exec.Stages[0].Output != "hi\n" {
		t.Errorf("unexpected execution %+v", exec)
	}

	var all []runner.PipelineExecution
	doJSON(t, http.MethodGet, srv.URL+"/api/executions", nil, &all)
	if len(all) != 1 {
		t.Errorf("expected 1 execution, got %d", len(all))
	}
}

func TestPostExecution_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	tests := []struct {
		name string
		body any
	}{
		{name: "missing pipeline id", body: map[string]any{"stages": []any{}}},
		{name: "unknown stage type", body: map[string]any{"pipeline_id": "p", "stages": []map[string]any{{"id": "a", "type": "shell"}}}},
		{name: "duplicate stage ids", body: map[string]any{"pipeline_id": "p", "stages": []map[string]any{{"id": "a"}, {"id": "a"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/executions", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}

	resp, err := http.Post(srv.URL+"/api/executions", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", resp.StatusCode)
	}
}

func TestGetExecution_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/executions/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/executions/missing/cancel", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelExecution(t *testing.T) {
	srv, orch := newTestServer(t, RouterConfig{})

	id, err := orch.Execute("slow", []runner.Stage{{ID: "wait", Type: runner.StageTypeCommand, Command: "sleep 30"}}, "")
	if err != nil {
		t.Fatal(err)
	}

	var exec runner.PipelineExecution
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/executions/"+id+"/cancel", nil, &exec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if exec.Status != runner.ExecutionStatusCancelled {
		t.Errorf("expected cancelled, got %s", exec.Status)
	}
	waitDone(t, orch, id)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/executions/"+id+"/cancel", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for a finished execution, got %d", resp.StatusCode)
	}
}

func TestApprovalFlow(t *testing.T) {
	srv, orch := newTestServer(t, RouterConfig{})

	id, err := orch.Execute("release", []runner.Stage{
		{ID: "gate", Type: runner.StageTypeApproval, RequiresApproval: true, Order: 1},
		{ID: "notify", Type: runner.StageTypeNotification, RequiresApproval: true, Order: 2},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, orch, id)

	var pending []runner.PendingApproval
	doJSON(t, http.MethodGet, srv.URL+"/api/approvals", nil, &pending)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending approvals, got %d", len(pending))
	}
	ids := make(map[string]string)
	for _, p := range pending {
		ids[p.StageID] = p.StageExecutionID
	}
	gateID, notifyID := ids["gate"], ids["notify"]

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/approvals/"+gateID+"/approve", map[string]string{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("approve without approver: expected 400, got %d", resp.StatusCode)
	}

	var status map[string]string
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/approvals/"+gateID+"/approve", map[string]string{"approved_by": "alice"}, &status)
	if resp.StatusCode != http.StatusOK || status["status"] != "approved" {
		t.Fatalf("expected approval, got %d %v", resp.StatusCode, status)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/approvals/"+gateID+"/approve", map[string]string{"approved_by": "alice"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second approval: expected 404, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/approvals/"+notifyID+"/reject", map[string]string{"rejected_by": "bob", "reason": "freeze"}, &status)
	if resp.StatusCode != http.StatusOK || status["status"] != "rejected" {
		t.Fatalf("expected rejection, got %d %v", resp.StatusCode, status)
	}

	exec, _ := orch.GetExecution(id)
	gate, _ := exec.StageByStageID("gate")
	notify, _ := exec.StageByStageID("notify")
	if gate.Status != runner.StageStatusSuccess {
		t.Errorf("expected gate success, got %s", gate.Status)
	}
	if notify.Status != runner.StageStatusFailed || notify.Error != "rejected by bob: freeze" {
		t.Errorf("unexpected rejected stage %+v", notify)
	}
}

func TestProjects(t *testing.T) {
	baseDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(baseDir, "site"), 0755); err != nil {
		t.Fatal(err)
	}
	pipeline := "id: site\nstages:\n  - id: build\n    command: echo built\n"
	if err := os.WriteFile(filepath.Join(baseDir, "site", runner.PipelineFileName), []byte(pipeline), 0644); err != nil {
		t.Fatal(err)
	}
	projects := &runner.ProjectsConfig{Projects: []runner.Project{
		{Name: "site", Path: "site"},
		{Name: "ghost", Path: "ghost"},
	}}
	srv, orch := newTestServer(t, RouterConfig{Projects: projects, BaseDir: baseDir})

	var list []struct {
		Name  string `json:"name"`
		Valid bool   `json:"valid"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/api/projects", nil, &list)
	if len(list) != 2 || !list[0].Valid || list[1].Valid {
		t.Errorf("unexpected project list %+v", list)
	}

	var started map[string]string
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/projects/site/run", nil, &started)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	exec := waitDone(t, orch, started["id"])
	if exec.PipelineID != "site" || exec.Status != runner.ExecutionStatusSuccess {
		t.Errorf("unexpected execution %+v", exec)
	}

	if resp := doJSON(t, http.MethodPost, srv.URL+"/api/projects/ghost/run", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid project: expected 400, got %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, srv.URL+"/api/projects/nope/run", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown project: expected 404, got %d", resp.StatusCode)
	}
}

func TestHistoryRoutes(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	broker := runner.NewBroker(64)
	orch := runner.New(runner.Options{Broker: broker, RetryDelay: 10 * time.Millisecond, Logger: testLogger()})
	recorder := runner.NewHistoryRecorder(broker, store, testLogger())
	recorder.Start()

	srv, _ := newTestServer(t, RouterConfig{Orchestrator: orch, Store: store})

	id, err := orch.Execute("web", []runner.Stage{{ID: "s1", Type: runner.StageTypeCommand, Command: "true"}}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, orch, id)
	recorder.Stop()

	var record storage.Execution
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/history/"+id, nil, &record)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if record.Status != "success" || len(record.Stages) != 1 {
		t.Errorf("unexpected record %+v", record)
	}

	var stats storage.PipelineStats
	doJSON(t, http.MethodGet, srv.URL+"/api/history/pipelines/web/stats", nil, &stats)
	if stats.Total != 1 || stats.Succeeded != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/history/missing", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/history?limit=zero", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", resp.StatusCode)
	}
}

func TestHistoryRoutesDisabled(t *testing.T) {
	srv, _ := newTestServer(t, RouterConfig{})
	if resp := doJSON(t, http.MethodGet, srv.URL+"/api/history", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without a store, got %d", resp.StatusCode)
	}
}
