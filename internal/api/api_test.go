package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentsdashboard/orchestrator-core/internal/backgroundwork"
	"github.com/agentsdashboard/orchestrator-core/internal/clock"
	"github.com/agentsdashboard/orchestrator-core/internal/config"
	"github.com/agentsdashboard/orchestrator-core/internal/eventbus"
	"github.com/agentsdashboard/orchestrator-core/internal/gateway"
	"github.com/agentsdashboard/orchestrator-core/internal/idempotency"
	"github.com/agentsdashboard/orchestrator-core/internal/idgen"
	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/runtimepool"
	"github.com/agentsdashboard/orchestrator-core/internal/scheduler"
	"github.com/agentsdashboard/orchestrator-core/internal/store/memory"
)

func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()
	cfg := config.Default()
	st := memory.New()
	ids := idgen.NewGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bg := backgroundwork.New(ids, clock.Real{}, st, 2, 16)
	bg.Start(ctx)
	pool := runtimepool.New(cfg.TaskRuntimes, cfg.HeartbeatInterval(), st, clock.Real{}, ids, bg, runtimepool.NewFakeProvisioner())
	gw := gateway.NewFake()
	bus := eventbus.New(ids, 100)
	sched := scheduler.New(cfg, st, clock.Real{}, ids, pool, gw, bus)

	handlers := map[model.BackgroundWorkKind]backgroundwork.WorkFunc{
		model.KindOther: func(ctx context.Context, report backgroundwork.ProgressReporter) error { return nil },
	}
	a := New(sched, bg, idempotency.NewStore(nil), handlers, bus)

	task := &model.Task{TaskID: "task1", RepositoryID: "repo1", Enabled: true, HarnessName: "claude"}
	if err := st.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return a, st
}

func TestCreateRunEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", strings.NewReader(`{"taskId":"task1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var created createRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.RunID == "" {
		t.Error("expected a runId in the response")
	}
}

func TestCreateRunEndpointMissingTaskID(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetRunEndpoint(t *testing.T) {
	a, st := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	run := &model.Run{RunID: "run1", TaskID: "task1", RepositoryID: "repo1", State: model.RunQueued, Attempt: 1, CreatedAt: time.Now()}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	resp, err := http.Get(srv.URL + "/runs/run1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got model.Run
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != "run1" {
		t.Errorf("expected run1, got %s", got.RunID)
	}
}

func TestGetRunEndpointNotFound(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelRunEndpoint(t *testing.T) {
	a, st := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	run := &model.Run{RunID: "run1", TaskID: "task1", RepositoryID: "repo1", State: model.RunQueued, Attempt: 1, CreatedAt: time.Now()}
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	resp, err := http.Post(srv.URL+"/runs/run1/cancel", "application/json", strings.NewReader(`{"cause":"test"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	got, _ := st.GetRun(context.Background(), "run1")
	if got.State != model.RunCancelled {
		t.Errorf("expected Cancelled, got %s", got.State)
	}
}

func TestIdempotentCreateRunReplaysResponse(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	req := func() *http.Request {
		r, _ := http.NewRequest(http.MethodPost, srv.URL+"/runs", strings.NewReader(`{"taskId":"task1"}`))
		r.Header.Set("Idempotency-Key", "key-1")
		return r
	}

	resp1, err := http.DefaultClient.Do(req())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var first createRunResponse
	json.NewDecoder(resp1.Body).Decode(&first)
	resp1.Body.Close()

	resp2, err := http.DefaultClient.Do(req())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var second createRunResponse
	json.NewDecoder(resp2.Body).Decode(&second)
	resp2.Body.Close()

	if first.RunID != second.RunID {
		t.Errorf("expected replayed response with same runId, got %s then %s", first.RunID, second.RunID)
	}
}

func TestIngestEventEndpoint(t *testing.T) {
	a, st := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	now := time.Now()
	run := &model.Run{
		RunID: "run1", TaskID: "task1", RepositoryID: "repo1", State: model.RunRunning,
		Attempt: 1, CreatedAt: now, StartedAt: &now, ExecutionToken: "tok-1",
	}
	rtID := "runtime1"
	run.DispatchedToRuntimeID = &rtID
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	body := `{"marker":"agentsdashboard.harness-runtime-event.v1","status":"pending","category":"tool.call"}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/runs/run1/events", strings.NewReader(body))
	req.Header.Set("X-Execution-Token", "tok-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	events, err := st.ListEventsByRun(context.Background(), "run1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
	if events[0].Category != model.CategoryToolCall {
		t.Errorf("expected category tool.call, got %s", events[0].Category)
	}
}

func TestIngestEventEndpointRejectsBadToken(t *testing.T) {
	a, st := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	now := time.Now()
	run := &model.Run{RunID: "run1", TaskID: "task1", RepositoryID: "repo1", State: model.RunRunning, Attempt: 1, CreatedAt: now, StartedAt: &now, ExecutionToken: "tok-1"}
	rtID := "runtime1"
	run.DispatchedToRuntimeID = &rtID
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/runs/run1/events", strings.NewReader(`{}`))
	req.Header.Set("X-Execution-Token", "wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestEnqueueWorkEndpoint(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/work", "application/json", strings.NewReader(`{"kind":"Other","operationKey":"op1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestEnqueueWorkEndpointUnknownKindRejected(t *testing.T) {
	a, _ := newTestAPI(t)
	srv := httptest.NewServer(a.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/work", "application/json", strings.NewReader(`{"kind":"NotARealKind","operationKey":"op1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
