package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/iat-toolkit/backend/internal/queue"
	"github.com/iat-toolkit/backend/internal/schema"
	"github.com/iat-toolkit/backend/internal/store"
)

type testLogger struct{ errors []string }

func (l *testLogger) Infof(format string, args ...any)  {}
func (l *testLogger) Errorf(format string, args ...any) { l.errors = append(l.errors, format) }

func setup(t *testing.T) (*queue.Queue, *store.Repository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	repo := store.New(db)
	owner, err := repo.EnsureUser("dana", "Dana", "")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	project, err := repo.EnsureProject(owner.ID, "atlas", "Atlas", "", "")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	return queue.New(db), repo, project.ID
}

func TestRunOnceDispatchesAndSettlesSuccess(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "accepted"})
	}))
	defer srv.Close()

	q, repo, projectID := setup(t)
	in, err := q.Create(queue.CreateInput{
		ProjectID:       projectID,
		InstructionType: "generate",
		Objective:       "render scene",
		Constraints:     map[string]any{"max_cost_usd": float64(5)},
		Inputs:          map[string]any{"prompt": "a lighthouse at dusk"},
		Execution:       map[string]any{"model": "atlas-render-v2"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	log := &testLogger{}
	loop := New(q, repo, nil, Config{
		WorkerID:            "worker-test",
		PollInterval:        10 * time.Millisecond,
		MaxLockedSeconds:    300,
		DefaultMaxAttempts:  3,
		RetryBackoffSeconds: 1,
		DispatchTimeout:     2 * time.Second,
		DispatchRetries:     1,
		DispatchBackoffSec:  0.01,
		AgentAPIURL:         srv.URL,
	}, log)

	if !loop.RunOnce() {
		t.Fatal("expected RunOnce to find and process the queued instruction")
	}

	settled, err := q.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if settled.Status != "done" {
		t.Fatalf("expected status 'done', got %q", settled.Status)
	}
	if gotPayload["instruction_id"] != in.ID {
		t.Fatalf("expected dispatched payload to carry the instruction id, got %+v", gotPayload)
	}
	constraints, _ := gotPayload["constraints"].(map[string]any)
	if constraints["max_cost_usd"] != float64(5) {
		t.Fatalf("expected dispatched payload to forward constraints, got %+v", gotPayload["constraints"])
	}
	inputs, _ := gotPayload["inputs"].(map[string]any)
	if inputs["prompt"] != "a lighthouse at dusk" {
		t.Fatalf("expected dispatched payload to forward inputs, got %+v", gotPayload["inputs"])
	}
	execution, _ := gotPayload["execution"].(map[string]any)
	if execution["model"] != "atlas-render-v2" {
		t.Fatalf("expected dispatched payload to forward execution, got %+v", gotPayload["execution"])
	}
	if _, ok := gotPayload["payload"].(map[string]any); !ok {
		t.Fatalf("expected dispatched payload to carry the full composite payload, got %+v", gotPayload["payload"])
	}
	if len(log.errors) != 0 {
		t.Fatalf("expected no logged errors, got %v", log.errors)
	}
}

func TestRunOnceWithoutAgentURLSchedulesRetry(t *testing.T) {
	q, repo, projectID := setup(t)
	in, err := q.Create(queue.CreateInput{ProjectID: projectID, InstructionType: "generate"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	loop := New(q, repo, nil, Config{
		WorkerID:            "worker-test",
		MaxLockedSeconds:    300,
		DefaultMaxAttempts:  3,
		RetryBackoffSeconds: 5,
	}, &testLogger{})

	if !loop.RunOnce() {
		t.Fatal("expected RunOnce to process the instruction")
	}

	settled, err := q.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if settled.Status != "queued" {
		t.Fatalf("expected status 'queued' (retryable), got %q", settled.Status)
	}
	if settled.LastError != "missing_agent_api_url" {
		t.Fatalf("unexpected last_error %q", settled.LastError)
	}
}

func TestRunOnceReturnsFalseWhenQueueEmpty(t *testing.T) {
	q, repo, _ := setup(t)
	loop := New(q, repo, nil, Config{WorkerID: "worker-test", MaxLockedSeconds: 300}, &testLogger{})
	if loop.RunOnce() {
		t.Fatal("expected RunOnce to return false on an empty queue")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	q, repo, _ := setup(t)
	loop := New(q, repo, nil, Config{WorkerID: "worker-test", PollInterval: 5 * time.Millisecond, MaxLockedSeconds: 300}, &testLogger{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("expected Run to return promptly after context cancellation")
	}
}
