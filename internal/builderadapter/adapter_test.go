package builderadapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/migrate"
)

func openTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := migrate.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := eventlog.Open(db, nil)
	if err := l.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func createReadyTask(t *testing.T, l *eventlog.Log, taskID string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"title": "JWT refresh fix", "priority": "normal", "topic_slug": "jwt-refresh-fix"})
	if _, err := l.Append(context.Background(), taskID, "", eventlog.CommandResult{}, domain.Event{Type: domain.EventTaskCreated, TaskID: taskID, Payload: payload}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	workingPayload, _ := json.Marshal(map[string]string{"path": "prompts/jwt-refresh-fix/working.md"})
	if _, err := l.Append(context.Background(), taskID, "", eventlog.CommandResult{}, domain.Event{Type: domain.EventWorkingPromptUpdated, TaskID: taskID, Payload: workingPayload}); err != nil {
		t.Fatalf("working prompt: %v", err)
	}
	freezePayload, _ := json.Marshal(map[string]string{"handoff_md_path": "prompts/jwt-refresh-fix/handoff.md", "handoff_json_path": "prompts/jwt-refresh-fix/handoff.json"})
	if _, err := l.Append(context.Background(), taskID, "", eventlog.CommandResult{}, domain.Event{Type: domain.EventHandoffFrozen, TaskID: taskID, Payload: freezePayload}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}

func waitForStatus(t *testing.T, l *eventlog.Log, taskID, status string, timeout time.Duration) domain.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, ok := l.Task(taskID)
		if ok && task.Status == status {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := l.Task(taskID)
	t.Fatalf("timed out waiting for task %s to reach status %s, currently %s", taskID, status, task.Status)
	return domain.Task{}
}

func TestDispatchGateApproveComplete(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	createReadyTask(t, l, "t1")

	registry := NewRegistry()
	loopback := NewLoopbackAdapter()
	loopback.Script = func(sessionID string) []RemoteEvent {
		return []RemoteEvent{
			{Type: "status", Status: "running"},
			{Type: "gate_requested", GateKind: domain.GateWrite},
		}
	}
	registry.Register("default", loopback, Limits{MaxConcurrentSessions: 4}, Timeouts{})

	dispatcher := New(registry, l, nil)
	sessionID, err := dispatcher.Dispatch(ctx, "t1", "default", "prompts/jwt-refresh-fix/handoff.md", "prompts/jwt-refresh-fix/handoff.json", "digest-1", "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a session id")
	}

	waitForStatus(t, l, "t1", domain.TaskAwaitingGate, time.Second)

	// Duplicate dispatch with the same digest is a no-op.
	again, err := dispatcher.Dispatch(ctx, "t1", "default", "prompts/jwt-refresh-fix/handoff.md", "prompts/jwt-refresh-fix/handoff.json", "digest-1", "")
	if err != nil {
		t.Fatalf("duplicate dispatch: %v", err)
	}
	if again != sessionID {
		t.Fatalf("expected duplicate dispatch to return existing session id, got %s want %s", again, sessionID)
	}

	gatePayload, _ := json.Marshal(map[string]string{"kind": domain.GateWrite})
	if _, err := l.Append(ctx, "t1", "", eventlog.CommandResult{}, domain.Event{Type: domain.EventGateApproved, TaskID: "t1", Refs: domain.EventRefs{SessionID: sessionID}, Payload: gatePayload}); err != nil {
		t.Fatalf("append gate approved: %v", err)
	}
	if err := dispatcher.ForwardGateResolution(ctx, "t1", domain.GateWrite, true); err != nil {
		t.Fatalf("forward gate resolution: %v", err)
	}

	waitForStatus(t, l, "t1", domain.TaskDone, 2*time.Second)
}

func TestDispatchConflictingTokenWhileInFlight(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)
	createReadyTask(t, l, "t1")

	registry := NewRegistry()
	loopback := NewLoopbackAdapter()
	loopback.Script = func(string) []RemoteEvent {
		return []RemoteEvent{{Type: "status", Status: "running"}}
	}
	registry.Register("default", loopback, Limits{MaxConcurrentSessions: 4}, Timeouts{})

	dispatcher := New(registry, l, nil)
	if _, err := dispatcher.Dispatch(ctx, "t1", "default", "md", "json", "digest-a", ""); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	waitForStatus(t, l, "t1", domain.TaskRunning, time.Second)

	if _, err := dispatcher.Dispatch(ctx, "t1", "default", "md", "json", "digest-b", ""); err == nil {
		t.Fatal("expected conflict for a different token against an in-flight session")
	}
}
