package orchestrator

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/logabell/conversator/internal/builderadapter"
	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/migrate"
	"github.com/logabell/conversator/internal/promptworkspace"
)

func newHarness(t *testing.T) (*Orchestrator, *eventlog.Log, *builderadapter.LoopbackAdapter, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := migrate.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	l := eventlog.Open(db, func() time.Time { return time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC) })
	l.SetInboxDeriver(inbox.DeriveInboxItem)
	if err := l.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(l.Close)

	ws := promptworkspace.New(t.TempDir(), nil)

	registry := builderadapter.NewRegistry()
	loopback := builderadapter.NewLoopbackAdapter()
	registry.Register("default", loopback, builderadapter.Limits{MaxConcurrentSessions: 4}, builderadapter.Timeouts{})

	dispatcher := builderadapter.New(registry, l, nil)
	orch := New(l, ws, dispatcher, nil)
	return orch, l, loopback, db
}

func waitStatus(t *testing.T, l *eventlog.Log, taskID, status string) domain.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := l.Task(taskID)
		if ok && task.Status == status {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := l.Task(taskID)
	t.Fatalf("task %s did not reach %s, at %s", taskID, status, task.Status)
	return domain.Task{}
}

// scenario 1: vague request to handoff.
func TestScenarioVagueRequestToHandoff(t *testing.T) {
	ctx := context.Background()
	orch, l, _, _ := newHarness(t)

	taskID, err := orch.CreateTask(ctx, "JWT refresh fix", "normal", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := orch.UpdateWorkingPrompt(ctx, taskID, "initial capture", "# JWT refresh fix\nfails after 15m idle", ""); err != nil {
		t.Fatalf("update working prompt: %v", err)
	}
	if err := orch.RaiseQuestions(ctx, taskID, []string{"auto-refresh?", "idle cap?"}, ""); err != nil {
		t.Fatalf("raise questions: %v", err)
	}
	if err := orch.AnswerQuestions(ctx, taskID, map[string]any{"auto_refresh": true, "idle_cap_min": 30}, ""); err != nil {
		t.Fatalf("answer questions: %v", err)
	}

	result, err := orch.FreezePrompt(ctx, taskID, FreezePromptOptions{
		Goal:             "Fix JWT refresh",
		DefinitionOfDone: []string{"refresh token auto-renews before expiry"},
		Gates:            domain.Gates{Write: true},
	}, "")
	if err != nil {
		t.Fatalf("freeze prompt: %v", err)
	}
	if result.HandoffMDPath == "" || result.HandoffJSONPath == "" {
		t.Fatal("expected both handoff paths")
	}

	task := waitStatus(t, l, taskID, domain.TaskReadyToHandoff)
	if task.HandoffPromptPath == nil || task.HandoffSpecPath == nil {
		t.Fatal("expected handoff paths recorded on task")
	}

	snap := l.Snapshot()
	if snap.LastSeq != 5 {
		t.Fatalf("expected exactly 5 events (TaskCreated, WorkingPromptUpdated, QuestionsRaised, UserAnswered, HandoffFrozen), last_seq=%d", snap.LastSeq)
	}
}

// scenario 2 & 3: dispatch, gate, complete; duplicate dispatch idempotent.
func TestScenarioDispatchGateCompleteAndDuplicateDispatch(t *testing.T) {
	ctx := context.Background()
	orch, l, loopback, _ := newHarness(t)
	loopback.Script = func(string) []builderadapter.RemoteEvent {
		return []builderadapter.RemoteEvent{
			{Type: "status", Status: "running"},
			{Type: "gate_requested", GateKind: domain.GateWrite},
		}
	}

	taskID, _ := orch.CreateTask(ctx, "JWT refresh fix", "normal", "")
	_ = orch.UpdateWorkingPrompt(ctx, taskID, "initial capture", "draft", "")
	if _, err := orch.FreezePrompt(ctx, taskID, FreezePromptOptions{Goal: "Fix JWT refresh", Gates: domain.Gates{Write: true}}, ""); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	sessionID, err := orch.Dispatch(ctx, taskID, "default", "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitStatus(t, l, taskID, domain.TaskAwaitingGate)

	// Scenario 3: a repeat dispatch with the same frozen handoff returns
	// the existing session id and appends no events.
	seqBefore := l.Snapshot().LastSeq
	again, err := orch.Dispatch(ctx, taskID, "default", "")
	if err != nil {
		t.Fatalf("duplicate dispatch: %v", err)
	}
	if again != sessionID {
		t.Fatalf("expected duplicate dispatch to return existing session id, got %s want %s", again, sessionID)
	}
	if seq := l.Snapshot().LastSeq; seq != seqBefore {
		t.Fatalf("expected no new events from duplicate dispatch, last_seq %d -> %d", seqBefore, seq)
	}

	if err := orch.ResolveGate(ctx, taskID, true, ""); err != nil {
		t.Fatalf("resolve gate: %v", err)
	}

	task := waitStatus(t, l, taskID, domain.TaskDone)
	if task.BuilderSessionID == nil || *task.BuilderSessionID != sessionID {
		t.Fatalf("expected session id %s recorded on task", sessionID)
	}

	var sawBlocking, sawSuccess bool
	for _, it := range l.InboxItems() {
		switch it.Severity {
		case domain.SeverityBlocking:
			sawBlocking = true
		case domain.SeveritySuccess:
			sawSuccess = true
		}
	}
	if !sawBlocking {
		t.Error("expected a blocking inbox item for the gate request")
	}
	if !sawSuccess {
		t.Error("expected a success inbox item for the completion")
	}
}

// quick_dispatch: an allowlisted query runs immediately and is recorded as
// QuickDispatchRequested + QuickDispatchExecuted; a disallowed command is
// rejected and recorded as QuickDispatchBlocked instead of running.
func TestQuickDispatchSafeAndBlocked(t *testing.T) {
	ctx := context.Background()
	orch, l, _, _ := newHarness(t)

	taskID, err := orch.CreateTask(ctx, "check repo state", "normal", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	dir := t.TempDir()
	result, err := orch.QuickDispatch(ctx, taskID, "simple_mutation", "touch quickdispatch.txt", dir, "")
	if err != nil {
		t.Fatalf("quick dispatch: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "quickdispatch.txt")); statErr != nil {
		t.Fatalf("expected touched file to exist: %v", statErr)
	}

	blocked, err := orch.QuickDispatch(ctx, taskID, "query", "rm -rf /tmp/whatever", "", "")
	if err != nil {
		t.Fatalf("quick dispatch blocked: %v", err)
	}
	if blocked.Success {
		t.Fatal("expected blocked command to be rejected, not executed")
	}
	if blocked.Error == "" {
		t.Fatal("expected a rejection reason")
	}

	snap := l.Snapshot()
	if snap.LastSeq != 5 {
		t.Fatalf("expected TaskCreated + 2x(Requested,Executed|Blocked), got last_seq=%d", snap.LastSeq)
	}
}

// scenario 4: cancellation during gate auto-denies the pending gate.
func TestScenarioCancellationDuringGate(t *testing.T) {
	ctx := context.Background()
	orch, l, loopback, _ := newHarness(t)
	loopback.Script = func(string) []builderadapter.RemoteEvent {
		return []builderadapter.RemoteEvent{
			{Type: "status", Status: "running"},
			{Type: "gate_requested", GateKind: domain.GateWrite},
		}
	}

	taskID, _ := orch.CreateTask(ctx, "JWT refresh fix", "normal", "")
	_ = orch.UpdateWorkingPrompt(ctx, taskID, "initial capture", "draft", "")
	if _, err := orch.FreezePrompt(ctx, taskID, FreezePromptOptions{Goal: "Fix JWT refresh", Gates: domain.Gates{Write: true}}, ""); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := orch.Dispatch(ctx, taskID, "default", ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitStatus(t, l, taskID, domain.TaskAwaitingGate)

	if err := orch.Cancel(ctx, taskID, "never mind", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	task := waitStatus(t, l, taskID, domain.TaskCanceled)
	if task.CanceledReason != "never mind" {
		t.Fatalf("expected canceled reason recorded, got %q", task.CanceledReason)
	}
}

// scenario 5: crash-recovery determinism. Persisting up to awaiting_gate
// and replaying the log from scratch must restore the same status.
func TestScenarioCrashRecoveryDeterminism(t *testing.T) {
	ctx := context.Background()
	orch, l, loopback, db := newHarness(t)
	loopback.Script = func(string) []builderadapter.RemoteEvent {
		return []builderadapter.RemoteEvent{
			{Type: "status", Status: "running"},
			{Type: "gate_requested", GateKind: domain.GateWrite},
		}
	}

	taskID, _ := orch.CreateTask(ctx, "JWT refresh fix", "normal", "")
	_ = orch.UpdateWorkingPrompt(ctx, taskID, "initial capture", "draft", "")
	if _, err := orch.FreezePrompt(ctx, taskID, FreezePromptOptions{Goal: "Fix JWT refresh", Gates: domain.Gates{Write: true}}, ""); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := orch.Dispatch(ctx, taskID, "default", ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitStatus(t, l, taskID, domain.TaskAwaitingGate)

	replayed, err := eventlog.ReplayInto(ctx, db)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed.Tasks) != 1 || replayed.Tasks[0].Status != domain.TaskAwaitingGate {
		t.Fatalf("expected cold replay to restore awaiting_gate, got %+v", replayed.Tasks)
	}
	if replayed.Tasks[0].PendingGateKind != domain.GateWrite {
		t.Fatalf("expected pending gate kind preserved, got %q", replayed.Tasks[0].PendingGateKind)
	}
}
