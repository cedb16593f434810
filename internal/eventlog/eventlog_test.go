package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/migrate"
)

func openTestDB(t *testing.T) *sql.DB {
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
	return db
}

func fixedNow(t time.Time) Now {
	return func() time.Time { return t }
}

func bootLog(t *testing.T, db *sql.DB) *Log {
	t.Helper()
	l := Open(db, fixedNow(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	if err := l.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestCreateTaskAndReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := bootLog(t, db)

	payload, _ := json.Marshal(map[string]string{"title": "JWT refresh fix", "priority": "normal", "topic_slug": "jwt-refresh-fix"})
	res, err := l.Append(ctx, "t1", "", CommandResult{TaskID: "t1"}, domain.Event{
		Type: domain.EventTaskCreated, TaskID: "t1", Payload: payload,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(res.Seqs) != 1 || res.Seqs[0] != 1 {
		t.Fatalf("expected seq 1, got %v", res.Seqs)
	}

	task, ok := l.Task("t1")
	if !ok || task.Status != domain.TaskDraft {
		t.Fatalf("expected draft task, got %+v ok=%v", task, ok)
	}

	replayed, err := ReplayInto(ctx, db)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed.Tasks) != 1 || replayed.Tasks[0].Status != domain.TaskDraft {
		t.Fatalf("replay mismatch: %+v", replayed.Tasks)
	}
}

func TestEventForUnknownTaskRejected(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := bootLog(t, db)

	_, err := l.Append(ctx, "t1", "", CommandResult{}, domain.Event{
		Type: domain.EventQuestionsRaised, TaskID: "t1",
	})
	if err == nil {
		t.Fatal("expected ErrNotFound for unknown task")
	}
}

func TestCommandIDIdempotency(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := bootLog(t, db)

	payload, _ := json.Marshal(map[string]string{"title": "x", "priority": "normal", "topic_slug": "x"})
	first, err := l.Append(ctx, "t1", "cmd-1", CommandResult{TaskID: "t1"}, domain.Event{Type: domain.EventTaskCreated, TaskID: "t1", Payload: payload})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	second, err := l.Append(ctx, "t1", "cmd-1", CommandResult{TaskID: "t1"}, domain.Event{Type: domain.EventTaskCreated, TaskID: "t1", Payload: payload})
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if second.Result.TaskID != first.Result.TaskID {
		t.Fatalf("expected same result replayed")
	}

	snap := l.Snapshot()
	if snap.LastSeq != 1 {
		t.Fatalf("expected no new events from duplicate command, last_seq=%d", snap.LastSeq)
	}
}

func TestSubscriberResumeFromSeq(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := openTestDB(t)
	l := bootLog(t, db)

	payload, _ := json.Marshal(map[string]string{"title": "x", "priority": "normal", "topic_slug": "x"})
	if _, err := l.Append(ctx, "t1", "", CommandResult{}, domain.Event{Type: domain.EventTaskCreated, TaskID: "t1", Payload: payload}); err != nil {
		t.Fatalf("append 1: %v", err)
	}

	subA, err := l.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	workingPayload, _ := json.Marshal(map[string]string{"path": "prompts/x/working.md"})
	if _, err := l.Append(ctx, "t1", "", CommandResult{}, domain.Event{Type: domain.EventWorkingPromptUpdated, TaskID: "t1", Payload: workingPayload}); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	var seen []domain.Event
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-subA:
			seen = append(seen, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d", len(seen))
		}
	}
	if seen[0].Type != domain.EventTaskCreated || seen[1].Type != domain.EventWorkingPromptUpdated {
		t.Fatalf("unexpected order: %+v", seen)
	}

	resumed, err := l.Subscribe(ctx, seen[0].Seq)
	if err != nil {
		t.Fatalf("resume subscribe: %v", err)
	}
	select {
	case ev := <-resumed:
		if ev.Type != domain.EventWorkingPromptUpdated {
			t.Fatalf("expected resumed subscriber to skip seen event, got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resumed subscriber")
	}
}

func TestHandoffFrozenAtMostOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := bootLog(t, db)

	payload, _ := json.Marshal(map[string]string{"title": "x", "priority": "normal", "topic_slug": "x"})
	if _, err := l.Append(ctx, "t1", "", CommandResult{}, domain.Event{Type: domain.EventTaskCreated, TaskID: "t1", Payload: payload}); err != nil {
		t.Fatalf("create: %v", err)
	}
	workingPayload, _ := json.Marshal(map[string]string{"path": "prompts/x/working.md"})
	if _, err := l.Append(ctx, "t1", "", CommandResult{}, domain.Event{Type: domain.EventWorkingPromptUpdated, TaskID: "t1", Payload: workingPayload}); err != nil {
		t.Fatalf("working: %v", err)
	}

	freezePayload, _ := json.Marshal(map[string]string{"handoff_md_path": "prompts/x/handoff.md", "handoff_json_path": "prompts/x/handoff.json"})
	if _, err := l.Append(ctx, "t1", "", CommandResult{}, domain.Event{Type: domain.EventHandoffFrozen, TaskID: "t1", Payload: freezePayload}); err != nil {
		t.Fatalf("freeze 1: %v", err)
	}

	task, _ := l.Task("t1")
	if task.Status != domain.TaskReadyToHandoff {
		t.Fatalf("expected ready_to_handoff, got %s", task.Status)
	}

	// A second freeze against the now-ready_to_handoff task is rejected
	// by transition validation; the Orchestrator is responsible for
	// short-circuiting idempotent re-freezes before reaching the log.
	if _, err := l.Append(ctx, "t1", "", CommandResult{}, domain.Event{Type: domain.EventHandoffFrozen, TaskID: "t1", Payload: freezePayload}); err == nil {
		t.Fatal("expected second freeze to be rejected at the log level")
	}
}
