package inbox

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
	l.SetInboxDeriver(DeriveInboxItem)
	if err := l.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func appendGateRequested(t *testing.T, l *eventlog.Log, taskID string) {
	t.Helper()
	createPayload, _ := json.Marshal(map[string]string{"title": "t", "priority": "normal", "topic_slug": taskID})
	if _, err := l.Append(context.Background(), taskID, "", eventlog.CommandResult{}, domain.Event{Type: domain.EventTaskCreated, TaskID: taskID, Payload: createPayload}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	// GateRequested is only valid from running, so walk the task there first;
	// none of these events derive an inbox item.
	sessionRefs := domain.EventRefs{SessionID: "s-" + taskID}
	workingPayload, _ := json.Marshal(map[string]string{"path": "prompts/" + taskID + "/working.md"})
	freezePayload, _ := json.Marshal(map[string]string{"handoff_md_path": "prompts/" + taskID + "/handoff.md", "handoff_json_path": "prompts/" + taskID + "/handoff.json"})
	dispatchPayload, _ := json.Marshal(map[string]string{"builder_kind": "default"})
	runningPayload, _ := json.Marshal(map[string]string{"status": "running"})
	for _, ev := range []domain.Event{
		{Type: domain.EventWorkingPromptUpdated, TaskID: taskID, Payload: workingPayload},
		{Type: domain.EventHandoffFrozen, TaskID: taskID, Payload: freezePayload},
		{Type: domain.EventBuilderDispatched, TaskID: taskID, Refs: sessionRefs, Payload: dispatchPayload},
		{Type: domain.EventBuilderStatusChanged, TaskID: taskID, Refs: sessionRefs, Payload: runningPayload},
	} {
		if _, err := l.Append(context.Background(), taskID, "", eventlog.CommandResult{}, ev); err != nil {
			t.Fatalf("append %s: %v", ev.Type, err)
		}
	}
	gatePayload, _ := json.Marshal(map[string]string{"kind": domain.GateWrite})
	if _, err := l.Append(context.Background(), taskID, "", eventlog.CommandResult{}, domain.Event{Type: domain.EventGateRequested, TaskID: taskID, Payload: gatePayload}); err != nil {
		t.Fatalf("gate requested: %v", err)
	}
}

func TestDeriveInboxItemMapsSeverity(t *testing.T) {
	cases := []struct {
		name     string
		ev       domain.Event
		wantNil  bool
		wantSev  string
	}{
		{name: "gate requested is blocking", ev: domain.Event{Type: domain.EventGateRequested, TaskID: "t1", Payload: json.RawMessage(`{"kind":"write"}`)}, wantSev: domain.SeverityBlocking},
		{name: "build completed is success", ev: domain.Event{Type: domain.EventBuildCompleted, TaskID: "t1"}, wantSev: domain.SeveritySuccess},
		{name: "build failed is error", ev: domain.Event{Type: domain.EventBuildFailed, TaskID: "t1", Payload: json.RawMessage(`{"reason":"boom"}`)}, wantSev: domain.SeverityError},
		{name: "lost session is error", ev: domain.Event{Type: domain.EventBuilderStatusChanged, TaskID: "t1", Payload: json.RawMessage(`{"status":"lost"}`)}, wantSev: domain.SeverityError},
		{name: "running status is not user-visible", ev: domain.Event{Type: domain.EventBuilderStatusChanged, TaskID: "t1", Payload: json.RawMessage(`{"status":"running"}`)}, wantNil: true},
		{name: "unlinked event is not user-visible", ev: domain.Event{Type: domain.EventExternalTaskLinked, TaskID: "t1"}, wantNil: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := DeriveInboxItem(tc.ev)
			if tc.wantNil {
				if item != nil {
					t.Fatalf("expected nil, got %+v", item)
				}
				return
			}
			if item == nil {
				t.Fatal("expected an inbox item")
			}
			if item.Severity != tc.wantSev {
				t.Fatalf("expected severity %s, got %s", tc.wantSev, item.Severity)
			}
		})
	}
}

func TestBlockingItemsDeliverImmediately(t *testing.T) {
	l := openTestLog(t)
	notifier := New(l, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	appendGateRequested(t, l, "t1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hints := notifier.PendingDelivery()
		if len(hints) == 1 && hints[0].Severity == domain.SeverityBlocking {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a blocking hint to arrive without waiting for the coalescing window")
}

func TestInfoItemsCoalescePerTask(t *testing.T) {
	l := openTestLog(t)
	notifier := New(l, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Run(ctx)

	taskID := "t1"

	// Feed info-severity items directly: this test targets the
	// coalescing window, not the event-to-severity mapping already
	// covered by TestDeriveInboxItemMapsSeverity.
	notifier.ingest(domain.InboxItem{InboxID: "a", Severity: domain.SeverityInfo, Summary: "update 1", TaskID: taskID})
	notifier.ingest(domain.InboxItem{InboxID: "b", Severity: domain.SeverityInfo, Summary: "update 2", TaskID: taskID})

	time.Sleep(80 * time.Millisecond)
	hints := notifier.PendingDelivery()

	var sawCoalesced bool
	for _, h := range hints {
		if len(h.InboxIDs) == 2 {
			sawCoalesced = true
		}
	}
	if !sawCoalesced {
		t.Fatalf("expected the two info items to coalesce into one hint, got %+v", hints)
	}
}

func TestAcknowledgeClearsUnreadCount(t *testing.T) {
	l := openTestLog(t)
	notifier := New(l, time.Second)
	appendGateRequested(t, l, "t1")

	if got := notifier.UnreadCount(); got != 1 {
		t.Fatalf("expected 1 unread item, got %d", got)
	}

	items := l.InboxItems()
	if len(items) != 1 {
		t.Fatalf("expected 1 inbox item, got %d", len(items))
	}
	if err := notifier.Acknowledge(context.Background(), []string{items[0].InboxID}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if got := notifier.UnreadCount(); got != 0 {
		t.Fatalf("expected 0 unread after acknowledge, got %d", got)
	}
}
