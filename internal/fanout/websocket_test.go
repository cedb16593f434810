package fanout

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/migrate"
)

func newTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := eventlog.Open(db, nil)
	if err := l.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
		db.Close()
	})
	return l
}

func TestResumeFromSeqReadsQueryParam(t *testing.T) {
	l := newTestLog(t)
	h := newHub(l)

	req := httptest.NewRequest(http.MethodGet, "/ws/events?from=42", nil)
	if got := h.resumeFromSeq(req); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/events?cursor=7", nil)
	if got := h.resumeFromSeq(req); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestResumeFromSeqReadsLastEventIDHeader(t *testing.T) {
	l := newTestLog(t)
	h := newHub(l)

	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	req.Header.Set("Last-Event-ID", "5")
	if got := h.resumeFromSeq(req); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestResumeFromSeqFallsBackToSnapshot(t *testing.T) {
	l := newTestLog(t)
	h := newHub(l)

	payload, _ := json.Marshal(map[string]string{"title": "x", "priority": "normal", "topic_slug": "x"})
	if _, err := l.Append(context.Background(), "t1", "", eventlog.CommandResult{}, domain.Event{Type: domain.EventTaskCreated, TaskID: "t1", Payload: payload}); err != nil {
		t.Fatalf("append: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	if got := h.resumeFromSeq(req); got != l.Snapshot().LastSeq {
		t.Fatalf("expected fallback to snapshot LastSeq=%d, got %d", l.Snapshot().LastSeq, got)
	}
}

func TestWsMessageTypeMapsBuilderStatus(t *testing.T) {
	if got := wsMessageType(domain.Event{Type: domain.EventBuilderStatusChanged}); got != "builder_status" {
		t.Fatalf("expected builder_status, got %s", got)
	}
	if got := wsMessageType(domain.Event{Type: domain.EventTaskCreated}); got != "task_update" {
		t.Fatalf("expected task_update, got %s", got)
	}
}
