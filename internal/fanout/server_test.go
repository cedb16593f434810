package fanout

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/logabell/conversator/internal/builderadapter"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/migrate"
	"github.com/logabell/conversator/internal/orchestrator"
	"github.com/logabell/conversator/internal/promptworkspace"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
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
	l.SetInboxDeriver(inbox.DeriveInboxItem)
	if err := l.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}

	ws := promptworkspace.New(t.TempDir(), nil)
	registry := builderadapter.NewRegistry()
	registry.Register("default", builderadapter.NewLoopbackAdapter(), builderadapter.Limits{MaxConcurrentSessions: 4}, builderadapter.Timeouts{})
	dispatcher := builderadapter.New(registry, l, nil)
	orch := orchestrator.New(l, ws, dispatcher, nil)
	notifier := inbox.New(l, 10*time.Millisecond)
	notifierCtx, notifierCancel := context.WithCancel(context.Background())
	go notifier.Run(notifierCtx)

	handler, err := New(Config{
		Orchestrator: orch,
		Log:          l,
		Registry:     registry,
		Notifier:     notifier,
		BasePath:     "/v0",
		Auth:         AuthConfig{AllowDevBearer: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			notifierCancel()
			srv.Shutdown(context.Background())
			ln.Close()
			l.Close()
			db.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer dev:tester")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestCreateTaskThroughFreezeAndGetTask(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", createTaskBody{Title: "JWT refresh fix"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, data)
	}
	var created createTaskResponseBody
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.TaskID == "" {
		t.Fatal("expected a task id")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.TaskID+"/working-prompt", updateWorkingPromptBody{DeltaSummary: "initial capture", Content: "# JWT refresh fix"})
	if res.StatusCode >= 300 {
		t.Fatalf("working prompt status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.TaskID+"/freeze", freezePromptBody{Goal: "Fix JWT refresh"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("freeze status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.TaskID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if task.Status != "ready_to_handoff" {
		t.Fatalf("expected ready_to_handoff, got %s", task.Status)
	}
}

func TestQuickDispatchRunsAllowlistedCommandAndRejectsOthers(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", createTaskBody{Title: "tidy up the repo"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, data)
	}
	var created createTaskResponseBody
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.TaskID+"/quick-dispatch", quickDispatchBody{
		Operation: "query",
		Command:   "git status",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("quick-dispatch status %d: %s", res.StatusCode, data)
	}
	var qd quickDispatchResponseBody
	if err := json.Unmarshal(data, &qd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.TaskID+"/quick-dispatch", quickDispatchBody{
		Operation: "query",
		Command:   "rm -rf /",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("quick-dispatch status %d: %s", res.StatusCode, data)
	}
	var rejected quickDispatchResponseBody
	if err := json.Unmarshal(data, &rejected); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rejected.Success {
		t.Fatal("expected blocked command to be rejected")
	}
	if rejected.Error == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestGetUnknownTaskIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/does-not-exist", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}
}

func TestMissingAuthIsRejected(t *testing.T) {
	srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/tasks", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func (s *testServer) Client() *http.Client { return s.client }
