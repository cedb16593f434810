package bootstrap

import (
	"context"
	"testing"
)

func TestNewAndRunWireLoopbackWorkspace(t *testing.T) {
	dir := t.TempDir()
	app, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close()

	if err := app.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, _, _, err := app.Registry.Get("loopback"); err != nil {
		t.Fatalf("expected a default loopback builder registered, got %v", err)
	}

	taskID, err := app.Orchestrator.CreateTask(context.Background(), "wire up auth", "normal", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, ok := app.Log.Task(taskID); !ok {
		t.Fatal("expected created task to be visible in the event log snapshot")
	}

	handler, err := app.Handler("/v0")
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if handler == nil {
		t.Fatal("expected a non-nil HTTP handler")
	}
}

func TestNewIsIdempotentAcrossReopens(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir)
	if err != nil {
		t.Fatalf("New (first): %v", err)
	}
	taskID, err := first.Orchestrator.CreateTask(context.Background(), "first task", "normal", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	first.Close()

	second, err := New(dir)
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}
	defer second.Close()
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := second.Log.Task(taskID); !ok {
		t.Fatal("expected task created before reopen to survive a cold reopen of the workspace")
	}
}
