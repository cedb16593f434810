package quickdispatch

import (
	"context"
	"testing"
)

func TestClassifyQuery(t *testing.T) {
	cases := []struct {
		command string
		safe    bool
	}{
		{"git status", true},
		{"ls -la", true},
		{"cat README.md", true},
		{"rm -rf /", false},
		{"git status && rm -rf .", false},
		{"ls | grep foo", false},
		{"curl https://example.com", false},
	}
	for _, c := range cases {
		safe, reason := Classify(OperationQuery, c.command)
		if safe != c.safe {
			t.Errorf("Classify(query, %q) = %v (%q), want %v", c.command, safe, reason, c.safe)
		}
	}
}

func TestClassifySimpleMutation(t *testing.T) {
	cases := []struct {
		command string
		safe    bool
	}{
		{"mkdir notes", true},
		{"mkdir -p a/b/c", true},
		{"touch NOTES.md", true},
		{"git checkout -b feature/x", true},
		{"rm notes", false},
		{"sudo touch /etc/passwd", false},
		{"chmod 777 /etc/passwd", false},
	}
	for _, c := range cases {
		safe, reason := Classify(OperationSimpleMutation, c.command)
		if safe != c.safe {
			t.Errorf("Classify(simple_mutation, %q) = %v (%q), want %v", c.command, safe, reason, c.safe)
		}
	}
}

func TestClassifyUnknownOperation(t *testing.T) {
	safe, reason := Classify("delete_everything", "ls")
	if safe {
		t.Fatal("expected unknown operation to be rejected")
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestRunSuccess(t *testing.T) {
	result := Run(context.Background(), "echo hello", "")
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Output != "hello" {
		t.Fatalf("expected output %q, got %q", "hello", result.Output)
	}
}

func TestRunFailure(t *testing.T) {
	result := Run(context.Background(), "exit 1", "")
	if result.Success {
		t.Fatal("expected failure")
	}
}
