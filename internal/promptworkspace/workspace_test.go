package promptworkspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/logabell/conversator/internal/domain"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	dir := t.TempDir()
	return New(dir, func() time.Time { return time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC) })
}

func TestUpdateWorkingWritesAtomically(t *testing.T) {
	w := newTestWorkspace(t)
	path, err := w.UpdateWorking("jwt-refresh-fix", "# JWT refresh fix\nfails after 15m idle")
	if err != nil {
		t.Fatalf("update working: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "# JWT refresh fix\nfails after 15m idle" {
		t.Fatalf("unexpected content: %s", data)
	}
	if leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".tmp-*")); len(leftovers) != 0 {
		t.Fatal("temp file leaked")
	}
}

func TestFreezeRequiresWorkingPrompt(t *testing.T) {
	w := newTestWorkspace(t)
	_, err := w.Freeze("nope", domain.HandoffSpec{Goal: "x"}, RenderHandoffMarkdown)
	if err != ErrNoWorkingPrompt {
		t.Fatalf("expected ErrNoWorkingPrompt, got %v", err)
	}
}

func TestFreezeIsIdempotent(t *testing.T) {
	w := newTestWorkspace(t)
	if _, err := w.UpdateWorking("jwt-refresh-fix", "draft"); err != nil {
		t.Fatalf("update working: %v", err)
	}
	spec := domain.HandoffSpec{
		Goal:             "Fix JWT refresh",
		DefinitionOfDone: []string{"refresh token auto-renews before expiry"},
		Gates:            domain.Gates{Write: true},
	}

	first, err := w.Freeze("jwt-refresh-fix", spec, RenderHandoffMarkdown)
	if err != nil {
		t.Fatalf("first freeze: %v", err)
	}
	if first.AlreadyFrozen {
		t.Fatal("first freeze should not report AlreadyFrozen")
	}

	second, err := w.Freeze("jwt-refresh-fix", spec, RenderHandoffMarkdown)
	if err != nil {
		t.Fatalf("second freeze: %v", err)
	}
	if !second.AlreadyFrozen {
		t.Fatal("second freeze should report AlreadyFrozen")
	}
	if second.HandoffMDPath != first.HandoffMDPath || second.HandoffJSONPath != first.HandoffJSONPath {
		t.Fatal("second freeze should return the same paths")
	}

	data, err := os.ReadFile(first.HandoffJSONPath)
	if err != nil {
		t.Fatalf("read handoff.json: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("handoff.json is empty")
	}
}

func TestArtifactPathIsDeterministic(t *testing.T) {
	w := newTestWorkspace(t)
	p1 := w.ArtifactPath("topic", "diff", "auth middleware fix", "md")
	p2 := w.ArtifactPath("topic", "diff", "auth middleware fix", "md")
	if p1 != p2 {
		t.Fatalf("expected deterministic naming for the same clock tick: %s vs %s", p1, p2)
	}
	if filepath.Base(p1) != "20260112T090000Z-auth-middleware-fix.md" {
		t.Fatalf("unexpected artifact name: %s", filepath.Base(p1))
	}
}

func TestSlugify(t *testing.T) {
	if got := Slugify("JWT refresh fix"); got != "jwt-refresh-fix" {
		t.Fatalf("unexpected slug: %s", got)
	}
}
