// Package promptworkspace manages the per-topic prompt directories and the
// working→handoff freeze lifecycle (spec §4.2). Every write lands through
// temp-file-plus-rename so a crash mid-write never leaves a half-written
// file visible to a reader.
package promptworkspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/logabell/conversator/internal/domain"
)

// ErrNoWorkingPrompt is returned by Freeze when working.md does not exist.
var ErrNoWorkingPrompt = fmt.Errorf("promptworkspace: no working prompt to freeze")

// Now is injectable for deterministic artifact naming in tests.
type Now func() time.Time

// Workspace roots all prompt topics under one directory and serializes
// writes per topic (spec §5: "filesystem writes under the prompt workspace
// are serialized per topic; cross-topic writes proceed in parallel").
type Workspace struct {
	root string
	now  Now

	mu     sync.Mutex
	topics map[string]*sync.Mutex
}

// New roots a Workspace at dir (typically db.PromptsRoot(workspace)).
func New(dir string, now Now) *Workspace {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Workspace{root: dir, now: now, topics: make(map[string]*sync.Mutex)}
}

func (w *Workspace) lockFor(topic string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.topics[topic]
	if !ok {
		l = &sync.Mutex{}
		w.topics[topic] = l
	}
	return l
}

func (w *Workspace) topicDir(topic string) string {
	return filepath.Join(w.root, topic)
}

func (w *Workspace) workingPath(topic string) string {
	return filepath.Join(w.topicDir(topic), "working.md")
}

func (w *Workspace) handoffMDPath(topic string) string {
	return filepath.Join(w.topicDir(topic), "handoff.md")
}

func (w *Workspace) handoffJSONPath(topic string) string {
	return filepath.Join(w.topicDir(topic), "handoff.json")
}

func (w *Workspace) artifactsDir(topic string) string {
	return filepath.Join(w.topicDir(topic), "artifacts")
}

// writeAtomic writes data to path via a sibling temp file plus rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// UpdateWorking atomically overwrites working.md for a topic. Returns the
// path written; the caller (Orchestrator) is responsible for emitting
// WorkingPromptUpdated with the delta summary it was given, never the full
// content.
func (w *Workspace) UpdateWorking(topic, content string) (string, error) {
	lock := w.lockFor(topic)
	lock.Lock()
	defer lock.Unlock()

	path := w.workingPath(topic)
	if err := writeAtomic(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}

// FreezeResult is the pair of paths produced by a successful Freeze.
type FreezeResult struct {
	HandoffMDPath   string
	HandoffJSONPath string
	AlreadyFrozen   bool
}

// Freeze produces the immutable handoff.md + handoff.json pair for a topic.
// It is idempotent: if both files already exist, it returns their paths
// with AlreadyFrozen=true and writes nothing (spec §4.2, §8: "freeze called
// twice produces the same paths and exactly one HandoffFrozen event" — the
// second HandoffFrozen suppression is the Orchestrator's job, using this
// flag).
func (w *Workspace) Freeze(topic string, spec domain.HandoffSpec, renderMarkdown func(domain.HandoffSpec) string) (FreezeResult, error) {
	lock := w.lockFor(topic)
	lock.Lock()
	defer lock.Unlock()

	mdPath := w.handoffMDPath(topic)
	jsonPath := w.handoffJSONPath(topic)
	mdExists, jsonExists := exists(mdPath), exists(jsonPath)
	if mdExists && jsonExists {
		return FreezeResult{HandoffMDPath: mdPath, HandoffJSONPath: jsonPath, AlreadyFrozen: true}, nil
	}
	if mdExists != jsonExists {
		return FreezeResult{}, fmt.Errorf("promptworkspace: topic %s has a partial handoff (md=%v json=%v); operator must resolve", topic, mdExists, jsonExists)
	}

	if !exists(w.workingPath(topic)) {
		return FreezeResult{}, ErrNoWorkingPrompt
	}

	spec.Version = domain.HandoffSpecVersion
	jsonData, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return FreezeResult{}, fmt.Errorf("marshal handoff spec: %w", err)
	}
	mdContent := renderMarkdown(spec)

	if err := writeAtomic(mdPath, []byte(mdContent)); err != nil {
		return FreezeResult{}, fmt.Errorf("write handoff.md: %w", err)
	}
	if err := writeAtomic(jsonPath, jsonData); err != nil {
		os.Remove(mdPath)
		return FreezeResult{}, fmt.Errorf("write handoff.json: %w", err)
	}

	return FreezeResult{HandoffMDPath: mdPath, HandoffJSONPath: jsonPath}, nil
}

// IsFrozen reports whether both handoff files already exist for a topic.
func (w *Workspace) IsFrozen(topic string) bool {
	return exists(w.handoffMDPath(topic)) && exists(w.handoffJSONPath(topic))
}

// ArtifactPath returns a deterministic path for a new artifact under the
// topic's artifacts/ directory: <timestamp>-<slug>.<ext>.
func (w *Workspace) ArtifactPath(topic, kind, slug, ext string) string {
	ts := w.now().UTC().Format("20060102T150405Z")
	safe := sanitizeSlug(slug)
	name := fmt.Sprintf("%s-%s", ts, safe)
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	_ = kind // kind informs the caller's directory choice elsewhere; the name itself stays flat per-topic.
	return filepath.Join(w.artifactsDir(topic), name)
}

func sanitizeSlug(slug string) string {
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "artifact"
	}
	return b.String()
}

// HandoffDigest is the content hash fed into the Builder Adapter's
// dispatch_token = hash(task_id, handoff_json_digest) (spec §4.3).
func HandoffDigest(spec domain.HandoffSpec) string {
	data, _ := json.Marshal(spec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Slugify derives a topic_slug from a task title: lowercase, hyphenated,
// ascii-only, truncated to a reasonable directory-name length.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 48 {
		slug = slug[:48]
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}
