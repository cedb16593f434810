// Package db opens the SQLite-backed event log storage and lays out the
// on-disk workspace described in spec §6: state/, inbox/, prompts/,
// cache/.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "conversator.db"

type Config struct {
	Workspace string
}

func statePath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "state")
}

func dbPath(workspace string) string {
	return filepath.Join(statePath(workspace), defaultDBName)
}

// EnsureWorkspace creates the workspace's durable and advisory
// directories if missing: state/, inbox/, prompts/, cache/.
func EnsureWorkspace(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	for _, sub := range []string{"state", "inbox", "prompts", "cache"} {
		if err := os.MkdirAll(filepath.Join(workspace, sub), 0o755); err != nil {
			return fmt.Errorf("ensure workspace %s: %w", sub, err)
		}
	}
	return nil
}

// Open opens the SQLite database backing the event log, with foreign keys
// on and a single shared connection so SQLite's own locking enforces the
// single-writer discipline the Event Log relies on.
func Open(cfg Config) (*sql.DB, error) {
	if err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the event-log database path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// PromptsRoot returns the prompts/ directory for the workspace.
func PromptsRoot(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "prompts")
}

// InboxRoot returns the inbox/ directory for the workspace.
func InboxRoot(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "inbox")
}

// CacheRoot returns the cache/ directory for the workspace; contents here
// are non-authoritative and safe to delete.
func CacheRoot(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cache")
}
