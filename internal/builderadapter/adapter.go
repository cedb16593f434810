// Package builderadapter implements the uniform interface over remote
// builder servers described in spec §4.3: session creation, message
// send, event streaming, abort, and health-check, behind a registry keyed
// by builder_kind. Stream readers only ever translate remote events into
// domain events and publish them through internal/eventlog; they never
// mutate derived state directly (spec §5).
package builderadapter

import (
	"context"
	"time"
)

// CreateSessionRequest is what the Orchestrator hands the Adapter on
// dispatch: pointers only, never inlined file contents (spec §4.3's
// pointer-first dispatch).
type CreateSessionRequest struct {
	TaskID          string
	HandoffMDPath   string
	HandoffJSONPath string
	DefaultModel    string
}

// Message is one input sent to an already-created session, e.g. a gate
// resolution forwarded to the remote.
type Message struct {
	Kind    string // "gate_approved" | "gate_denied" | "abort_request" | "note"
	Text    string
	GateKind string
}

// RemoteEvent is a builder's native event, already framed by the transport
// (http.go's SSE reader or loopback.go's in-process generator) but not yet
// translated into a domain event.
type RemoteEvent struct {
	Type    string // e.g. "status", "gate_requested", "completed", "failed"
	Status  string
	GateKind string
	Reason  string
	Artifacts []ArtifactRef
	Cursor  string // opaque resume position, recorded on BuilderSession
}

// ArtifactRef is one pointer record a remote reports alongside completion.
type ArtifactRef struct {
	Kind string
	Path string
}

// HealthStatus is the outcome of a reconciliation health check (spec
// §4.3's boot-time reconciliation).
type HealthStatus string

const (
	HealthRunning HealthStatus = "running"
	HealthTerminal HealthStatus = "terminal"
	HealthUnknown  HealthStatus = "unknown"
)

// HealthResult carries the terminal outcome details when HealthStatus is
// HealthTerminal, so reconciliation can synthesize the right domain event
// without a second round trip.
type HealthResult struct {
	Status    HealthStatus
	Completed bool
	Reason    string
	Artifacts []ArtifactRef
	Cursor    string
}

// Adapter is the capability set every concrete builder integration must
// implement (spec §4.3).
type Adapter interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (sessionID string, err error)
	SendMessage(ctx context.Context, sessionID string, msg Message) error
	StreamEvents(ctx context.Context, sessionID string, fromCursor string) (<-chan RemoteEvent, error)
	Abort(ctx context.Context, sessionID string) error
	Health(ctx context.Context, sessionID string) (HealthResult, error)
}

// Limits bounds how many live sessions one builder kind may hold at once.
type Limits struct {
	MaxConcurrentSessions int
}

// Timeouts mirrors config.TimeoutPolicy without importing internal/config,
// keeping this package free to be exercised by tests with ad hoc values.
type Timeouts struct {
	SessionCreate time.Duration
	MessageSend   time.Duration
	StreamIdle    time.Duration
	AbortConfirm  time.Duration
	MaxReconnects int
}
