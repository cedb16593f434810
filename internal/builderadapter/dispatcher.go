package builderadapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/eventlog"
)

// Dispatcher owns the bounded pool of live builder sessions (spec §4.3):
// it creates sessions, consumes their streams, translates remote events
// into domain events through the Event Log, and mediates gate suspension.
// It never mutates derived state directly; every effect goes through
// Log.Append or Log.AppendDispatch.
type Dispatcher struct {
	registry *Registry
	log      *eventlog.Log
	logger   *log.Logger

	mu   sync.Mutex
	live map[string]*liveSession // task_id -> live session
}

type liveSession struct {
	sessionID   string
	taskID      string
	builderKind string
	cancel      context.CancelFunc
	suspended   bool
}

// New builds a Dispatcher over a registry and the shared event log.
func New(registry *Registry, l *eventlog.Log, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{registry: registry, log: l, logger: logger, live: make(map[string]*liveSession)}
}

// DispatchToken computes hash(task_id, handoff_json_digest), the
// idempotency key for Dispatch (spec §4.3).
func DispatchToken(taskID, handoffDigest string) string {
	sum := sha256.Sum256([]byte(taskID + "|" + handoffDigest))
	return hex.EncodeToString(sum[:])
}

// Dispatch creates (or, for a repeat token, returns the existing) remote
// session for a task and starts consuming its event stream in the
// background. Returns the session id.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID, builderKind, handoffMDPath, handoffJSONPath, handoffDigest, defaultModel string) (string, error) {
	token := DispatchToken(taskID, handoffDigest)

	if existing, ok, err := d.log.DispatchTokenSession(ctx, token); err != nil {
		return "", err
	} else if ok {
		return existing, nil
	}

	d.mu.Lock()
	if _, inFlight := d.live[taskID]; inFlight {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: task %s already has an in-flight builder session", eventlog.ErrConflict, taskID)
	}
	d.mu.Unlock()

	adapter, limits, timeouts, err := d.registry.Get(builderKind)
	if err != nil {
		return "", err
	}

	createCtx, cancel := context.WithTimeout(ctx, nonZero(timeouts.SessionCreate, 10*time.Second))
	sessionID, err := adapter.CreateSession(createCtx, CreateSessionRequest{
		TaskID:          taskID,
		HandoffMDPath:   handoffMDPath,
		HandoffJSONPath: handoffJSONPath,
		DefaultModel:    defaultModel,
	})
	cancel()
	if err != nil {
		return "", fmt.Errorf("builderadapter: create session: %w", err)
	}

	if err := d.registry.Reserve(builderKind, sessionID); err != nil {
		return "", err
	}

	dispatchedPayload := mustJSON(map[string]string{"builder_kind": builderKind})
	if _, err := d.log.AppendDispatch(ctx, taskID, token, sessionID, domain.Event{
		Type: domain.EventBuilderDispatched, TaskID: taskID,
		Refs:    domain.EventRefs{SessionID: sessionID},
		Payload: dispatchedPayload,
	}); err != nil {
		d.registry.Release(builderKind, sessionID)
		return "", err
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	ls := &liveSession{sessionID: sessionID, taskID: taskID, builderKind: builderKind, cancel: streamCancel}
	d.mu.Lock()
	d.live[taskID] = ls
	d.mu.Unlock()

	go d.consume(streamCtx, ls, limits, timeouts, "")

	return sessionID, nil
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// consume reads the remote stream for one live session, translating and
// appending domain events until the stream ends, the session reaches a
// terminal remote state, or the context is canceled. On an unexpected
// stream close it reconnects with exponential backoff (1s, doubling, capped
// at 32s) up to timeouts.MaxReconnects times over the life of this
// consumer; exceeding that escalates to BuilderStatusChanged(lost).
func (d *Dispatcher) consume(ctx context.Context, ls *liveSession, limits Limits, timeouts Timeouts, resumeCursor string) {
	defer func() {
		d.mu.Lock()
		delete(d.live, ls.taskID)
		d.mu.Unlock()
		d.registry.Release(ls.builderKind, ls.sessionID)
	}()

	adapter, _, _, err := d.registry.Get(ls.builderKind)
	if err != nil {
		d.logger.Printf("builderadapter: consume: %v", err)
		return
	}

	cursor := resumeCursor
	reconnects := 0
	maxReconnects := timeouts.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 5
	}

	for {
		events, err := adapter.StreamEvents(ctx, ls.sessionID, cursor)
		if err != nil {
			d.logger.Printf("builderadapter: stream open failed for task %s: %v", ls.taskID, err)
			return
		}

		terminal := false
		for remote := range events {
			cursor = remote.Cursor
			if remote.Type == "gate_requested" {
				d.mu.Lock()
				ls.suspended = true
				d.mu.Unlock()
			}
			ev, ok := translate(ls.sessionID, ls.taskID, remote, time.Now())
			if !ok {
				d.logger.Printf("builderadapter: unrecognized remote event type %q for task %s, dropped", remote.Type, ls.taskID)
				continue
			}
			if _, err := d.log.Append(ctx, ls.taskID, "", eventlog.CommandResult{TaskID: ls.taskID, SessionID: ls.sessionID}, ev); err != nil {
				d.logger.Printf("builderadapter: append translated event failed for task %s: %v", ls.taskID, err)
			}
			if remote.Type == "completed" || remote.Type == "failed" {
				terminal = true
			}
		}

		if terminal || ctx.Err() != nil {
			return
		}

		// Stream closed without a terminal event: idle/connection drop.
		// Reconnect with backoff rather than failing the task (spec §5).
		reconnects++
		if reconnects > maxReconnects {
			lostPayload := mustJSON(map[string]string{"status": "lost"})
			_, _ = d.log.Append(ctx, ls.taskID, "", eventlog.CommandResult{}, domain.Event{
				Type: domain.EventBuilderStatusChanged, TaskID: ls.taskID,
				Refs: domain.EventRefs{SessionID: ls.sessionID}, Payload: lostPayload,
			})
			return
		}
		select {
		case <-time.After(time.Duration(1<<min(reconnects-1, 5)) * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// ForwardGateResolution sends an approve/deny decision to the remote and
// un-suspends further input. The Orchestrator is responsible for
// appending the GateApproved/GateDenied event; this method only performs
// the side effect against the remote builder.
func (d *Dispatcher) ForwardGateResolution(ctx context.Context, taskID string, gateKind string, approve bool) error {
	d.mu.Lock()
	ls := d.live[taskID]
	d.mu.Unlock()
	if ls == nil {
		return fmt.Errorf("%w: no live session for task %s", eventlog.ErrNotFound, taskID)
	}

	adapter, _, timeouts, err := d.registry.Get(ls.builderKind)
	if err != nil {
		return err
	}

	kind := "gate_denied"
	if approve {
		kind = "gate_approved"
	}
	sendCtx, cancel := context.WithTimeout(ctx, nonZero(timeouts.MessageSend, 10*time.Second))
	defer cancel()
	if err := adapter.SendMessage(sendCtx, ls.sessionID, Message{Kind: kind, GateKind: gateKind}); err != nil {
		return err
	}

	d.mu.Lock()
	ls.suspended = false
	d.mu.Unlock()
	return nil
}

// Abort calls the remote abort endpoint and waits up to AbortConfirm for
// the session to reach a terminal health state. It returns whether the
// abort was confirmed by the remote before the bound elapsed; the caller
// (Orchestrator) appends the final TaskCanceled event with confirmed set
// accordingly. No separate abort_unconfirmed warning event is emitted on
// timeout: confirmed=false on that TaskCanceled is the only record.
func (d *Dispatcher) Abort(ctx context.Context, taskID string) (confirmed bool, err error) {
	d.mu.Lock()
	ls := d.live[taskID]
	d.mu.Unlock()
	if ls == nil {
		return false, fmt.Errorf("%w: no live session for task %s", eventlog.ErrNotFound, taskID)
	}

	adapter, _, timeouts, err := d.registry.Get(ls.builderKind)
	if err != nil {
		return false, err
	}

	bound := nonZero(timeouts.AbortConfirm, 15*time.Second)
	abortCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	if err := withBackoff(abortCtx, 3, 200*time.Millisecond, func() error {
		return adapter.Abort(abortCtx, ls.sessionID)
	}); err != nil {
		ls.cancel()
		return false, nil
	}

	deadline := time.Now().Add(bound)
	for time.Now().Before(deadline) {
		health, err := adapter.Health(ctx, ls.sessionID)
		if err == nil && health.Status == HealthTerminal {
			ls.cancel()
			return true, nil
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			ls.cancel()
			return false, nil
		}
	}
	ls.cancel()
	return false, nil
}

// IsSuspended reports whether a task's live session is currently
// suspended awaiting gate resolution.
func (d *Dispatcher) IsSuspended(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.live[taskID]
	return ls != nil && ls.suspended
}

// Reconcile runs the boot-time health check over every task in a
// non-terminal status with a recorded session id (spec §4.3). For each:
// still running → resume the stream from the last delivered cursor;
// terminal → synthesize the terminal event; unknown → mark lost and fail
// the task.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	snap := d.log.Snapshot()
	for _, t := range snap.Tasks {
		if t.IsTerminal() || t.BuilderSessionID == nil || t.BuilderKind == nil {
			continue
		}
		if err := d.reconcileOne(ctx, t); err != nil {
			d.logger.Printf("builderadapter: reconcile task %s: %v", t.ID, err)
		}
	}
	return nil
}

func (d *Dispatcher) reconcileOne(ctx context.Context, t domain.Task) error {
	adapter, limits, timeouts, err := d.registry.Get(*t.BuilderKind)
	if err != nil {
		return err
	}

	health, err := adapter.Health(ctx, *t.BuilderSessionID)
	if err != nil {
		health = HealthResult{Status: HealthUnknown}
	}

	switch health.Status {
	case HealthRunning:
		ls := &liveSession{sessionID: *t.BuilderSessionID, taskID: t.ID, builderKind: *t.BuilderKind}
		streamCtx, cancel := context.WithCancel(context.Background())
		ls.cancel = cancel
		d.mu.Lock()
		d.live[t.ID] = ls
		d.mu.Unlock()
		go d.consume(streamCtx, ls, limits, timeouts, health.Cursor)
		return nil

	case HealthTerminal:
		var ev domain.Event
		if health.Completed {
			artifacts := make([]domain.Artifact, 0, len(health.Artifacts))
			for _, a := range health.Artifacts {
				artifacts = append(artifacts, domain.Artifact{Kind: a.Kind, Path: a.Path})
			}
			payload := mustJSON(map[string]any{"artifacts": artifacts})
			ev = domain.Event{Type: domain.EventBuildCompleted, TaskID: t.ID, Refs: domain.EventRefs{SessionID: *t.BuilderSessionID}, Payload: payload}
		} else {
			payload := mustJSON(map[string]string{"reason": "reconciled_terminal: " + health.Reason})
			ev = domain.Event{Type: domain.EventBuildFailed, TaskID: t.ID, Refs: domain.EventRefs{SessionID: *t.BuilderSessionID}, Payload: payload}
		}
		_, err := d.log.Append(ctx, t.ID, "", eventlog.CommandResult{}, ev)
		return err

	default: // HealthUnknown: gone. apply() transitions the task straight
		// to failed on a "lost" status change, so a single event covers
		// both halves of spec §4.3's "emit BuilderStatusChanged(lost)
		// and transition the task to failed".
		lostPayload := mustJSON(map[string]string{"status": "lost"})
		_, err := d.log.Append(ctx, t.ID, "", eventlog.CommandResult{}, domain.Event{
			Type: domain.EventBuilderStatusChanged, TaskID: t.ID,
			Refs: domain.EventRefs{SessionID: *t.BuilderSessionID}, Payload: lostPayload,
		})
		return err
	}
}
