package builderadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// LoopbackAdapter is an in-process fake builder: no network, deterministic
// scripted behavior. It exists so a fresh workspace boots and demos end to
// end without a live builder endpoint, and so orchestrator/fanout tests can
// drive a dispatch without standing up an HTTP server.
type LoopbackAdapter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*loopbackSession
	// Script, if set, is called once per session to produce the events
	// that session will emit in order; the default script reports
	// status=running, then completes with no artifacts.
	Script func(sessionID string) []RemoteEvent
}

type loopbackSession struct {
	events  []RemoteEvent
	cursor  int
	aborted bool
	done    bool
}

// NewLoopbackAdapter returns a fake builder with the default script
// (status=running, then completed with no artifacts).
func NewLoopbackAdapter() *LoopbackAdapter {
	a := &LoopbackAdapter{sessions: make(map[string]*loopbackSession)}
	a.cond = sync.NewCond(&a.mu)
	return a
}

func (a *LoopbackAdapter) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	id := uuid.NewString()
	script := a.Script
	if script == nil {
		script = func(string) []RemoteEvent {
			return []RemoteEvent{
				{Type: "status", Status: "running"},
				{Type: "completed"},
			}
		}
	}
	a.mu.Lock()
	a.sessions[id] = &loopbackSession{events: script(id)}
	a.mu.Unlock()
	return id, nil
}

func (a *LoopbackAdapter) SendMessage(ctx context.Context, sessionID string, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return fmt.Errorf("builderadapter: unknown loopback session %q", sessionID)
	}
	if msg.Kind == "gate_approved" {
		sess.events = append(sess.events, RemoteEvent{Type: "status", Status: "running"}, RemoteEvent{Type: "completed"})
		a.cond.Broadcast()
	}
	return nil
}

func (a *LoopbackAdapter) Abort(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return fmt.Errorf("builderadapter: unknown loopback session %q", sessionID)
	}
	sess.aborted = true
	sess.done = true
	a.cond.Broadcast()
	return nil
}

func (a *LoopbackAdapter) Health(ctx context.Context, sessionID string) (HealthResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return HealthResult{Status: HealthUnknown}, nil
	}
	if sess.done {
		return HealthResult{Status: HealthTerminal, Completed: !sess.aborted}, nil
	}
	return HealthResult{Status: HealthRunning}, nil
}

func (a *LoopbackAdapter) StreamEvents(ctx context.Context, sessionID string, fromCursor string) (<-chan RemoteEvent, error) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("builderadapter: unknown loopback session %q", sessionID)
	}

	out := make(chan RemoteEvent, 16)

	// sync.Cond has no context-aware wait, so a watcher goroutine
	// broadcasts on the cond once ctx is canceled, waking the loop below.
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	}()

	go func() {
		defer close(out)
		for {
			a.mu.Lock()
			for sess.cursor >= len(sess.events) && !sess.done && ctx.Err() == nil {
				a.cond.Wait()
			}
			if ctx.Err() != nil {
				a.mu.Unlock()
				return
			}
			if sess.cursor >= len(sess.events) {
				finished := sess.done
				a.mu.Unlock()
				if finished {
					return
				}
				continue
			}
			ev := sess.events[sess.cursor]
			sess.cursor++
			ev.Cursor = fmt.Sprintf("%d", sess.cursor)
			if ev.Type == "completed" || ev.Type == "failed" {
				sess.done = true
			}
			a.mu.Unlock()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == "completed" || ev.Type == "failed" {
				return
			}
		}
	}()
	return out, nil
}
