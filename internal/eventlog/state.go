package eventlog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/logabell/conversator/internal/domain"
)

// State is the Event Log's derived, in-memory view: everything in it is
// reconstructable by replaying events from seq=0 in order (spec §3's
// "every observable state field is derivable by replaying events").
type State struct {
	Tasks    map[string]*domain.Task
	Sessions map[string]*domain.BuilderSession
	Inbox    map[string]*domain.InboxItem
	LastSeq  int64

	// CommandResults is not populated by replay: a repeat command id is
	// answered from the command_ids table instead.
	CommandResults map[string]CommandResult
	// DispatchTokens maps a BuilderDispatched event's refs.command_id to
	// its session. Dispatch idempotency does not read it; tokens are
	// looked up in the dispatch_tokens table.
	DispatchTokens map[string]string
}

// CommandResult is what a duplicate command id replays back to the caller.
type CommandResult struct {
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func newState() *State {
	return &State{
		Tasks:          make(map[string]*domain.Task),
		Sessions:       make(map[string]*domain.BuilderSession),
		Inbox:          make(map[string]*domain.InboxItem),
		CommandResults: make(map[string]CommandResult),
		DispatchTokens: make(map[string]string),
	}
}

// Snapshot is a point-in-time copy of derived state handed to callers of
// Log.Snapshot; mutating it never affects the Log's own state.
type Snapshot struct {
	Tasks    []domain.Task
	Sessions []domain.BuilderSession
	Inbox    []domain.InboxItem
	LastSeq  int64
}

func (s *State) snapshot() Snapshot {
	out := Snapshot{LastSeq: s.LastSeq}
	for _, t := range s.Tasks {
		out.Tasks = append(out.Tasks, *t)
	}
	for _, sess := range s.Sessions {
		out.Sessions = append(out.Sessions, *sess)
	}
	for _, it := range s.Inbox {
		out.Inbox = append(out.Inbox, *it)
	}
	sort.Slice(out.Inbox, func(i, j int) bool {
		if out.Inbox[i].CreatedAt != out.Inbox[j].CreatedAt {
			return out.Inbox[i].CreatedAt < out.Inbox[j].CreatedAt
		}
		return out.Inbox[i].InboxID < out.Inbox[j].InboxID
	})
	return out
}

// apply mutates derived state for one event. It is the single place that
// translates the closed event-type set into state changes (spec §4.4's
// transition table); it never rejects an event — validation happens before
// append, in validateTransition.
func apply(s *State, ev domain.Event) {
	s.LastSeq = ev.Seq

	switch ev.Type {
	case domain.EventTaskCreated:
		var p struct {
			Title    string `json:"title"`
			Priority string `json:"priority"`
			Slug     string `json:"topic_slug"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		s.Tasks[ev.TaskID] = &domain.Task{
			ID:        ev.TaskID,
			Title:     p.Title,
			Priority:  p.Priority,
			TopicSlug: p.Slug,
			Status:    domain.TaskDraft,
			CreatedAt: ev.Time,
			UpdatedAt: ev.Time,
		}

	case domain.EventWorkingPromptUpdated:
		var p struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.WorkingPromptPath = p.Path
			t.Status = domain.TaskRefining
			t.UpdatedAt = ev.Time
		}

	case domain.EventQuestionsRaised:
		var p struct {
			Questions []string `json:"questions"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.PendingQuestions = p.Questions
			t.Status = domain.TaskAwaitingUser
			t.UpdatedAt = ev.Time
		}

	case domain.EventUserAnswered:
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.PendingQuestions = nil
			t.Status = domain.TaskRefining
			t.UpdatedAt = ev.Time
		}

	case domain.EventHandoffFrozen:
		var p struct {
			HandoffMDPath   string `json:"handoff_md_path"`
			HandoffJSONPath string `json:"handoff_json_path"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.HandoffPromptPath = strPtr(p.HandoffMDPath)
			t.HandoffSpecPath = strPtr(p.HandoffJSONPath)
			t.Status = domain.TaskReadyToHandoff
			t.UpdatedAt = ev.Time
		}

	case domain.EventExternalTaskLinked:
		if t := s.Tasks[ev.TaskID]; t != nil && t.ExternalTaskID == nil {
			t.ExternalTaskID = strPtr(ev.Refs.ExternalTaskID)
			t.UpdatedAt = ev.Time
		}

	case domain.EventBuilderDispatched:
		var p struct {
			BuilderKind string `json:"builder_kind"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.BuilderSessionID = strPtr(ev.Refs.SessionID)
			t.BuilderKind = strPtr(p.BuilderKind)
			t.Status = domain.TaskHandedOff
			t.UpdatedAt = ev.Time
		}
		s.Sessions[ev.Refs.SessionID] = &domain.BuilderSession{
			SessionID:   ev.Refs.SessionID,
			TaskID:      ev.TaskID,
			BuilderKind: p.BuilderKind,
			Status:      domain.SessionCreated,
			StartedAt:   ev.Time,
		}
		if ev.Refs.CommandID != "" {
			s.DispatchTokens[ev.Refs.CommandID] = ev.Refs.SessionID
		}

	case domain.EventBuilderStatusChanged:
		var p struct {
			Status       string `json:"status"`
			RemoteCursor string `json:"remote_cursor,omitempty"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if sess := s.Sessions[ev.Refs.SessionID]; sess != nil {
			sess.Status = p.Status
			if p.RemoteCursor != "" {
				sess.RemoteCursor = p.RemoteCursor
			}
		}
		if t := s.Tasks[ev.TaskID]; t != nil && p.Status == domain.SessionRunning {
			t.Status = domain.TaskRunning
			t.UpdatedAt = ev.Time
		}
		if t := s.Tasks[ev.TaskID]; t != nil && p.Status == "lost" {
			t.Status = domain.TaskFailed
			t.FailureReason = "builder session lost during reconciliation"
			t.UpdatedAt = ev.Time
		}

	case domain.EventGateRequested:
		var p struct {
			Kind string `json:"kind"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.PendingGateKind = p.Kind
			t.Status = domain.TaskAwaitingGate
			t.UpdatedAt = ev.Time
		}

	case domain.EventGateApproved, domain.EventGateDenied:
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.PendingGateKind = ""
			t.Status = domain.TaskRunning
			t.UpdatedAt = ev.Time
		}

	case domain.EventBuildCompleted:
		var p struct {
			Artifacts []domain.Artifact `json:"artifacts"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.Status = domain.TaskDone
			t.UpdatedAt = ev.Time
		}
		if sess := s.Sessions[ev.Refs.SessionID]; sess != nil {
			sess.Status = domain.SessionCompleted
			sess.Artifacts = append(sess.Artifacts, p.Artifacts...)
			sess.EndedAt = strPtr(ev.Time)
		}

	case domain.EventBuildFailed:
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if t := s.Tasks[ev.TaskID]; t != nil {
			t.Status = domain.TaskFailed
			t.FailureReason = p.Reason
			t.UpdatedAt = ev.Time
		}
		if sess := s.Sessions[ev.Refs.SessionID]; sess != nil {
			sess.Status = domain.SessionFailed
			sess.EndedAt = strPtr(ev.Time)
		}

	case domain.EventTaskCanceled:
		var p struct {
			Reason    string `json:"reason"`
			Pending   bool   `json:"pending"`
			Confirmed bool   `json:"confirmed"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if t := s.Tasks[ev.TaskID]; t != nil {
			if p.Pending {
				t.CancelPending = true
				t.CanceledReason = p.Reason
				t.UpdatedAt = ev.Time
			} else {
				t.CancelPending = false
				t.Status = domain.TaskCanceled
				t.CanceledReason = p.Reason
				t.UpdatedAt = ev.Time
				if sess, ok := t.BuilderSessionID, true; ok && sess != nil {
					if live := s.Sessions[*sess]; live != nil {
						live.Status = domain.SessionAborted
						live.EndedAt = strPtr(ev.Time)
					}
				}
			}
		}

	case domain.EventQuickDispatchRequested, domain.EventQuickDispatchExecuted, domain.EventQuickDispatchBlocked:
		// Observational only; no derived-state field currently tracks
		// quick-dispatch outcomes beyond the event log itself.

	default:
		panic(fmt.Sprintf("eventlog: apply: unhandled event type %q", ev.Type))
	}
}

func strPtr(s string) *string { return &s }
