package eventlog

import (
	"fmt"

	"github.com/logabell/conversator/internal/domain"
)

// allowedTransitions encodes the authoritative table from spec §4.4: for a
// given event type, the set of task statuses it may be applied to. Tasks
// not yet created are represented by the zero value "".
var allowedTransitions = map[string][]string{
	domain.EventTaskCreated:           {""},
	domain.EventWorkingPromptUpdated:  {domain.TaskDraft, domain.TaskRefining},
	domain.EventQuestionsRaised:       {domain.TaskRefining},
	domain.EventUserAnswered:          {domain.TaskAwaitingUser},
	domain.EventHandoffFrozen:         {domain.TaskRefining},
	domain.EventBuilderDispatched:     {domain.TaskReadyToHandoff},
	domain.EventGateRequested:         {domain.TaskRunning},
	domain.EventGateApproved:          {domain.TaskAwaitingGate},
	domain.EventGateDenied:            {domain.TaskAwaitingGate},
}

// validateTransition rejects an event that does not fit the current task
// status, before it is assigned a seq and persisted. ErrConflict signals a
// non-retryable caller error; a nil return means the event may proceed.
func validateTransition(s *State, ev domain.Event) error {
	switch ev.Type {
	case domain.EventTaskCreated:
		if _, exists := s.Tasks[ev.TaskID]; exists {
			return fmt.Errorf("%w: task %s already exists", ErrConflict, ev.TaskID)
		}
		return nil

	case domain.EventExternalTaskLinked:
		t := s.Tasks[ev.TaskID]
		if t == nil {
			return fmt.Errorf("%w: task %s", ErrNotFound, ev.TaskID)
		}
		if t.ExternalTaskID != nil && *t.ExternalTaskID != ev.Refs.ExternalTaskID {
			return fmt.Errorf("%w: external_task_id already set on task %s", ErrConflict, ev.TaskID)
		}
		return nil

	case domain.EventBuilderStatusChanged, domain.EventBuildCompleted, domain.EventBuildFailed:
		t := s.Tasks[ev.TaskID]
		if t == nil {
			return fmt.Errorf("%w: task %s", ErrNotFound, ev.TaskID)
		}
		if t.IsTerminal() {
			return fmt.Errorf("%w: task %s is terminal", ErrConflict, ev.TaskID)
		}
		if ev.Type == domain.EventBuildCompleted {
			allowed := t.Status == domain.TaskRunning || t.Status == domain.TaskAwaitingGate
			if !allowed {
				return fmt.Errorf("%w: BuildCompleted not valid from status %s", ErrConflict, t.Status)
			}
		}
		return nil

	case domain.EventTaskCanceled:
		t := s.Tasks[ev.TaskID]
		if t == nil {
			return fmt.Errorf("%w: task %s", ErrNotFound, ev.TaskID)
		}
		if t.IsTerminal() {
			return fmt.Errorf("%w: task %s is terminal", ErrConflict, ev.TaskID)
		}
		return nil

	case domain.EventQuickDispatchRequested, domain.EventQuickDispatchExecuted, domain.EventQuickDispatchBlocked:
		if s.Tasks[ev.TaskID] == nil && ev.TaskID != "" {
			return fmt.Errorf("%w: task %s", ErrNotFound, ev.TaskID)
		}
		return nil
	}

	allowed, ok := allowedTransitions[ev.Type]
	if !ok {
		return fmt.Errorf("eventlog: unknown event type %q", ev.Type)
	}

	var currentStatus string
	if ev.TaskID != "" {
		t := s.Tasks[ev.TaskID]
		if t == nil {
			return fmt.Errorf("%w: task %s", ErrNotFound, ev.TaskID)
		}
		currentStatus = t.Status
	}

	for _, st := range allowed {
		if st == currentStatus {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not valid from status %q", ErrConflict, ev.Type, currentStatus)
}
