package builderadapter

import (
	"encoding/json"
	"time"

	"github.com/logabell/conversator/internal/domain"
)

// translate converts one remote event into exactly one domain event, or
// reports ok=false if the remote event type is unrecognized — translation
// is total over the recognized set and drops (with the caller logging the
// unrecognized type) anything else, per spec §4.3/§7 Protocol errors.
func translate(sessionID, taskID string, remote RemoteEvent, now time.Time) (domain.Event, bool) {
	ts := now.UTC().Format(time.RFC3339Nano)
	refs := domain.EventRefs{SessionID: sessionID}

	switch remote.Type {
	case "status":
		payload, _ := json.Marshal(map[string]string{"status": remote.Status, "remote_cursor": remote.Cursor})
		return domain.Event{Time: ts, Type: domain.EventBuilderStatusChanged, TaskID: taskID, Refs: refs, Payload: payload}, true

	case "gate_requested":
		payload, _ := json.Marshal(map[string]string{"kind": remote.GateKind})
		return domain.Event{Time: ts, Type: domain.EventGateRequested, TaskID: taskID, Refs: refs, Payload: payload}, true

	case "completed":
		artifacts := make([]domain.Artifact, 0, len(remote.Artifacts))
		for _, a := range remote.Artifacts {
			artifacts = append(artifacts, domain.Artifact{Kind: a.Kind, Path: a.Path, CreatedAt: ts})
		}
		payload, _ := json.Marshal(map[string]any{"artifacts": artifacts})
		return domain.Event{Time: ts, Type: domain.EventBuildCompleted, TaskID: taskID, Refs: refs, Payload: payload}, true

	case "failed":
		payload, _ := json.Marshal(map[string]string{"reason": remote.Reason})
		return domain.Event{Time: ts, Type: domain.EventBuildFailed, TaskID: taskID, Refs: refs, Payload: payload}, true

	case "lost":
		payload, _ := json.Marshal(map[string]string{"status": "lost"})
		return domain.Event{Time: ts, Type: domain.EventBuilderStatusChanged, TaskID: taskID, Refs: refs, Payload: payload}, true

	default:
		return domain.Event{}, false
	}
}
