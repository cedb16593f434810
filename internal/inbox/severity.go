// Package inbox derives user-visible InboxItems from domain events and
// turns the raw feed into coalesced delivery hints for the voice layer.
package inbox

import (
	"encoding/json"
	"fmt"

	"github.com/logabell/conversator/internal/domain"
)

const maxSummaryLen = 140

// DeriveInboxItem maps one applied event onto the InboxItem it produces,
// or nil if the event type carries no user-visible severity. Install via
// eventlog.Log.SetInboxDeriver so creation stays transactional with the
// triggering event append.
func DeriveInboxItem(ev domain.Event) *domain.InboxItem {
	switch ev.Type {
	case domain.EventGateRequested:
		var p struct {
			Kind string `json:"kind"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		return &domain.InboxItem{
			Severity: domain.SeverityBlocking,
			Summary:  truncate(fmt.Sprintf("Task %s needs a %s gate decision", ev.TaskID, p.Kind)),
			TaskID:   ev.TaskID,
		}

	case domain.EventBuildCompleted:
		return &domain.InboxItem{
			Severity: domain.SeveritySuccess,
			Summary:  truncate(fmt.Sprintf("Task %s completed", ev.TaskID)),
			TaskID:   ev.TaskID,
		}

	case domain.EventBuildFailed:
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		return &domain.InboxItem{
			Severity: domain.SeverityError,
			Summary:  truncate(fmt.Sprintf("Task %s failed", ev.TaskID)),
			Detail:   p.Reason,
			TaskID:   ev.TaskID,
		}

	case domain.EventTaskCanceled:
		var p struct {
			Reason    string `json:"reason"`
			Pending   bool   `json:"pending"`
			Confirmed bool   `json:"confirmed"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if p.Pending {
			return &domain.InboxItem{
				Severity: domain.SeverityWarning,
				Summary:  truncate(fmt.Sprintf("Canceling task %s", ev.TaskID)),
				Detail:   p.Reason,
				TaskID:   ev.TaskID,
			}
		}
		detail := p.Reason
		if !p.Confirmed {
			detail = detail + " (remote session could not confirm abort)"
		}
		return &domain.InboxItem{
			Severity: domain.SeverityInfo,
			Summary:  truncate(fmt.Sprintf("Task %s canceled", ev.TaskID)),
			Detail:   detail,
			TaskID:   ev.TaskID,
		}

	case domain.EventBuilderStatusChanged:
		var p struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if p.Status != "lost" {
			return nil
		}
		return &domain.InboxItem{
			Severity: domain.SeverityError,
			Summary:  truncate(fmt.Sprintf("Builder session for task %s was lost", ev.TaskID)),
			TaskID:   ev.TaskID,
		}

	case domain.EventQuickDispatchBlocked:
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		return &domain.InboxItem{
			Severity: domain.SeverityBlocking,
			Summary:  truncate(fmt.Sprintf("Quick dispatch for task %s needs confirmation", ev.TaskID)),
			Detail:   p.Reason,
			TaskID:   ev.TaskID,
		}

	default:
		return nil
	}
}

func truncate(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	return s[:maxSummaryLen-1] + "…"
}
