package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/eventlog"
)

// DeliveryHint is one unit the voice layer should surface at its next
// natural pause: either a single urgent item or a coalesced batch of
// routine ones for the same task.
type DeliveryHint struct {
	Severity string   `json:"severity"`
	Summary  string   `json:"summary"`
	TaskID   string   `json:"task_id,omitempty"`
	InboxIDs []string `json:"inbox_ids"`
}

type pendingBatch struct {
	items []domain.InboxItem
	timer *time.Timer
}

// Notifier turns the raw InboxItem feed into delivery hints per spec
// §4.5's delivery policy: blocking items deliver immediately, info/success
// items coalesce per task within a short window.
type Notifier struct {
	log            *eventlog.Log
	coalesceWindow time.Duration

	mu      sync.Mutex
	ready   []DeliveryHint
	batches map[string]*pendingBatch
}

// New builds a Notifier. A zero or negative window disables coalescing
// entirely: every info/success item delivers on its own.
func New(log *eventlog.Log, coalesceWindow time.Duration) *Notifier {
	return &Notifier{
		log:            log,
		coalesceWindow: coalesceWindow,
		batches:        make(map[string]*pendingBatch),
	}
}

// Run consumes the Event Log's inbox feed until ctx is canceled. Callers
// start it once, at bootstrap, in its own goroutine.
func (n *Notifier) Run(ctx context.Context) {
	items := n.log.SubscribeInbox(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			n.ingest(item)
		}
	}
}

func (n *Notifier) ingest(item domain.InboxItem) {
	if item.Severity != domain.SeverityInfo && item.Severity != domain.SeveritySuccess || n.coalesceWindow <= 0 {
		n.mu.Lock()
		n.ready = append(n.ready, DeliveryHint{
			Severity: item.Severity,
			Summary:  item.Summary,
			TaskID:   item.TaskID,
			InboxIDs: []string{item.InboxID},
		})
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	batch := n.batches[item.TaskID]
	if batch == nil {
		batch = &pendingBatch{}
		n.batches[item.TaskID] = batch
		taskID := item.TaskID
		batch.timer = time.AfterFunc(n.coalesceWindow, func() { n.flush(taskID) })
	}
	batch.items = append(batch.items, item)
}

func (n *Notifier) flush(taskID string) {
	n.mu.Lock()
	batch := n.batches[taskID]
	delete(n.batches, taskID)
	n.mu.Unlock()
	if batch == nil || len(batch.items) == 0 {
		return
	}

	ids := make([]string, len(batch.items))
	for i, it := range batch.items {
		ids[i] = it.InboxID
	}
	last := batch.items[len(batch.items)-1]
	summary := last.Summary
	if len(batch.items) > 1 {
		summary = fmt.Sprintf("%d updates on task %s", len(batch.items), taskID)
	}

	n.mu.Lock()
	n.ready = append(n.ready, DeliveryHint{
		Severity: last.Severity,
		Summary:  summary,
		TaskID:   taskID,
		InboxIDs: ids,
	})
	n.mu.Unlock()
}

// PendingDelivery returns and clears the hints ready for the voice layer.
// Blocking hints sort ahead of everything else regardless of age; among
// hints of the same urgency, arrival order is preserved.
func (n *Notifier) PendingDelivery() []DeliveryHint {
	n.mu.Lock()
	out := n.ready
	n.ready = nil
	n.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity == domain.SeverityBlocking && out[j].Severity != domain.SeverityBlocking
	})
	return out
}

// Acknowledge marks the given inbox items read.
func (n *Notifier) Acknowledge(ctx context.Context, inboxIDs []string) error {
	return n.log.MarkInboxRead(ctx, inboxIDs)
}

// UnreadCount is the number of inbox items with no read_at recorded.
func (n *Notifier) UnreadCount() int {
	count := 0
	for _, it := range n.log.InboxItems() {
		if it.ReadAt == nil {
			count++
		}
	}
	return count
}
