package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/logabell/conversator/internal/domain"
)

// conversationBroadcaster fans out conversation entries (spec §4.6, §9 open
// question #3) separately from the domain event log, with the same
// per-feed ordering but live-tail only: it has no resume cursor. It is a thin duplicate of the
// event broadcaster rather than a shared generic: the two feeds have
// different identity spaces (conversation seq vs event seq) and merging
// them would blur that distinction for subscribers.
type conversationBroadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan domain.ConversationEntry
	nextID      int
}

func (l *Log) initConversation() {
	l.conv = &conversationBroadcaster{subscribers: make(map[int]chan domain.ConversationEntry)}
}

func (c *conversationBroadcaster) broadcast(entry domain.ConversationEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subscribers {
		select {
		case ch <- entry:
		default:
			close(ch)
			delete(c.subscribers, id)
		}
	}
}

// AppendConversationEntry records one line of the transcript feed. It does
// not go through command validation: the conversation feed carries no task
// state machine semantics, only display text.
func (l *Log) AppendConversationEntry(ctx context.Context, role, text, taskID string) (domain.ConversationEntry, error) {
	now := l.now().UTC().Format(time.RFC3339Nano)
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConversationEntry{}, err
	}
	defer tx.Rollback()

	seq, err := l.store.insertConversationEntry(ctx, tx, role, text, taskID, now)
	if err != nil {
		return domain.ConversationEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ConversationEntry{}, err
	}

	entry := domain.ConversationEntry{Seq: seq, Role: role, Text: text, TaskID: taskID, CreatedAt: now}
	l.conv.broadcast(entry)
	return entry, nil
}

// SubscribeConversation live-tails the conversation feed from the moment of
// subscription; callers that need history query the store directly since
// the conversation table is small relative to the event log and rarely
// needs resume-from-zero semantics.
func (l *Log) SubscribeConversation(ctx context.Context) <-chan domain.ConversationEntry {
	l.conv.mu.Lock()
	id := l.conv.nextID
	l.conv.nextID++
	entryCh := make(chan domain.ConversationEntry, subscriberBuffer)
	l.conv.subscribers[id] = entryCh
	l.conv.mu.Unlock()

	out := make(chan domain.ConversationEntry, subscriberBuffer)
	go func() {
		<-ctx.Done()
		l.conv.mu.Lock()
		if ch, ok := l.conv.subscribers[id]; ok {
			delete(l.conv.subscribers, id)
			close(ch)
		}
		l.conv.mu.Unlock()
	}()
	go func() {
		defer close(out)
		for e := range entryCh {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
