// Package eventlog implements the append-only ordered event log and its
// derived in-memory state (spec §4.1). A single writer goroutine owns all
// mutation: commands are submitted over a buffered channel, validated
// against current state, persisted, applied, and broadcast to subscribers,
// in that order. Readers never block writers.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/logabell/conversator/internal/domain"
)

// pendingHighWaterMark bounds the writer's command queue; beyond it,
// Append returns ErrBusy rather than queuing indefinitely (spec §5
// backpressure).
const pendingHighWaterMark = 256

// subscriberBuffer is the bounded per-subscriber channel depth; a
// subscriber that falls this far behind live events is disconnected.
const subscriberBuffer = 128

// Now is injectable for deterministic tests.
type Now func() time.Time

// Log is the event-sourced state store. Construct with Open; callers must
// call Boot before issuing commands.
type Log struct {
	db    *sql.DB
	store *store
	now   Now

	mu    sync.Mutex // guards state; the writer holds it while a command's transaction is written and committed
	state *State

	commands chan command

	subMu       sync.Mutex
	subscribers map[int]*subscriber
	nextSubID   int

	conv *conversationBroadcaster

	inboxSubMu   sync.Mutex
	inboxSubs    map[int]chan domain.InboxItem
	nextInboxSub int

	// inboxDeriver turns a just-applied event into an InboxItem, or nil
	// if that event type does not notify (spec §4.5). It runs inside the
	// same transaction as the triggering append so the event and its
	// InboxItem become visible atomically. Wired at bootstrap time by
	// internal/inbox to keep the severity-mapping policy out of this
	// package.
	inboxDeriver func(domain.Event) *domain.InboxItem

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SetInboxDeriver installs the function used to derive InboxItems from
// newly appended events. Must be called before Boot.
func (l *Log) SetInboxDeriver(f func(domain.Event) *domain.InboxItem) {
	l.inboxDeriver = f
}

type subscriber struct {
	ch     chan domain.Event
	closed bool
}

type command struct {
	ctx    context.Context
	events []domain.Event // one command may produce several events atomically
	// commandID, when non-empty, makes the whole command idempotent:
	// a repeat commandID returns the prior CommandResult without
	// re-validating or re-appending.
	commandID string
	taskID    string
	result    CommandResult
	// dispatchToken, when set, is persisted alongside the appended
	// events in the same transaction, mapping the token to the new
	// session id (spec §4.3 dispatch idempotency).
	dispatchToken string
	sessionID     string
	reply         chan commandReply
}

type commandReply struct {
	seqs   []int64
	result CommandResult
	err    error
}

// Open wires a Log to an already-migrated database. Call Boot before use.
func Open(db *sql.DB, now Now) *Log {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	l := &Log{
		db:          db,
		store:       newStore(db),
		now:         now,
		state:       newState(),
		commands:    make(chan command, pendingHighWaterMark),
		subscribers: make(map[int]*subscriber),
		inboxSubs:   make(map[int]chan domain.InboxItem),
	}
	l.initConversation()
	return l
}

// SubscribeInbox live-tails newly derived InboxItems, used by the Fan-out
// WebSocket layer to emit inbox_item messages (spec §4.6) and by the
// Notifier's poll_pending_delivery (spec §4.5).
func (l *Log) SubscribeInbox(ctx context.Context) <-chan domain.InboxItem {
	l.inboxSubMu.Lock()
	id := l.nextInboxSub
	l.nextInboxSub++
	ch := make(chan domain.InboxItem, subscriberBuffer)
	l.inboxSubs[id] = ch
	l.inboxSubMu.Unlock()

	out := make(chan domain.InboxItem, subscriberBuffer)
	go func() {
		<-ctx.Done()
		l.inboxSubMu.Lock()
		if c, ok := l.inboxSubs[id]; ok {
			delete(l.inboxSubs, id)
			close(c)
		}
		l.inboxSubMu.Unlock()
	}()
	go func() {
		defer close(out)
		for it := range ch {
			select {
			case out <- it:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (l *Log) broadcastInbox(items []domain.InboxItem) {
	if len(items) == 0 {
		return
	}
	l.inboxSubMu.Lock()
	defer l.inboxSubMu.Unlock()
	for id, ch := range l.inboxSubs {
	items:
		for _, it := range items {
			select {
			case ch <- it:
			default:
				close(ch)
				delete(l.inboxSubs, id)
				break items
			}
		}
	}
}

// Boot replays the persisted log into derived state and starts the single
// writer goroutine. Must be called exactly once before any Append.
func (l *Log) Boot(ctx context.Context) error {
	events, err := l.store.loadAllEvents(ctx)
	if err != nil {
		return fmt.Errorf("eventlog: boot: load events: %w", err)
	}
	for _, ev := range events {
		apply(l.state, ev)
	}

	items, err := l.store.loadInboxItems(ctx)
	if err != nil {
		return fmt.Errorf("eventlog: boot: load inbox: %w", err)
	}
	for i := range items {
		it := items[i]
		l.state.Inbox[it.InboxID] = &it
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(runCtx)
	return nil
}

// Close stops the writer goroutine and disconnects all subscribers.
func (l *Log) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.subMu.Lock()
	for id, sub := range l.subscribers {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
		delete(l.subscribers, id)
	}
	l.subMu.Unlock()
}

func (l *Log) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.commands:
			l.process(cmd)
		}
	}
}

func (l *Log) process(cmd command) {
	if cmd.commandID != "" {
		if res, ok, err := l.store.commandResult(cmd.ctx, cmd.commandID); err != nil {
			cmd.reply <- commandReply{err: err}
			return
		} else if ok {
			cmd.reply <- commandReply{result: res, err: ErrDuplicate}
			return
		}
	}

	l.mu.Lock()
	for _, ev := range cmd.events {
		if err := validateTransition(l.state, ev); err != nil {
			l.mu.Unlock()
			cmd.reply <- commandReply{err: err}
			return
		}
	}
	l.mu.Unlock()

	tx, err := l.db.BeginTx(cmd.ctx, nil)
	if err != nil {
		cmd.reply <- commandReply{err: fmt.Errorf("eventlog: begin tx: %w", err)}
		return
	}

	var seqs []int64
	var applied []domain.Event
	for _, ev := range cmd.events {
		seq, err := l.store.insertEvent(cmd.ctx, tx, ev)
		if err != nil {
			tx.Rollback()
			cmd.reply <- commandReply{err: fmt.Errorf("eventlog: append: %w", err)}
			return
		}
		ev.Seq = seq
		seqs = append(seqs, seq)
		applied = append(applied, ev)
	}

	if cmd.commandID != "" {
		if err := l.store.saveCommandResult(cmd.ctx, tx, cmd.commandID, cmd.taskID, cmd.result, l.now().UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			cmd.reply <- commandReply{err: fmt.Errorf("eventlog: save command result: %w", err)}
			return
		}
	}
	if cmd.dispatchToken != "" {
		if err := l.store.saveDispatchToken(cmd.ctx, tx, cmd.dispatchToken, cmd.taskID, cmd.sessionID, l.now().UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			cmd.reply <- commandReply{err: fmt.Errorf("eventlog: save dispatch token: %w", err)}
			return
		}
	}

	l.mu.Lock()
	for _, ev := range applied {
		apply(l.state, ev)
	}
	if err := l.checkpointLocked(cmd.ctx, tx, applied); err != nil {
		l.mu.Unlock()
		tx.Rollback()
		cmd.reply <- commandReply{err: fmt.Errorf("eventlog: checkpoint: %w", err)}
		return
	}
	var inboxItems []domain.InboxItem
	if l.inboxDeriver != nil {
		for _, ev := range applied {
			item := l.inboxDeriver(ev)
			if item == nil {
				continue
			}
			item.InboxID = uuid.NewString()
			item.EventSeq = ev.Seq
			item.CreatedAt = ev.Time
			if err := l.store.insertInboxItem(cmd.ctx, tx, item); err != nil {
				l.mu.Unlock()
				tx.Rollback()
				cmd.reply <- commandReply{err: fmt.Errorf("eventlog: insert inbox item: %w", err)}
				return
			}
			l.state.Inbox[item.InboxID] = item
			inboxItems = append(inboxItems, *item)
		}
	}
	l.mu.Unlock()

	if err := tx.Commit(); err != nil {
		cmd.reply <- commandReply{err: fmt.Errorf("eventlog: commit: %w", err)}
		return
	}

	l.broadcast(applied)
	l.broadcastInbox(inboxItems)
	cmd.reply <- commandReply{seqs: seqs, result: cmd.result}
}

func (l *Log) checkpointLocked(ctx context.Context, tx *sql.Tx, applied []domain.Event) error {
	touchedTasks := map[string]bool{}
	touchedSessions := map[string]bool{}
	for _, ev := range applied {
		if ev.TaskID != "" {
			touchedTasks[ev.TaskID] = true
		}
		if ev.Refs.SessionID != "" {
			touchedSessions[ev.Refs.SessionID] = true
		}
	}
	for id := range touchedTasks {
		if t := l.state.Tasks[id]; t != nil {
			if err := l.store.checkpointTask(ctx, tx, t); err != nil {
				return err
			}
		}
	}
	for id := range touchedSessions {
		if sess := l.state.Sessions[id]; sess != nil {
			if err := l.store.checkpointSession(ctx, tx, sess); err != nil {
				return err
			}
		}
	}
	for _, ev := range applied {
		if ev.Type != domain.EventBuildCompleted {
			continue
		}
		sess := l.state.Sessions[ev.Refs.SessionID]
		if sess == nil {
			continue
		}
		for _, a := range sess.Artifacts {
			if err := l.store.insertArtifact(ctx, tx, sess.SessionID, a); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendResult is returned by Append on success.
type AppendResult struct {
	Seqs   []int64
	Result CommandResult
}

// Append validates and persists one or more events produced by a single
// command, atomically. commandID, if non-empty, makes the whole command
// idempotent: a repeat with the same commandID returns ErrDuplicate and the
// prior result rather than re-appending.
func (l *Log) Append(ctx context.Context, taskID, commandID string, result CommandResult, events ...domain.Event) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, fmt.Errorf("eventlog: append: no events")
	}
	now := l.now().UTC().Format(time.RFC3339Nano)
	for i := range events {
		if events[i].Time == "" {
			events[i].Time = now
		}
		if events[i].TaskID == "" {
			events[i].TaskID = taskID
		}
	}

	reply := make(chan commandReply, 1)
	select {
	case l.commands <- command{ctx: ctx, events: events, commandID: commandID, taskID: taskID, result: result, reply: reply}:
	default:
		return AppendResult{}, ErrBusy
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return AppendResult{Result: r.result}, r.err
		}
		return AppendResult{Seqs: r.seqs, Result: r.result}, nil
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

// AppendDispatch is Append specialized for BuilderDispatched: it persists
// the dispatch_token → session_id mapping in the same transaction as the
// event, so a crash between the two is impossible.
func (l *Log) AppendDispatch(ctx context.Context, taskID, dispatchToken, sessionID string, ev domain.Event) (AppendResult, error) {
	now := l.now().UTC().Format(time.RFC3339Nano)
	if ev.Time == "" {
		ev.Time = now
	}
	if ev.TaskID == "" {
		ev.TaskID = taskID
	}

	reply := make(chan commandReply, 1)
	select {
	case l.commands <- command{ctx: ctx, events: []domain.Event{ev}, taskID: taskID, dispatchToken: dispatchToken, sessionID: sessionID, result: CommandResult{TaskID: taskID, SessionID: sessionID}, reply: reply}:
	default:
		return AppendResult{}, ErrBusy
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return AppendResult{Result: r.result}, r.err
		}
		return AppendResult{Seqs: r.seqs, Result: r.result}, nil
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

// DispatchTokenSession returns the session id previously recorded for a
// dispatch token, if any (spec §4.3 idempotent re-dispatch).
func (l *Log) DispatchTokenSession(ctx context.Context, token string) (string, bool, error) {
	return l.store.dispatchTokenSession(ctx, token)
}

// Snapshot returns a consistent point-in-time copy of derived state.
func (l *Log) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.snapshot()
}

// Task looks up one task by id from derived state.
func (l *Log) Task(taskID string) (domain.Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.state.Tasks[taskID]
	if t == nil {
		return domain.Task{}, false
	}
	return *t, true
}

// Session looks up one builder session by id from derived state.
func (l *Log) Session(sessionID string) (domain.BuilderSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state.Sessions[sessionID]
	if s == nil {
		return domain.BuilderSession{}, false
	}
	return *s, true
}

// InboxItems returns the current set of inbox items from derived state,
// ordered by created_at then inbox_id.
func (l *Log) InboxItems() []domain.InboxItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := l.state.snapshot().Inbox
	return items
}

// RecentConversation returns up to limit of the most recent conversation
// entries, oldest first — the history query SubscribeConversation's doc
// comment defers to.
func (l *Log) RecentConversation(ctx context.Context, limit int) ([]domain.ConversationEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.recentConversation(ctx, limit)
}

// MarkInboxRead appends nothing to the event log (acknowledgement is not a
// domain event, per spec §4.5's InboxItem lifecycle) but durably records
// read_at and updates derived state.
func (l *Log) MarkInboxRead(ctx context.Context, inboxIDs []string) error {
	now := l.now().UTC().Format(time.RFC3339Nano)
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l.mu.Lock()
	for _, id := range inboxIDs {
		it := l.state.Inbox[id]
		if it == nil || it.ReadAt != nil {
			continue
		}
		if err := l.store.markInboxRead(ctx, tx, id, now); err != nil {
			l.mu.Unlock()
			return err
		}
		readAt := now
		it.ReadAt = &readAt
	}
	l.mu.Unlock()

	return tx.Commit()
}

// ReplayInto re-derives a fresh State from persisted events; used by tests
// to assert replay determinism against the Log's live state.
func ReplayInto(ctx context.Context, db *sql.DB) (Snapshot, error) {
	s := newStore(db)
	events, err := s.loadAllEvents(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	st := newState()
	for _, ev := range events {
		apply(st, ev)
	}
	return st.snapshot(), nil
}

// Subscribe returns a channel of events after fromSeq, replaying persisted
// history first and then live-tailing. The channel is closed if the
// subscriber falls more than subscriberBuffer events behind; callers
// should reconnect with their last-seen seq.
//
// The subscriber is registered against broadcast() before history is
// loaded, not after: loading first would leave a window where an event
// committed between the load and the registration is neither in the
// historic slice nor delivered live, producing a gap. Registering first
// means the live channel can carry events that also land in the historic
// load; those are de-duped by seq below.
func (l *Log) Subscribe(ctx context.Context, fromSeq int64) (<-chan domain.Event, error) {
	l.subMu.Lock()
	id := l.nextSubID
	l.nextSubID++
	sub := &subscriber{ch: make(chan domain.Event, subscriberBuffer)}
	l.subscribers[id] = sub
	l.subMu.Unlock()

	cleanup := func() {
		l.subMu.Lock()
		if s, ok := l.subscribers[id]; ok && !s.closed {
			close(s.ch)
			s.closed = true
		}
		delete(l.subscribers, id)
		l.subMu.Unlock()
	}

	historic, err := l.store.loadEventsAfter(ctx, fromSeq)
	if err != nil {
		cleanup()
		return nil, err
	}
	maxHistoric := fromSeq
	if n := len(historic); n > 0 {
		maxHistoric = historic[n-1].Seq
	}

	go func() {
		<-ctx.Done()
		cleanup()
	}()

	out := make(chan domain.Event, subscriberBuffer)
	go func() {
		defer close(out)
		for _, ev := range historic {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		for ev := range sub.ch {
			if ev.Seq <= maxHistoric {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (l *Log) broadcast(events []domain.Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, sub := range l.subscribers {
		if sub.closed {
			continue
		}
	deliver:
		for _, ev := range events {
			select {
			case sub.ch <- ev:
			default:
				close(sub.ch)
				sub.closed = true
				delete(l.subscribers, id)
				break deliver
			}
		}
	}
}
