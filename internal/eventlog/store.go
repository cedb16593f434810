package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/logabell/conversator/internal/domain"
)

// store wraps the raw SQL access the Log needs. Events are the source of
// truth; the tasks/builder_sessions tables are an advisory checkpoint
// written alongside derived-state updates that Boot does not read back (it
// replays the events instead), while inbox_items rows are loaded at Boot
// rather than re-derived (spec §4.1: "a checkpoint of derived state is
// optional and advisory only — the log is the source of truth").
type store struct {
	db *sql.DB
}

func newStore(db *sql.DB) *store { return &store{db: db} }

// insertEvent appends one event row and returns its assigned seq.
func (s *store) insertEvent(ctx context.Context, tx *sql.Tx, ev domain.Event) (int64, error) {
	refs, err := json.Marshal(ev.Refs)
	if err != nil {
		return 0, fmt.Errorf("marshal refs: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(time, type, task_id, refs_json, payload_json) VALUES (?,?,?,?,?)`,
		ev.Time, ev.Type, nullableString(ev.TaskID), string(refs), string(ev.Payload),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// loadAllEvents reads the full log in seq order, used at boot to replay
// derived state. A row that cannot be scanned, or whose refs JSON cannot
// be decoded, stops the load: the events before it are returned together
// with an error naming its seq, and Boot fails on that error. Nothing is
// truncated, and payload JSON is not checked here.
func (s *store) loadAllEvents(ctx context.Context) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, time, type, task_id, refs_json, payload_json FROM events ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var taskID sql.NullString
		var refsJSON, payloadJSON sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.Time, &ev.Type, &taskID, &refsJSON, &payloadJSON); err != nil {
			return events, fmt.Errorf("read event row (load stopped at seq %d): %w", ev.Seq, err)
		}
		ev.TaskID = taskID.String
		if refsJSON.Valid && refsJSON.String != "" {
			if err := json.Unmarshal([]byte(refsJSON.String), &ev.Refs); err != nil {
				return events, fmt.Errorf("decode refs for event seq %d (load stopped): %w", ev.Seq, err)
			}
		}
		if payloadJSON.Valid {
			ev.Payload = json.RawMessage(payloadJSON.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *store) loadEventsAfter(ctx context.Context, fromSeq int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, time, type, task_id, refs_json, payload_json FROM events WHERE seq > ? ORDER BY seq ASC`, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var taskID sql.NullString
		var refsJSON, payloadJSON sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.Time, &ev.Type, &taskID, &refsJSON, &payloadJSON); err != nil {
			return nil, err
		}
		ev.TaskID = taskID.String
		if refsJSON.Valid && refsJSON.String != "" {
			_ = json.Unmarshal([]byte(refsJSON.String), &ev.Refs)
		}
		if payloadJSON.Valid {
			ev.Payload = json.RawMessage(payloadJSON.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// checkpointTask upserts the advisory tasks row for one task.
func (s *store) checkpointTask(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	questions, _ := json.Marshal(t.PendingQuestions)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks(id, title, status, priority, working_prompt_path, handoff_prompt_path,
			handoff_spec_path, external_task_id, builder_session_id, builder_kind, topic_slug,
			last_event_seq, pending_questions_json, failure_reason, canceled_reason, cancel_pending,
			pending_gate_kind, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, status=excluded.status, priority=excluded.priority,
			working_prompt_path=excluded.working_prompt_path, handoff_prompt_path=excluded.handoff_prompt_path,
			handoff_spec_path=excluded.handoff_spec_path, external_task_id=excluded.external_task_id,
			builder_session_id=excluded.builder_session_id, builder_kind=excluded.builder_kind,
			last_event_seq=excluded.last_event_seq, pending_questions_json=excluded.pending_questions_json,
			failure_reason=excluded.failure_reason, canceled_reason=excluded.canceled_reason,
			cancel_pending=excluded.cancel_pending, pending_gate_kind=excluded.pending_gate_kind,
			updated_at=excluded.updated_at`,
		t.ID, t.Title, t.Status, t.Priority, t.WorkingPromptPath, nullableStringPtr(t.HandoffPromptPath),
		nullableStringPtr(t.HandoffSpecPath), nullableStringPtr(t.ExternalTaskID), nullableStringPtr(t.BuilderSessionID),
		nullableStringPtr(t.BuilderKind), t.TopicSlug, t.LastEventSeq, string(questions), t.FailureReason,
		t.CanceledReason, t.CancelPending, t.PendingGateKind, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *store) checkpointSession(ctx context.Context, tx *sql.Tx, sess *domain.BuilderSession) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO builder_sessions(session_id, task_id, builder_kind, status, remote_cursor, started_at, ended_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			status=excluded.status, remote_cursor=excluded.remote_cursor, ended_at=excluded.ended_at`,
		sess.SessionID, sess.TaskID, sess.BuilderKind, sess.Status, sess.RemoteCursor, sess.StartedAt,
		nullableStringPtr(sess.EndedAt),
	)
	return err
}

func (s *store) insertArtifact(ctx context.Context, tx *sql.Tx, sessionID string, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(session_id, kind, path, created_at) VALUES (?,?,?,?)`,
		sessionID, a.Kind, a.Path, a.CreatedAt)
	return err
}

func (s *store) insertInboxItem(ctx context.Context, tx *sql.Tx, it *domain.InboxItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inbox_items(inbox_id, severity, summary, detail, task_id, event_seq, created_at, read_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		it.InboxID, it.Severity, it.Summary, it.Detail, it.TaskID, it.EventSeq, it.CreatedAt,
		nullableStringPtr(it.ReadAt),
	)
	return err
}

func (s *store) markInboxRead(ctx context.Context, tx *sql.Tx, inboxID, readAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE inbox_items SET read_at=? WHERE inbox_id=?`, readAt, inboxID)
	return err
}

func (s *store) loadInboxItems(ctx context.Context) ([]domain.InboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT inbox_id, severity, summary, detail, task_id, event_seq, created_at, read_at FROM inbox_items ORDER BY created_at, inbox_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		var it domain.InboxItem
		var detail, taskID, readAt sql.NullString
		if err := rows.Scan(&it.InboxID, &it.Severity, &it.Summary, &detail, &taskID, &it.EventSeq, &it.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		it.Detail = detail.String
		it.TaskID = taskID.String
		if readAt.Valid {
			it.ReadAt = &readAt.String
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// commandResult returns a previously recorded outcome for a command id, or
// (zero, false) if the command id has not been seen.
func (s *store) commandResult(ctx context.Context, commandID string) (CommandResult, bool, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx, `SELECT result_json FROM command_ids WHERE command_id=?`, commandID).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return CommandResult{}, false, nil
	}
	if err != nil {
		return CommandResult{}, false, err
	}
	var res CommandResult
	if err := json.Unmarshal([]byte(resultJSON), &res); err != nil {
		return CommandResult{}, false, err
	}
	return res, true, nil
}

func (s *store) saveCommandResult(ctx context.Context, tx *sql.Tx, commandID, taskID string, res CommandResult, now string) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO command_ids(command_id, task_id, result_json, created_at) VALUES (?,?,?,?)`,
		commandID, nullableString(taskID), string(data), now)
	return err
}

func (s *store) dispatchTokenSession(ctx context.Context, token string) (string, bool, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM dispatch_tokens WHERE dispatch_token=?`, token).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sessionID, true, nil
}

func (s *store) saveDispatchToken(ctx context.Context, tx *sql.Tx, token, taskID, sessionID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dispatch_tokens(dispatch_token, task_id, session_id, created_at) VALUES (?,?,?,?)`,
		token, taskID, sessionID, now)
	return err
}

func (s *store) insertConversationEntry(ctx context.Context, tx *sql.Tx, role, text, taskID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO conversation_entries(role, text, task_id, created_at) VALUES (?,?,?,?)`,
		role, text, nullableString(taskID), now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *store) recentConversation(ctx context.Context, limit int) ([]domain.ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, role, text, task_id, created_at FROM conversation_entries ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConversationEntry
	for rows.Next() {
		var e domain.ConversationEntry
		var taskID sql.NullString
		if err := rows.Scan(&e.Seq, &e.Role, &e.Text, &taskID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStringPtr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
