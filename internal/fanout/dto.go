package fanout

import (
	"github.com/logabell/conversator/internal/builderadapter"
	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/inbox"
)

// TaskResponse mirrors domain.Task for the wire; a dedicated type keeps
// the REST contract stable if the internal struct grows fields the API
// should not surface yet.
type TaskResponse struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Status            string   `json:"status"`
	Priority          string   `json:"priority"`
	WorkingPromptPath string   `json:"working_prompt_path,omitempty"`
	HandoffPromptPath string   `json:"handoff_prompt_path,omitempty"`
	HandoffSpecPath   string   `json:"handoff_spec_path,omitempty"`
	ExternalTaskID    string   `json:"external_task_id,omitempty"`
	BuilderSessionID  string   `json:"builder_session_id,omitempty"`
	BuilderKind       string   `json:"builder_kind,omitempty"`
	PendingQuestions  []string `json:"pending_questions,omitempty"`
	PendingGateKind   string   `json:"pending_gate_kind,omitempty"`
	FailureReason     string   `json:"failure_reason,omitempty"`
	CanceledReason    string   `json:"canceled_reason,omitempty"`
	CancelPending     bool     `json:"cancel_pending,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	r := TaskResponse{
		ID:                t.ID,
		Title:             t.Title,
		Status:            t.Status,
		Priority:          t.Priority,
		WorkingPromptPath: t.WorkingPromptPath,
		PendingQuestions:  t.PendingQuestions,
		PendingGateKind:   t.PendingGateKind,
		FailureReason:     t.FailureReason,
		CanceledReason:    t.CanceledReason,
		CancelPending:     t.CancelPending,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	if t.HandoffPromptPath != nil {
		r.HandoffPromptPath = *t.HandoffPromptPath
	}
	if t.HandoffSpecPath != nil {
		r.HandoffSpecPath = *t.HandoffSpecPath
	}
	if t.ExternalTaskID != nil {
		r.ExternalTaskID = *t.ExternalTaskID
	}
	if t.BuilderSessionID != nil {
		r.BuilderSessionID = *t.BuilderSessionID
	}
	if t.BuilderKind != nil {
		r.BuilderKind = *t.BuilderKind
	}
	return r
}

// InboxItemResponse mirrors domain.InboxItem for the wire.
type InboxItemResponse struct {
	InboxID   string `json:"inbox_id"`
	Severity  string `json:"severity"`
	Summary   string `json:"summary"`
	Detail    string `json:"detail,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	EventSeq  int64  `json:"event_seq"`
	CreatedAt string `json:"created_at"`
	ReadAt    string `json:"read_at,omitempty"`
}

func inboxItemResponse(it domain.InboxItem) InboxItemResponse {
	r := InboxItemResponse{
		InboxID:   it.InboxID,
		Severity:  it.Severity,
		Summary:   it.Summary,
		Detail:    it.Detail,
		TaskID:    it.TaskID,
		EventSeq:  it.EventSeq,
		CreatedAt: it.CreatedAt,
	}
	if it.ReadAt != nil {
		r.ReadAt = *it.ReadAt
	}
	return r
}

// BuilderResponse is one entry of the "list configured builders" snapshot.
type BuilderResponse struct {
	Kind   string `json:"kind"`
	Health string `json:"health,omitempty"`
}

// ConversationEntryResponse mirrors domain.ConversationEntry for the wire.
type ConversationEntryResponse struct {
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	TaskID    string `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

func conversationEntryResponse(e domain.ConversationEntry) ConversationEntryResponse {
	return ConversationEntryResponse{Seq: e.Seq, Role: e.Role, Text: e.Text, TaskID: e.TaskID, CreatedAt: e.CreatedAt}
}

// --- command request bodies ---

type createTaskBody struct {
	Title          string `json:"title" required:"true"`
	Priority       string `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	ExternalTaskID string `json:"external_task_id,omitempty"`
	CommandID      string `json:"command_id,omitempty"`
}

type createTaskResponseBody struct {
	TaskID string `json:"task_id"`
}

type updateWorkingPromptBody struct {
	DeltaSummary string `json:"delta_summary,omitempty"`
	Content      string `json:"content" required:"true"`
	CommandID    string `json:"command_id,omitempty"`
}

type raiseQuestionsBody struct {
	Questions []string `json:"questions" required:"true"`
	CommandID string   `json:"command_id,omitempty"`
}

type answerQuestionsBody struct {
	Answers   map[string]any `json:"answers" required:"true"`
	CommandID string         `json:"command_id,omitempty"`
}

type freezePromptBody struct {
	Goal              string              `json:"goal" required:"true"`
	DefinitionOfDone  []string            `json:"definition_of_done,omitempty"`
	Constraints       []string            `json:"constraints,omitempty"`
	RepoTargets       []domain.RepoTarget `json:"repo_targets,omitempty"`
	ExpectedArtifacts []string            `json:"expected_artifacts,omitempty"`
	Gates             domain.Gates        `json:"gates"`
	Budgets           domain.Budgets      `json:"budgets"`
	ContextPointers   domain.ContextPointers `json:"context_pointers"`
	CommandID         string              `json:"command_id,omitempty"`
}

type freezePromptResponseBody struct {
	HandoffMDPath   string `json:"handoff_md_path"`
	HandoffJSONPath string `json:"handoff_json_path"`
	AlreadyFrozen   bool   `json:"already_frozen"`
}

type dispatchBody struct {
	BuilderKind  string `json:"builder_kind" required:"true"`
	DefaultModel string `json:"default_model,omitempty"`
}

type dispatchResponseBody struct {
	SessionID string `json:"session_id"`
}

type resolveGateBody struct {
	Decision  string `json:"decision" required:"true" enum:"approve,deny"`
	CommandID string `json:"command_id,omitempty"`
}

type cancelBody struct {
	Reason    string `json:"reason,omitempty"`
	CommandID string `json:"command_id,omitempty"`
}

type linkExternalBody struct {
	ExternalTaskID string `json:"external_task_id" required:"true"`
	CommandID      string `json:"command_id,omitempty"`
}

type quickDispatchBody struct {
	Operation  string `json:"operation" required:"true" enum:"query,simple_mutation"`
	Command    string `json:"command" required:"true"`
	WorkingDir string `json:"working_dir,omitempty"`
	CommandID  string `json:"command_id,omitempty"`
}

type quickDispatchResponseBody struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type acknowledgeBody struct {
	InboxIDs []string `json:"inbox_ids" required:"true"`
}

type deliveryHintResponse struct {
	Severity string   `json:"severity"`
	Summary  string   `json:"summary"`
	TaskID   string   `json:"task_id,omitempty"`
	InboxIDs []string `json:"inbox_ids"`
}

func deliveryHintsResponse(hints []inbox.DeliveryHint) []deliveryHintResponse {
	out := make([]deliveryHintResponse, 0, len(hints))
	for _, h := range hints {
		out = append(out, deliveryHintResponse{Severity: h.Severity, Summary: h.Summary, TaskID: h.TaskID, InboxIDs: h.InboxIDs})
	}
	return out
}

func healthLabel(r builderadapter.HealthResult, err error) string {
	if err != nil {
		return "unreachable"
	}
	return string(r.Status)
}
