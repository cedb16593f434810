package fanout

import (
	"context"
	"fmt"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/orchestrator"
)

// VoiceTools exposes the narrow RPC set of spec §6 as MCP tools over
// stdio, grounded on ai-dev-brain's MCP server shape — one struct wrapping
// the same collaborators the REST surface uses, registered as tools
// instead of routes. Contract-only: no audio or transcription live here,
// per spec.md's Non-goals.
type VoiceTools struct {
	server  *gomcp.Server
	orch    *orchestrator.Orchestrator
	log     *eventlog.Log
	notify  *inbox.Notifier
	context domain.ContextLookup
}

// NewVoiceTools builds the MCP server and registers every tool.
func NewVoiceTools(orch *orchestrator.Orchestrator, l *eventlog.Log, notifier *inbox.Notifier, version string) *VoiceTools {
	if version == "" {
		version = "dev"
	}
	v := &VoiceTools{orch: orch, log: l, notify: notifier, context: domain.NoopContextLookup{}}
	v.server = gomcp.NewServer(&gomcp.Implementation{Name: "conversator", Version: version}, nil)
	v.registerTools()
	return v
}

// SetContextLookup swaps in a real retrieval store behind lookup_context.
// Unset, the tool answers every query with no hits.
func (v *VoiceTools) SetContextLookup(lookup domain.ContextLookup) {
	v.context = lookup
}

// Run serves the MCP tools over stdio until the client disconnects or ctx
// is canceled.
func (v *VoiceTools) Run(ctx context.Context) error {
	return v.server.Run(ctx, &gomcp.StdioTransport{})
}

type createTaskInput struct {
	Title    string `json:"title" jsonschema:"required,the task title as spoken by the user"`
	Priority string `json:"priority,omitempty" jsonschema:"low, normal, high, or urgent; defaults to normal"`
}

type taskIDOutput struct {
	TaskID string `json:"task_id"`
}

type updateWorkingPromptInput struct {
	TaskID       string `json:"task_id" jsonschema:"required"`
	DeltaSummary string `json:"delta_summary,omitempty" jsonschema:"short description of what changed"`
	Content      string `json:"content" jsonschema:"required,the full new working prompt text"`
}

type dispatchInput struct {
	TaskID      string `json:"task_id" jsonschema:"required"`
	BuilderKind string `json:"builder_kind" jsonschema:"required"`
}

type dispatchOutput struct {
	SessionID string `json:"session_id"`
}

type resolveGateInput struct {
	TaskID   string `json:"task_id" jsonschema:"required"`
	Approved bool   `json:"approved" jsonschema:"required"`
}

type cancelInput struct {
	TaskID string `json:"task_id" jsonschema:"required"`
	Reason string `json:"reason,omitempty"`
}

type freezePromptInput struct {
	TaskID            string              `json:"task_id" jsonschema:"required"`
	Goal              string              `json:"goal" jsonschema:"required,what the builder must accomplish"`
	DefinitionOfDone  []string            `json:"definition_of_done,omitempty"`
	Constraints       []string            `json:"constraints,omitempty"`
	RepoTargets       []domain.RepoTarget `json:"repo_targets,omitempty"`
	ExpectedArtifacts []string            `json:"expected_artifacts,omitempty"`
	Gates             domain.Gates        `json:"gates,omitempty"`
	Budgets           domain.Budgets      `json:"budgets,omitempty"`
	ContextPointers   domain.ContextPointers `json:"context_pointers,omitempty"`
}

type freezePromptOutput struct {
	HandoffMDPath   string `json:"handoff_md_path"`
	HandoffJSONPath string `json:"handoff_json_path"`
	AlreadyFrozen   bool   `json:"already_frozen"`
}

type quickDispatchInput struct {
	TaskID     string `json:"task_id,omitempty" jsonschema:"the task this quick operation relates to, if any"`
	Operation  string `json:"operation" jsonschema:"required,query or simple_mutation"`
	Command    string `json:"command" jsonschema:"required,the command to execute, e.g. 'git status' or 'mkdir notes'"`
	WorkingDir string `json:"working_dir,omitempty"`
}

type quickDispatchOutput struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type lookupContextInput struct {
	Query string `json:"query" jsonschema:"required,what to search for in prior artifacts and context"`
}

type lookupContextOutput struct {
	Hits []domain.ContextHit `json:"hits"`
}

type getStatusInput struct {
	TaskID string `json:"task_id" jsonschema:"required"`
}

type taskStatusOutput struct {
	Status          string   `json:"status"`
	PendingGateKind string   `json:"pending_gate_kind,omitempty"`
	PendingQuestions []string `json:"pending_questions,omitempty"`
	FailureReason   string   `json:"failure_reason,omitempty"`
}

type okOutput struct {
	OK bool `json:"ok"`
}

func (v *VoiceTools) registerTools() {
	gomcp.AddTool(v.server, &gomcp.Tool{
		Name:        "create_task",
		Description: "Start a new task from a spoken request. Returns the new task_id.",
	}, v.handleCreateTask)

	gomcp.AddTool(v.server, &gomcp.Tool{
		Name:        "update_working_prompt",
		Description: "Replace a task's working prompt with refined text captured from the conversation.",
	}, v.handleUpdateWorkingPrompt)

	gomcp.AddTool(v.server, &gomcp.Tool{
		Name:        "freeze_prompt",
		Description: "Freeze the working prompt into a handoff ready for builders. Call when the user confirms they're ready to proceed, e.g. 'send it', 'let's do it', 'go ahead'.",
	}, v.handleFreezePrompt)

	gomcp.AddTool(v.server, &gomcp.Tool{
		Name:        "dispatch",
		Description: "Dispatch a task's frozen handoff to a builder. Requires the task to be ready_to_handoff.",
	}, v.handleDispatch)

	gomcp.AddTool(v.server, &gomcp.Tool{
		Name: "quick_dispatch",
		Description: "Execute a simple, quick operation immediately via a fast local builder. Use for " +
			"read-only queries (git status, ls, tree, file checks) and simple mutations (mkdir, touch, " +
			"git checkout branch). Not for complex builds, refactors, or destructive operations — use dispatch for those.",
	}, v.handleQuickDispatch)

	gomcp.AddTool(v.server, &gomcp.Tool{
		Name:        "lookup_context",
		Description: "Search prior artifacts and context pointers for something relevant to the conversation.",
	}, v.handleLookupContext)

	gomcp.AddTool(v.server, &gomcp.Tool{
		Name:        "resolve_gate",
		Description: "Approve or deny a pending write/run/destructive gate for a task.",
	}, v.handleResolveGate)

	gomcp.AddTool(v.server, &gomcp.Tool{
		Name:        "cancel",
		Description: "Cancel a task, auto-denying any pending gate and attempting to abort its builder session.",
	}, v.handleCancel)

	gomcp.AddTool(v.server, &gomcp.Tool{
		Name:        "get_status",
		Description: "Get a task's current status, pending questions, and pending gate.",
	}, v.handleGetStatus)
}

func (v *VoiceTools) handleCreateTask(ctx context.Context, _ *gomcp.CallToolRequest, input createTaskInput) (*gomcp.CallToolResult, taskIDOutput, error) {
	if input.Title == "" {
		return errorResult("title is required"), taskIDOutput{}, nil
	}
	taskID, err := v.orch.CreateTask(ctx, input.Title, input.Priority, "")
	if err != nil {
		return errorResult(fmt.Sprintf("creating task: %s", err)), taskIDOutput{}, nil
	}
	return nil, taskIDOutput{TaskID: taskID}, nil
}

func (v *VoiceTools) handleUpdateWorkingPrompt(ctx context.Context, _ *gomcp.CallToolRequest, input updateWorkingPromptInput) (*gomcp.CallToolResult, okOutput, error) {
	if err := v.orch.UpdateWorkingPrompt(ctx, input.TaskID, input.DeltaSummary, input.Content, ""); err != nil {
		return errorResult(fmt.Sprintf("updating working prompt: %s", err)), okOutput{}, nil
	}
	return nil, okOutput{OK: true}, nil
}

func (v *VoiceTools) handleFreezePrompt(ctx context.Context, _ *gomcp.CallToolRequest, input freezePromptInput) (*gomcp.CallToolResult, freezePromptOutput, error) {
	result, err := v.orch.FreezePrompt(ctx, input.TaskID, orchestrator.FreezePromptOptions{
		Goal:              input.Goal,
		DefinitionOfDone:  input.DefinitionOfDone,
		Constraints:       input.Constraints,
		RepoTargets:       input.RepoTargets,
		ExpectedArtifacts: input.ExpectedArtifacts,
		Gates:             input.Gates,
		Budgets:           input.Budgets,
		ContextPointers:   input.ContextPointers,
	}, "")
	if err != nil {
		return errorResult(fmt.Sprintf("freezing prompt: %s", err)), freezePromptOutput{}, nil
	}
	return nil, freezePromptOutput{
		HandoffMDPath:   result.HandoffMDPath,
		HandoffJSONPath: result.HandoffJSONPath,
		AlreadyFrozen:   result.AlreadyFrozen,
	}, nil
}

func (v *VoiceTools) handleQuickDispatch(ctx context.Context, _ *gomcp.CallToolRequest, input quickDispatchInput) (*gomcp.CallToolResult, quickDispatchOutput, error) {
	result, err := v.orch.QuickDispatch(ctx, input.TaskID, input.Operation, input.Command, input.WorkingDir, "")
	if err != nil {
		return errorResult(fmt.Sprintf("quick dispatch: %s", err)), quickDispatchOutput{}, nil
	}
	return nil, quickDispatchOutput{Success: result.Success, Output: result.Output, Error: result.Error}, nil
}

func (v *VoiceTools) handleLookupContext(ctx context.Context, _ *gomcp.CallToolRequest, input lookupContextInput) (*gomcp.CallToolResult, lookupContextOutput, error) {
	hits, err := v.context.LookupContext(ctx, input.Query)
	if err != nil {
		return errorResult(fmt.Sprintf("looking up context: %s", err)), lookupContextOutput{}, nil
	}
	return nil, lookupContextOutput{Hits: hits}, nil
}

func (v *VoiceTools) handleDispatch(ctx context.Context, _ *gomcp.CallToolRequest, input dispatchInput) (*gomcp.CallToolResult, dispatchOutput, error) {
	sessionID, err := v.orch.Dispatch(ctx, input.TaskID, input.BuilderKind, "")
	if err != nil {
		return errorResult(fmt.Sprintf("dispatching: %s", err)), dispatchOutput{}, nil
	}
	return nil, dispatchOutput{SessionID: sessionID}, nil
}

func (v *VoiceTools) handleResolveGate(ctx context.Context, _ *gomcp.CallToolRequest, input resolveGateInput) (*gomcp.CallToolResult, okOutput, error) {
	if err := v.orch.ResolveGate(ctx, input.TaskID, input.Approved, ""); err != nil {
		return errorResult(fmt.Sprintf("resolving gate: %s", err)), okOutput{}, nil
	}
	return nil, okOutput{OK: true}, nil
}

func (v *VoiceTools) handleCancel(ctx context.Context, _ *gomcp.CallToolRequest, input cancelInput) (*gomcp.CallToolResult, okOutput, error) {
	if err := v.orch.Cancel(ctx, input.TaskID, input.Reason, ""); err != nil {
		return errorResult(fmt.Sprintf("canceling: %s", err)), okOutput{}, nil
	}
	return nil, okOutput{OK: true}, nil
}

func (v *VoiceTools) handleGetStatus(_ context.Context, _ *gomcp.CallToolRequest, input getStatusInput) (*gomcp.CallToolResult, taskStatusOutput, error) {
	task, ok := v.log.Task(input.TaskID)
	if !ok {
		return errorResult(fmt.Sprintf("task %s not found", input.TaskID)), taskStatusOutput{}, nil
	}
	return nil, taskStatusOutput{
		Status:           task.Status,
		PendingGateKind:  task.PendingGateKind,
		PendingQuestions: task.PendingQuestions,
		FailureReason:    task.FailureReason,
	}, nil
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
