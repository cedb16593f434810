// Package orchestrator exposes the command surface from spec §4.4: the
// only caller-facing entrypoints that move a task through its state
// machine. Every command that changes state does so by constructing
// events and handing them to internal/eventlog, which enforces the
// transition table centrally (see internal/eventlog/transitions.go) —
// the command methods here are responsible for the surrounding workflow
// (prompt freeze, dispatch, gate forwarding), not for re-deriving
// validity themselves.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/logabell/conversator/internal/builderadapter"
	"github.com/logabell/conversator/internal/domain"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/promptworkspace"
	"github.com/logabell/conversator/internal/quickdispatch"
)

// Now is injectable for deterministic tests.
type Now func() time.Time

// Orchestrator wires the Event Log, Prompt Workspace, and Builder Adapter
// dispatcher behind the command surface consumed by the Fan-out Service
// and, indirectly, the voice layer's tool calls.
type Orchestrator struct {
	log        *eventlog.Log
	workspace  *promptworkspace.Workspace
	dispatcher *builderadapter.Dispatcher
	now        Now
}

// New builds an Orchestrator over already-booted collaborators.
func New(l *eventlog.Log, ws *promptworkspace.Workspace, d *builderadapter.Dispatcher, now Now) *Orchestrator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{log: l, workspace: ws, dispatcher: d, now: now}
}

func (o *Orchestrator) nowString() string {
	return o.now().UTC().Format(time.RFC3339Nano)
}

// tryCommandID replays a prior command's outcome when commandID has
// already been seen; ok is false when this is the first time.
func (o *Orchestrator) tryCommandID(ctx context.Context, taskID, commandID string, events ...domain.Event) (eventlog.AppendResult, bool, error) {
	if commandID == "" {
		res, err := o.log.Append(ctx, taskID, "", eventlog.CommandResult{TaskID: taskID}, events...)
		return res, false, err
	}
	res, err := o.log.Append(ctx, taskID, commandID, eventlog.CommandResult{TaskID: taskID}, events...)
	if err == eventlog.ErrDuplicate {
		return res, true, nil
	}
	return res, false, err
}

// CreateTask is the entrypoint for spec §4.4's create_task(title, priority).
func (o *Orchestrator) CreateTask(ctx context.Context, title, priority, commandID string) (string, error) {
	if priority == "" {
		priority = domain.PriorityNormal
	}
	taskID := uuid.NewString()
	slug := promptworkspace.Slugify(title)
	payload, _ := json.Marshal(map[string]string{"title": title, "priority": priority, "topic_slug": slug})

	res, duplicate, err := o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: domain.EventTaskCreated, TaskID: taskID, Payload: payload,
	})
	if err != nil {
		return "", err
	}
	if duplicate {
		return res.Result.TaskID, nil
	}
	return taskID, nil
}

// UpdateWorkingPrompt writes the new working.md content and emits
// WorkingPromptUpdated with the caller-supplied delta summary only — the
// full content never appears in the event log (spec §4.2).
func (o *Orchestrator) UpdateWorkingPrompt(ctx context.Context, taskID, deltaSummary, content, commandID string) error {
	task, ok := o.log.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: task %s", eventlog.ErrNotFound, taskID)
	}

	path, err := o.workspace.UpdateWorking(task.TopicSlug, content)
	if err != nil {
		return fmt.Errorf("orchestrator: update working prompt: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"path": path, "delta_summary": deltaSummary})
	_, _, err = o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: domain.EventWorkingPromptUpdated, TaskID: taskID, Payload: payload,
	})
	return err
}

// RaiseQuestions moves a task to awaiting_user with the given questions.
func (o *Orchestrator) RaiseQuestions(ctx context.Context, taskID string, questions []string, commandID string) error {
	payload, _ := json.Marshal(map[string][]string{"questions": questions})
	_, _, err := o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: domain.EventQuestionsRaised, TaskID: taskID, Payload: payload,
	})
	return err
}

// AnswerQuestions resolves the pending questions and returns the task to
// refining. answers is opaque structured data (stored as the event
// payload) — the orchestrator does not interpret question content.
func (o *Orchestrator) AnswerQuestions(ctx context.Context, taskID string, answers map[string]any, commandID string) error {
	payload, _ := json.Marshal(map[string]any{"answers": answers})
	_, _, err := o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: domain.EventUserAnswered, TaskID: taskID, Payload: payload,
	})
	return err
}

// FreezePromptOptions carries the handoff contract fields the caller has
// gathered during refinement.
type FreezePromptOptions struct {
	Goal              string
	DefinitionOfDone   []string
	Constraints       []string
	RepoTargets       []domain.RepoTarget
	ExpectedArtifacts []string
	Gates             domain.Gates
	Budgets           domain.Budgets
	ContextPointers   domain.ContextPointers
}

// FreezePrompt triggers the Prompt Workspace freeze and, only on the first
// successful freeze for a topic, appends HandoffFrozen (spec §4.2, §8:
// idempotent re-requests are no-ops at the event log, matched here by
// checking the Workspace's AlreadyFrozen flag before appending).
func (o *Orchestrator) FreezePrompt(ctx context.Context, taskID string, opts FreezePromptOptions, commandID string) (promptworkspace.FreezeResult, error) {
	task, ok := o.log.Task(taskID)
	if !ok {
		return promptworkspace.FreezeResult{}, fmt.Errorf("%w: task %s", eventlog.ErrNotFound, taskID)
	}

	spec := domain.HandoffSpec{
		Goal:              opts.Goal,
		DefinitionOfDone:  opts.DefinitionOfDone,
		Constraints:       opts.Constraints,
		RepoTargets:       opts.RepoTargets,
		ExpectedArtifacts: opts.ExpectedArtifacts,
		Gates:             opts.Gates,
		Budgets:           opts.Budgets,
		ContextPointers:   opts.ContextPointers,
	}

	result, err := o.workspace.Freeze(task.TopicSlug, spec, promptworkspace.RenderHandoffMarkdown)
	if err != nil {
		return promptworkspace.FreezeResult{}, fmt.Errorf("orchestrator: freeze prompt: %w", err)
	}
	if result.AlreadyFrozen {
		return result, nil
	}

	payload, _ := json.Marshal(map[string]string{"handoff_md_path": result.HandoffMDPath, "handoff_json_path": result.HandoffJSONPath})
	if _, _, err := o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: domain.EventHandoffFrozen, TaskID: taskID, Payload: payload,
	}); err != nil {
		return promptworkspace.FreezeResult{}, err
	}
	return result, nil
}

// Dispatch sends a task's frozen handoff to a builder (spec §4.4:
// dispatch(task_id, builder_kind), requires ready_to_handoff). The
// dispatch token is derived from the frozen handoff.json so a repeat call
// with unchanged content is a no-op.
func (o *Orchestrator) Dispatch(ctx context.Context, taskID, builderKind, defaultModel string) (string, error) {
	task, ok := o.log.Task(taskID)
	if !ok {
		return "", fmt.Errorf("%w: task %s", eventlog.ErrNotFound, taskID)
	}
	if task.Status != domain.TaskReadyToHandoff {
		// A repeat of an earlier dispatch (same token) returns its session.
		if task.HandoffSpecPath != nil {
			if digest, err := o.handoffDigest(*task.HandoffSpecPath); err == nil {
				if existing, ok, err := o.log.DispatchTokenSession(ctx, builderadapter.DispatchToken(taskID, digest)); err == nil && ok {
					return existing, nil
				}
			}
		}
		return "", fmt.Errorf("%w: dispatch requires ready_to_handoff, task %s is %s", eventlog.ErrConflict, taskID, task.Status)
	}
	if task.HandoffPromptPath == nil || task.HandoffSpecPath == nil {
		return "", fmt.Errorf("%w: task %s has no frozen handoff", eventlog.ErrConflict, taskID)
	}

	digest, err := o.handoffDigest(*task.HandoffSpecPath)
	if err != nil {
		return "", err
	}

	return o.dispatcher.Dispatch(ctx, taskID, builderKind, *task.HandoffPromptPath, *task.HandoffSpecPath, digest, defaultModel)
}

func (o *Orchestrator) handoffDigest(handoffJSONPath string) (string, error) {
	data, err := os.ReadFile(handoffJSONPath)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read handoff.json: %w", err)
	}
	var spec domain.HandoffSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return "", fmt.Errorf("orchestrator: decode handoff.json: %w", err)
	}
	return promptworkspace.HandoffDigest(spec), nil
}

// ResolveGate approves or denies a pending gate: appends the resolution
// event, then forwards the decision to the remote via the dispatcher.
func (o *Orchestrator) ResolveGate(ctx context.Context, taskID string, approve bool, commandID string) error {
	task, ok := o.log.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: task %s", eventlog.ErrNotFound, taskID)
	}
	if task.Status != domain.TaskAwaitingGate {
		return fmt.Errorf("%w: task %s is not awaiting a gate", eventlog.ErrConflict, taskID)
	}
	gateKind := task.PendingGateKind

	evType := domain.EventGateDenied
	if approve {
		evType = domain.EventGateApproved
	}
	payload, _ := json.Marshal(map[string]string{"kind": gateKind})
	sessionID := ""
	if task.BuilderSessionID != nil {
		sessionID = *task.BuilderSessionID
	}
	if _, _, err := o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: evType, TaskID: taskID, Refs: domain.EventRefs{SessionID: sessionID}, Payload: payload,
	}); err != nil {
		return err
	}

	return o.dispatcher.ForwardGateResolution(ctx, taskID, gateKind, approve)
}

// Cancel implements cooperative cancellation (spec §4.4, §5): a
// TaskCanceled(pending=true) is appended immediately; if the task was
// awaiting_gate, the pending gate is auto-denied first; the adapter's
// remote abort is then attempted and a follow-up TaskCanceled(confirmed|
// unconfirmed) is appended on resolution.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, reason, commandID string) error {
	task, ok := o.log.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: task %s", eventlog.ErrNotFound, taskID)
	}
	if task.IsTerminal() {
		return fmt.Errorf("%w: task %s is already terminal", eventlog.ErrConflict, taskID)
	}

	if task.Status == domain.TaskAwaitingGate {
		payload, _ := json.Marshal(map[string]string{"kind": task.PendingGateKind})
		sessionID := ""
		if task.BuilderSessionID != nil {
			sessionID = *task.BuilderSessionID
		}
		if _, err := o.log.Append(ctx, taskID, "", eventlog.CommandResult{}, domain.Event{
			Type: domain.EventGateDenied, TaskID: taskID, Refs: domain.EventRefs{SessionID: sessionID}, Payload: payload,
		}); err != nil {
			return fmt.Errorf("orchestrator: auto-deny gate on cancel: %w", err)
		}
	}

	pendingPayload, _ := json.Marshal(map[string]any{"reason": reason, "pending": true})
	if _, _, err := o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: domain.EventTaskCanceled, TaskID: taskID, Payload: pendingPayload,
	}); err != nil {
		return err
	}

	hasLiveSession := task.BuilderSessionID != nil && task.Status != domain.TaskReadyToHandoff && task.Status != domain.TaskDraft && task.Status != domain.TaskRefining
	confirmed := true
	if hasLiveSession {
		var err error
		confirmed, err = o.dispatcher.Abort(ctx, taskID)
		if err != nil {
			confirmed = false
		}
	}

	finalPayload, _ := json.Marshal(map[string]any{"reason": reason, "pending": false, "confirmed": confirmed})
	_, err := o.log.Append(ctx, taskID, "", eventlog.CommandResult{}, domain.Event{
		Type: domain.EventTaskCanceled, TaskID: taskID, Payload: finalPayload,
	})
	return err
}

// LinkExternal attaches external_task_id to a task; idempotent per spec
// §3's invariant that the pointer, once set, is never reassigned.
func (o *Orchestrator) LinkExternal(ctx context.Context, taskID, externalTaskID, commandID string) error {
	task, ok := o.log.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: task %s", eventlog.ErrNotFound, taskID)
	}
	if task.ExternalTaskID != nil {
		if *task.ExternalTaskID == externalTaskID {
			return nil
		}
		return fmt.Errorf("%w: task %s already linked to a different external_task_id", eventlog.ErrConflict, taskID)
	}

	_, _, err := o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: domain.EventExternalTaskLinked, TaskID: taskID, Refs: domain.EventRefs{ExternalTaskID: externalTaskID},
	})
	return err
}

// QuickDispatch runs a simple, allowlisted read-only query or mutation
// immediately instead of routing it through a builder session (spec
// §4.4's quick_dispatch). taskID is optional: a quick operation may be
// scoped to a task for audit purposes or fired standalone. The command
// is classified before it runs; anything outside the allowlist is
// rejected with QuickDispatchBlocked rather than executed.
func (o *Orchestrator) QuickDispatch(ctx context.Context, taskID, operation, command, workingDir, commandID string) (quickdispatch.Result, error) {
	if taskID != "" {
		if _, ok := o.log.Task(taskID); !ok {
			return quickdispatch.Result{}, fmt.Errorf("%w: task %s", eventlog.ErrNotFound, taskID)
		}
	}

	requestedPayload, _ := json.Marshal(map[string]string{"operation": operation, "command": command, "working_dir": workingDir})
	if _, _, err := o.tryCommandID(ctx, taskID, commandID, domain.Event{
		Type: domain.EventQuickDispatchRequested, TaskID: taskID, Payload: requestedPayload,
	}); err != nil {
		return quickdispatch.Result{}, err
	}

	safe, reason := quickdispatch.Classify(operation, command)
	if !safe {
		blockedPayload, _ := json.Marshal(map[string]string{"command": command, "reason": reason})
		if _, err := o.log.Append(ctx, taskID, "", eventlog.CommandResult{}, domain.Event{
			Type: domain.EventQuickDispatchBlocked, TaskID: taskID, Payload: blockedPayload,
		}); err != nil {
			return quickdispatch.Result{}, err
		}
		return quickdispatch.Result{Success: false, Error: reason}, nil
	}

	result := quickdispatch.Run(ctx, command, workingDir)
	executedPayload, _ := json.Marshal(map[string]any{
		"command":   command,
		"operation": operation,
		"builder":   "local",
		"success":   result.Success,
	})
	if _, err := o.log.Append(ctx, taskID, "", eventlog.CommandResult{}, domain.Event{
		Type: domain.EventQuickDispatchExecuted, TaskID: taskID, Payload: executedPayload,
	}); err != nil {
		return quickdispatch.Result{}, err
	}
	return result, nil
}
