// Package fanout implements spec §4.6: the REST+WebSocket surface for the
// dashboard and the narrow command/tool surface for the voice layer. It
// holds no domain logic of its own — every handler forwards to
// internal/orchestrator, internal/eventlog, internal/builderadapter, or
// internal/inbox and translates the result into the wire contract.
package fanout

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/logabell/conversator/internal/builderadapter"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/orchestrator"
)

// Config wires the Fan-out Service to its collaborators.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Log          *eventlog.Log
	Registry     *builderadapter.Registry
	Notifier     *inbox.Notifier
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an http.Handler exposing the REST API and the /ws/events
// WebSocket. The MCP voice tool surface is not mounted here; it is served
// separately (see VoiceTools).
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			next.ServeHTTP(w, r)
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Conversator API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg)
	registerInbox(group, cfg)
	registerBuilders(group, cfg)
	registerConversation(group, cfg)
	registerCommands(group, cfg)

	hub := newHub(cfg.Log)
	router.Get("/ws/events", hub.serveHTTP)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// handleError maps the Event Log's closed error set onto HTTP status
// codes; every other error is an internal error (spec §7: errors never
// silently drop to a default 200).
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, eventlog.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, eventlog.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, eventlog.ErrDuplicate):
		return newAPIError(http.StatusConflict, "duplicate", err.Error(), nil)
	case errors.Is(err, eventlog.ErrBusy):
		return newAPIError(http.StatusServiceUnavailable, "busy", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		snap := cfg.Log.Snapshot()
		out := make([]TaskResponse, 0, len(snap.Tasks))
		for _, t := range snap.Tasks {
			if input.Status != "" && t.Status != input.Status {
				continue
			}
			out = append(out, taskResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, ok := cfg.Log.Task(input.TaskID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerInbox(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-inbox",
		Method:      http.MethodGet,
		Path:        "/inbox",
		Summary:     "List inbox items",
	}, func(ctx context.Context, input *struct {
		UnreadOnly bool `query:"unread_only"`
	}) (*struct {
		Body struct {
			Items       []InboxItemResponse `json:"items"`
			UnreadCount int                 `json:"unread_count"`
		} `json:"body"`
	}, error) {
		items := cfg.Log.InboxItems()
		out := make([]InboxItemResponse, 0, len(items))
		for _, it := range items {
			if input.UnreadOnly && it.ReadAt != nil {
				continue
			}
			out = append(out, inboxItemResponse(it))
		}
		resp := struct {
			Body struct {
				Items       []InboxItemResponse `json:"items"`
				UnreadCount int                 `json:"unread_count"`
			} `json:"body"`
		}{}
		resp.Body.Items = out
		if cfg.Notifier != nil {
			resp.Body.UnreadCount = cfg.Notifier.UnreadCount()
		}
		return &resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "poll-pending-delivery",
		Method:      http.MethodGet,
		Path:        "/inbox/pending-delivery",
		Summary:     "Poll delivery hints queued for the voice layer",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []deliveryHintResponse `json:"body"`
	}, error) {
		var hints []inbox.DeliveryHint
		if cfg.Notifier != nil {
			hints = cfg.Notifier.PendingDelivery()
		}
		return &struct {
			Body []deliveryHintResponse `json:"body"`
		}{Body: deliveryHintsResponse(hints)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-inbox",
		Method:      http.MethodPost,
		Path:        "/inbox/acknowledge",
		Summary:     "Acknowledge inbox items",
	}, func(ctx context.Context, input *struct {
		Body acknowledgeBody
	}) (*struct{}, error) {
		if cfg.Notifier == nil {
			return nil, nil
		}
		if err := cfg.Notifier.Acknowledge(ctx, input.Body.InboxIDs); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerBuilders(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-builders",
		Method:      http.MethodGet,
		Path:        "/builders",
		Summary:     "List configured builders and their health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BuilderResponse `json:"body"`
	}, error) {
		var out []BuilderResponse
		for _, kind := range cfg.Registry.Kinds() {
			adapter, _, _, err := cfg.Registry.Get(kind)
			label := "unknown"
			if err == nil && adapter != nil {
				result, healthErr := adapter.Health(ctx, "")
				label = healthLabel(result, healthErr)
			}
			out = append(out, BuilderResponse{Kind: kind, Health: label})
		}
		return &struct {
			Body []BuilderResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerConversation(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-conversation",
		Method:      http.MethodGet,
		Path:        "/conversation",
		Summary:     "Recent conversation/transcript feed",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100"`
	}) (*struct {
		Body []ConversationEntryResponse `json:"body"`
	}, error) {
		entries, err := cfg.Log.RecentConversation(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ConversationEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, conversationEntryResponse(e))
		}
		return &struct {
			Body []ConversationEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerCommands(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createTaskBody
	}) (*struct {
		Body createTaskResponseBody `json:"body"`
	}, error) {
		taskID, err := cfg.Orchestrator.CreateTask(ctx, input.Body.Title, input.Body.Priority, input.Body.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.ExternalTaskID != "" {
			if err := cfg.Orchestrator.LinkExternal(ctx, taskID, input.Body.ExternalTaskID, ""); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body createTaskResponseBody `json:"body"`
		}{Body: createTaskResponseBody{TaskID: taskID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-working-prompt",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/working-prompt",
		Summary:     "Update working prompt",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   updateWorkingPromptBody
	}) (*struct{}, error) {
		err := cfg.Orchestrator.UpdateWorkingPrompt(ctx, input.TaskID, input.Body.DeltaSummary, input.Body.Content, input.Body.CommandID)
		return nil, handleError(err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "raise-questions",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/questions",
		Summary:     "Raise clarifying questions",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   raiseQuestionsBody
	}) (*struct{}, error) {
		err := cfg.Orchestrator.RaiseQuestions(ctx, input.TaskID, input.Body.Questions, input.Body.CommandID)
		return nil, handleError(err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-questions",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/answers",
		Summary:     "Answer clarifying questions",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   answerQuestionsBody
	}) (*struct{}, error) {
		err := cfg.Orchestrator.AnswerQuestions(ctx, input.TaskID, input.Body.Answers, input.Body.CommandID)
		return nil, handleError(err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "freeze-prompt",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/freeze",
		Summary:     "Freeze the working prompt into a handoff",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   freezePromptBody
	}) (*struct {
		Body freezePromptResponseBody `json:"body"`
	}, error) {
		result, err := cfg.Orchestrator.FreezePrompt(ctx, input.TaskID, orchestrator.FreezePromptOptions{
			Goal:              input.Body.Goal,
			DefinitionOfDone:  input.Body.DefinitionOfDone,
			Constraints:       input.Body.Constraints,
			RepoTargets:       input.Body.RepoTargets,
			ExpectedArtifacts: input.Body.ExpectedArtifacts,
			Gates:             input.Body.Gates,
			Budgets:           input.Body.Budgets,
			ContextPointers:   input.Body.ContextPointers,
		}, input.Body.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body freezePromptResponseBody `json:"body"`
		}{Body: freezePromptResponseBody{HandoffMDPath: result.HandoffMDPath, HandoffJSONPath: result.HandoffJSONPath, AlreadyFrozen: result.AlreadyFrozen}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/dispatch",
		Summary:     "Dispatch the frozen handoff to a builder",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   dispatchBody
	}) (*struct {
		Body dispatchResponseBody `json:"body"`
	}, error) {
		sessionID, err := cfg.Orchestrator.Dispatch(ctx, input.TaskID, input.Body.BuilderKind, input.Body.DefaultModel)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dispatchResponseBody `json:"body"`
		}{Body: dispatchResponseBody{SessionID: sessionID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-gate",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/gate",
		Summary:     "Approve or deny a pending gate",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   resolveGateBody
	}) (*struct{}, error) {
		if input.Body.Decision != "approve" && input.Body.Decision != "deny" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision must be approve or deny", nil)
		}
		err := cfg.Orchestrator.ResolveGate(ctx, input.TaskID, input.Body.Decision == "approve", input.Body.CommandID)
		return nil, handleError(err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   cancelBody
	}) (*struct{}, error) {
		err := cfg.Orchestrator.Cancel(ctx, input.TaskID, input.Body.Reason, input.Body.CommandID)
		return nil, handleError(err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "quick-dispatch",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/quick-dispatch",
		Summary:     "Run a simple, allowlisted operation immediately",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   quickDispatchBody
	}) (*struct {
		Body quickDispatchResponseBody `json:"body"`
	}, error) {
		result, err := cfg.Orchestrator.QuickDispatch(ctx, input.TaskID, input.Body.Operation, input.Body.Command, input.Body.WorkingDir, input.Body.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body quickDispatchResponseBody `json:"body"`
		}{Body: quickDispatchResponseBody{Success: result.Success, Output: result.Output, Error: result.Error}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-external",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/link-external",
		Summary:     "Link an external task id",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   linkExternalBody
	}) (*struct{}, error) {
		err := cfg.Orchestrator.LinkExternal(ctx, input.TaskID, input.Body.ExternalTaskID, input.Body.CommandID)
		return nil, handleError(err)
	})
}
