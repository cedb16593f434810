// Package conversatorsdk is a minimal typed HTTP client over the
// Conversator REST API, grounded on the teacher's sdk/go/client.go shape.
package conversatorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Conversator HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
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

// InboxItem represents one entry of the inbox feed.
type InboxItem struct {
	InboxID   string `json:"inbox_id"`
	Severity  string `json:"severity"`
	Summary   string `json:"summary"`
	Detail    string `json:"detail,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	EventSeq  int64  `json:"event_seq"`
	CreatedAt string `json:"created_at"`
	ReadAt    string `json:"read_at,omitempty"`
}

// InboxPage wraps the inbox listing response.
type InboxPage struct {
	Items       []InboxItem `json:"items"`
	UnreadCount int         `json:"unread_count"`
}

// Builder represents one entry of the configured builder registry.
type Builder struct {
	Kind   string `json:"kind"`
	Health string `json:"health,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conversator api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// CreateTask starts a new task.
func (c *Client) CreateTask(ctx context.Context, title, priority string) (string, error) {
	body := map[string]any{"title": title, "priority": priority}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp.TaskID, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateWorkingPrompt replaces a task's working prompt content.
func (c *Client) UpdateWorkingPrompt(ctx context.Context, taskID, deltaSummary, content string) error {
	body := map[string]any{"delta_summary": deltaSummary, "content": content}
	return c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/working-prompt", body, nil)
}

// RaiseQuestions raises clarifying questions on a task.
func (c *Client) RaiseQuestions(ctx context.Context, taskID string, questions []string) error {
	body := map[string]any{"questions": questions}
	return c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/questions", body, nil)
}

// AnswerQuestions answers a task's pending clarifying questions.
func (c *Client) AnswerQuestions(ctx context.Context, taskID string, answers map[string]any) error {
	body := map[string]any{"answers": answers}
	return c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/answers", body, nil)
}

// FreezePrompt freezes a task's working prompt into a handoff contract.
func (c *Client) FreezePrompt(ctx context.Context, taskID string, body map[string]any) error {
	return c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/freeze", body, nil)
}

// QuickDispatch runs a simple, allowlisted query or mutation immediately.
func (c *Client) QuickDispatch(ctx context.Context, taskID, operation, command, workingDir string) (success bool, output string, err error) {
	body := map[string]any{"operation": operation, "command": command, "working_dir": workingDir}
	var resp struct {
		Success bool   `json:"success"`
		Output  string `json:"output,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	err = c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/quick-dispatch", body, &resp)
	if err != nil {
		return false, "", err
	}
	if !resp.Success {
		return false, "", fmt.Errorf("conversator: quick dispatch rejected: %s", resp.Error)
	}
	return true, resp.Output, nil
}

// Dispatch sends a task's frozen handoff to a builder.
func (c *Client) Dispatch(ctx context.Context, taskID, builderKind string) (string, error) {
	body := map[string]any{"builder_kind": builderKind}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/dispatch", body, &resp)
	return resp.SessionID, err
}

// ResolveGate approves or denies a task's pending gate.
func (c *Client) ResolveGate(ctx context.Context, taskID string, approve bool) error {
	decision := "deny"
	if approve {
		decision = "approve"
	}
	body := map[string]any{"decision": decision}
	return c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/gate", body, nil)
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, taskID, reason string) error {
	body := map[string]any{"reason": reason}
	return c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/cancel", body, nil)
}

// ListInbox lists inbox items, optionally restricted to unread ones.
func (c *Client) ListInbox(ctx context.Context, unreadOnly bool) (InboxPage, error) {
	endpoint := "inbox"
	if unreadOnly {
		endpoint += "?unread_only=true"
	}
	var resp InboxPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AcknowledgeInbox marks inbox items as read.
func (c *Client) AcknowledgeInbox(ctx context.Context, inboxIDs []string) error {
	body := map[string]any{"inbox_ids": inboxIDs}
	return c.do(ctx, http.MethodPost, "inbox/acknowledge", body, nil)
}

// ListBuilders lists configured builders and their health.
func (c *Client) ListBuilders(ctx context.Context) ([]Builder, error) {
	var resp []Builder
	err := c.do(ctx, http.MethodGet, "builders", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(b, &apiErr)
		return &APIError{StatusCode: resp.StatusCode, Code: apiErr.Error.Code, Message: apiErr.Error.Message}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
