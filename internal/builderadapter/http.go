package builderadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// HTTPAdapter speaks to a remote builder server that exposes a small
// session API over plain HTTP plus a Server-Sent Events stream. No
// ecosystem SSE client library appears anywhere in the retrieved
// examples, so the frame parser here is a deliberate, narrow stdlib
// exception (see DESIGN.md); everything else about this adapter —
// the client, the timeouts, the JSON bodies — follows the teacher's
// webhook dispatcher style.
type HTTPAdapter struct {
	Endpoint string
	Client   *http.Client

	// StreamClient has no request-level timeout: StreamEvents opens a
	// long-lived SSE body, and http.Client.Timeout bounds the whole
	// request including the time spent reading that body, so a normal
	// timeout-bound client would force-close the stream every timeout
	// interval. Liveness for the stream is governed by the caller's
	// context and the StreamIdle policy instead.
	StreamClient *http.Client
}

// NewHTTPAdapter builds an adapter against a builder's base endpoint.
func NewHTTPAdapter(endpoint string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		Endpoint:     strings.TrimRight(endpoint, "/"),
		Client:       &http.Client{Timeout: timeout},
		StreamClient: &http.Client{},
	}
}

type createSessionBody struct {
	TaskID          string `json:"task_id"`
	HandoffMDPath   string `json:"handoff_md_path"`
	HandoffJSONPath string `json:"handoff_json_path"`
	DefaultModel    string `json:"default_model,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (a *HTTPAdapter) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	body, err := json.Marshal(createSessionBody{
		TaskID:          req.TaskID,
		HandoffMDPath:   req.HandoffMDPath,
		HandoffJSONPath: req.HandoffJSONPath,
		DefaultModel:    req.DefaultModel,
	})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("builderadapter: create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("builderadapter: create session: remote returned %s", resp.Status)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("builderadapter: decode create session response: %w", err)
	}
	return out.SessionID, nil
}

type sendMessageBody struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	GateKind string `json:"gate_kind,omitempty"`
}

func (a *HTTPAdapter) SendMessage(ctx context.Context, sessionID string, msg Message) error {
	body, err := json.Marshal(sendMessageBody{Kind: msg.Kind, Text: msg.Text, GateKind: msg.GateKind})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/sessions/%s/messages", a.Endpoint, sessionID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("builderadapter: send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("builderadapter: send message: remote returned %s", resp.Status)
	}
	return nil
}

func (a *HTTPAdapter) Abort(ctx context.Context, sessionID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/sessions/%s/abort", a.Endpoint, sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("builderadapter: abort: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("builderadapter: abort: remote returned %s", resp.Status)
	}
	return nil
}

type healthResponse struct {
	Status    string        `json:"status"`
	Completed bool          `json:"completed"`
	Reason    string        `json:"reason,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
	Cursor    string        `json:"cursor,omitempty"`
}

func (a *HTTPAdapter) Health(ctx context.Context, sessionID string) (HealthResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/sessions/%s/health", a.Endpoint, sessionID), nil)
	if err != nil {
		return HealthResult{}, err
	}
	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return HealthResult{Status: HealthUnknown}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return HealthResult{Status: HealthUnknown}, nil
	}
	if resp.StatusCode >= 300 {
		return HealthResult{Status: HealthUnknown}, nil
	}

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return HealthResult{Status: HealthUnknown}, nil
	}
	switch h.Status {
	case "running", "paused", "waiting_permission":
		return HealthResult{Status: HealthRunning, Cursor: h.Cursor}, nil
	case "completed", "failed", "aborted":
		return HealthResult{Status: HealthTerminal, Completed: h.Completed, Reason: h.Reason, Artifacts: h.Artifacts, Cursor: h.Cursor}, nil
	default:
		return HealthResult{Status: HealthUnknown}, nil
	}
}

// sseEvent is one raw "event: ...\ndata: ...\n\n" frame.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE scans an SSE body into frames. It stops when ctx is done, the
// stream ends, or a read error occurs; the caller distinguishes a clean
// EOF (remote closed normally) from an error via the returned error.
func readSSE(ctx context.Context, body io.Reader, out chan<- sseEvent) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event, data strings.Builder
	flush := func() bool {
		if data.Len() == 0 {
			return false
		}
		select {
		case out <- sseEvent{Event: event.String(), Data: strings.TrimSuffix(data.String(), "\n")}:
		case <-ctx.Done():
			return true
		}
		event.Reset()
		data.Reset()
		return false
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		switch {
		case line == "":
			if stop := flush(); stop {
				return ctx.Err()
			}
		case strings.HasPrefix(line, "event:"):
			event.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			data.WriteString("\n")
		case strings.HasPrefix(line, ":"):
			// comment / keepalive line, ignored
		}
	}
	flush()
	return scanner.Err()
}

type streamFrame struct {
	Type      string        `json:"type"`
	Status    string        `json:"status,omitempty"`
	GateKind  string        `json:"gate_kind,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
	Cursor    string        `json:"cursor,omitempty"`
}

func (a *HTTPAdapter) StreamEvents(ctx context.Context, sessionID string, fromCursor string) (<-chan RemoteEvent, error) {
	url := fmt.Sprintf("%s/sessions/%s/events", a.Endpoint, sessionID)
	if fromCursor != "" {
		url += "?cursor=" + fromCursor
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.StreamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("builderadapter: open stream: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("builderadapter: open stream: remote returned %s", resp.Status)
	}

	raw := make(chan sseEvent, 16)
	out := make(chan RemoteEvent, 16)

	go func() {
		defer resp.Body.Close()
		defer close(raw)
		_ = readSSE(ctx, resp.Body, raw)
	}()

	go func() {
		defer close(out)
		for frame := range raw {
			var f streamFrame
			if err := json.Unmarshal([]byte(frame.Data), &f); err != nil {
				// Protocol error: malformed remote stream event. Logged
				// here with its raw data; no domain event.
				log.Printf("builderadapter: malformed stream frame for session %s dropped: %v; raw: %s", sessionID, err, frame.Data)
				continue
			}
			select {
			case out <- RemoteEvent{Type: f.Type, Status: f.Status, GateKind: f.GateKind, Reason: f.Reason, Artifacts: f.Artifacts, Cursor: f.Cursor}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
