package agent

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

// Remote calls an agent hosted by the external agent service:
//
//	POST <base>/<agent id>/invoke
//	{"message": prompt, "model": model, "thread_id": invocation id, "user_id": "scheduler", "agent_config": parameters}
//
// and returns the "content" field of the JSON reply.
type Remote struct {
	BaseURL string
	AgentID string
	Client  *http.Client
}

// NewRemote returns a remote agent. timeout <= 0 means no client timeout.
func NewRemote(baseURL, agentID string, timeout time.Duration) *Remote {
	return &Remote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		AgentID: agentID,
		Client:  &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	Message     string         `json:"message"`
	Model       string         `json:"model,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	UserID      string         `json:"user_id"`
	AgentConfig map[string]any `json:"agent_config,omitempty"`
}

type remoteReply struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (r *Remote) Invoke(ctx context.Context, req Request, sink ProgressSink) (Result, error) {
	body, err := json.Marshal(remoteRequest{
		Message:     req.Prompt,
		Model:       req.Model,
		ThreadID:    req.InvocationID,
		UserID:      "scheduler",
		AgentConfig: req.Parameters,
	})
	if err != nil {
		return Result{}, fmt.Errorf("remote %s: encode: %w", r.AgentID, err)
	}

	endpoint := r.BaseURL + "/" + url.PathEscape(r.AgentID) + "/invoke"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("remote %s: %w", r.AgentID, err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	sink.Report("remote.request", map[string]any{"agent": r.AgentID})
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return Result{}, fmt.Errorf("remote %s: %w", r.AgentID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("remote %s: read reply: %w", r.AgentID, err)
	}
	if resp.StatusCode/100 != 2 {
		return Result{}, fmt.Errorf("remote %s: status %d: %s", r.AgentID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var reply remoteReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Result{}, fmt.Errorf("remote %s: decode reply: %w", r.AgentID, err)
	}
	sink.Report("remote.reply", map[string]any{"type": reply.Type})
	return Result{Output: reply.Content}, nil
}
