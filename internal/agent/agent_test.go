package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	phases []string
}

func (s *recordingSink) Report(phase string, _ any) {
	s.mu.Lock()
	s.phases = append(s.phases, phase)
	s.mu.Unlock()
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(EchoID, "echoes the prompt", Echo()))
	assert.ErrorIs(t, r.Register(EchoID, "", Echo()), ErrDuplicate)
	assert.Error(t, r.Register(" ", "", Echo()))

	inv, err := r.Resolve(EchoID)
	require.NoError(t, err)
	assert.NotNil(t, inv)

	_, err = r.Resolve("trading-agent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "trading-agent")

	r.Replace("trading-agent", "late registration", Echo())
	assert.Equal(t, []Info{{ID: EchoID, Description: "echoes the prompt"}, {ID: "trading-agent", Description: "late registration"}}, r.List())
	assert.True(t, r.Unregister("trading-agent"))
	assert.False(t, r.Unregister("trading-agent"))
}

func TestEcho(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	res, err := Echo().Invoke(context.Background(), Request{Prompt: "/e_v1"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "/e_v1", res.Output)
	assert.Equal(t, []string{"echo.started", "echo.done"}, sink.phases)

	_, err = Echo().Invoke(context.Background(), Request{Parameters: map[string]any{"fail": "no data"}}, &recordingSink{})
	assert.EqualError(t, err, "no data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo().Invoke(ctx, Request{Parameters: map[string]any{"delay": "1h"}}, &recordingSink{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoteInvoke(t *testing.T) {
	t.Parallel()
	var got remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trading-agent/invoke", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(remoteReply{Type: "ai", Content: "buy nothing"})
	}))
	defer srv.Close()

	sink := &recordingSink{}
	rem := NewRemote(srv.URL+"/", "trading-agent", time.Second)
	res, err := rem.Invoke(context.Background(), Request{
		InvocationID: "inv-1",
		Prompt:       "scan",
		Model:        "gpt-4o",
		Parameters:   map[string]any{"market": "cn"},
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, "buy nothing", res.Output)
	assert.Equal(t, "scan", got.Message)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, "inv-1", got.ThreadID)
	assert.Equal(t, "scheduler", got.UserID)
	assert.Equal(t, "cn", got.AgentConfig["market"])
	assert.Equal(t, []string{"remote.request", "remote.reply"}, sink.phases)
}

func TestRemoteErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, "x", 0).Invoke(context.Background(), Request{}, &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "agent exploded")
}
