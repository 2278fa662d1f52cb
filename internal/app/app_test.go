package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentcron/internal/config"
	"agentcron/internal/notifier"
	"agentcron/internal/storage"
	"agentcron/internal/task/record"
	logx "agentcron/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, tasks string) string {
	t.Helper()
	body := fmt.Sprintf(`
logging:
  level: error
scheduler:
  timezone: UTC
  shutdown_timeout: 2s
  tasks:
%s
http:
  enabled: true
  addr: 127.0.0.1:0
storage:
  driver: file
  path: %s
`, tasks, filepath.Join(dir, "agentcron"))
	path := filepath.Join(dir, "agentcron.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const echoTask = `    - name: smoke
      cron: "@every 1h"
      agent: echo
      prompt: hello`

func startApp(t *testing.T, path string) *App {
	t.Helper()
	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	require.Eventually(t, func() bool { return a.HTTPAddr() != "" }, 3*time.Second, 10*time.Millisecond)
	return a
}

func TestTriggerOverHTTPIsPersistedAndRestored(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, echoTask)
	a := startApp(t, path)

	resp, err := http.Post("http://"+a.HTTPAddr()+"/api/jobs/smoke/trigger", "application/json", nil)
	require.NoError(t, err)
	var body struct {
		InvocationID string `json:"invocation_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, body.InvocationID)

	require.Eventually(t, func() bool {
		rec, ok := a.Reader().Record(body.InvocationID)
		return ok && rec.Terminal()
	}, 3*time.Second, 10*time.Millisecond)
	rec, _ := a.Reader().Record(body.InvocationID)
	assert.Equal(t, record.StatusSuccess, rec.Status)
	assert.Equal(t, "hello", rec.Output)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))

	b := startApp(t, path)
	restored, ok := b.Reader().Record(body.InvocationID)
	require.True(t, ok, "record should be restored from storage")
	assert.Equal(t, record.StatusSuccess, restored.Status)
	assert.Equal(t, record.TriggerManual, restored.Trigger)
}

func TestConfigReloadReplacesJobTable(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, echoTask)
	a := startApp(t, path)
	assert.Equal(t, []string{"smoke"}, a.Scheduler().Installed())

	writeConfig(t, dir, echoTask+`
    - name: nightly
      cron: "0 2 * * *"
      agent: echo`)
	resp, err := http.Post("http://"+a.HTTPAddr()+"/api/scheduler/reload", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(a.Scheduler().Installed()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	js, ok := a.Reader().Job("nightly")
	require.True(t, ok)
	require.NotNil(t, js.Next)
	assert.Equal(t, 2, js.Next.UTC().Hour())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `    - name: bad
      cron: "not a cron"
      agent: echo`)
	_, err := New(path)
	require.Error(t, err)
}

type closeCountingStore struct {
	storage.Store
	closed int
}

func (s *closeCountingStore) LoadRecords(context.Context, int) ([]record.ExecutionRecord, error) {
	return nil, nil
}

func (s *closeCountingStore) Close() error {
	s.closed++
	return nil
}

// Not parallel: swaps package-level constructors.
func TestNewClosesStorageWhenLaterSetupFails(t *testing.T) {
	st := &closeCountingStore{}
	prevOpen, prevSender := openStorage, newSender
	t.Cleanup(func() { openStorage, newSender = prevOpen, prevSender })
	openStorage = func(storage.Config, logx.Logger) (storage.Store, error) { return st, nil }
	newSender = func(*config.NotifierConfig) (notifier.Sender, error) {
		return nil, errors.New("telegram unreachable")
	}

	dir := t.TempDir()
	path := writeConfig(t, dir, echoTask)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("notifier:\n  enabled: true\n  token: \"123:abc\"\n  chat_id: 42\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = New(path)
	require.ErrorContains(t, err, "telegram unreachable")
	assert.Equal(t, 1, st.closed)
}
