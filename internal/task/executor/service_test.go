package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentcron/internal/agent"
	"agentcron/internal/config"
	"agentcron/internal/eventbus"
	"agentcron/internal/task/progress"
	"agentcron/internal/task/record"
	logx "agentcron/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu   sync.Mutex
	recs []record.ExecutionRecord
}

func (p *memPersister) SaveRecord(_ context.Context, rec record.ExecutionRecord) error {
	p.mu.Lock()
	p.recs = append(p.recs, rec)
	p.mu.Unlock()
	return nil
}

func (p *memPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recs)
}

type fixture struct {
	reg     *agent.Registry
	store   *record.Store
	ch      *progress.Channel
	bus     eventbus.Bus
	persist *memPersister
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:     agent.NewRegistry(),
		store:   record.NewStore(10, 10),
		ch:      progress.NewChannel(16),
		bus:     eventbus.New(),
		persist: &memPersister{},
	}
	f.svc = New(Config{DefaultModel: "default-model"}, logx.Nop(), f.reg, f.store, f.ch,
		WithBus(f.bus), WithPersister(f.persist))
	return f
}

func task(name, agentID string) config.TaskConfig {
	return config.TaskConfig{Name: name, Cron: "0 9 * * 1-5", Agent: agentID, Prompt: "scan"}
}

func waitRec(t *testing.T, svc *Service, id string) (record.ExecutionRecord, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return svc.Wait(ctx, id)
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var gotModel atomic.Value
	require.NoError(t, f.reg.Register("trading-agent", "", agent.InvocableFunc(
		func(_ context.Context, req agent.Request, sink agent.ProgressSink) (agent.Result, error) {
			gotModel.Store(req.Model)
			sink.Report("analysing", nil)
			return agent.Result{Output: "  all quiet  "}, nil
		})))

	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	done := make(chan record.ExecutionRecord, 1)
	id, err := f.svc.Execute(Request{
		Task:    task("daily_scan", "trading-agent"),
		Trigger: record.TriggerManual,
		Done:    func(rec record.ExecutionRecord) { done <- rec },
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := waitRec(t, f.svc, id)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, rec.Status)
	assert.Equal(t, "all quiet", rec.Output)
	assert.Equal(t, "daily_scan", rec.JobName)
	assert.Equal(t, record.TriggerManual, rec.Trigger)
	assert.NotNil(t, rec.FinishedAt)
	assert.Equal(t, "default-model", gotModel.Load())

	assert.Equal(t, id, (<-done).InvocationID)
	assert.Equal(t, eventbus.TypeInvocationStarted, (<-events).Type)
	assert.Equal(t, eventbus.TypeInvocationSucceeded, (<-events).Type)
	assert.Equal(t, 1, f.persist.count())
	assert.Empty(t, f.svc.InFlight())
}

func TestResolutionFailureNeverAdmits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	admitted := false
	doneCalled := false

	id, err := f.svc.Execute(Request{
		Task:    task("daily_scan", "trading-agent"),
		Trigger: record.TriggerTimer,
		Admit:   func(string) bool { admitted = true; return true },
		Done:    func(record.ExecutionRecord) { doneCalled = true },
	})
	require.ErrorIs(t, err, ErrAgentResolution)
	assert.ErrorIs(t, err, agent.ErrNotFound)
	assert.False(t, admitted)
	assert.False(t, doneCalled)

	rec, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, record.StatusError, rec.Status)
	assert.Equal(t, record.KindAgentResolution, rec.Error.Kind)

	_, werr := f.svc.Wait(context.Background(), id)
	assert.ErrorIs(t, werr, ErrAgentResolution)
	assert.Eventually(t, func() bool { return f.persist.count() == 1 }, time.Second, 5*time.Millisecond)
}

type gatedPersister struct {
	memPersister
	gate chan struct{}
}

func (p *gatedPersister) SaveRecord(ctx context.Context, rec record.ExecutionRecord) error {
	<-p.gate
	return p.memPersister.SaveRecord(ctx, rec)
}

func TestResolutionFailureDoesNotWaitForStorage(t *testing.T) {
	t.Parallel()
	persist := &gatedPersister{gate: make(chan struct{})}
	store := record.NewStore(10, 10)
	svc := New(Config{}, logx.Nop(), agent.NewRegistry(), store, progress.NewChannel(4), WithPersister(persist))

	returned := make(chan error, 1)
	go func() {
		_, err := svc.Execute(Request{Task: task("daily_scan", "missing-agent")})
		returned <- err
	}()
	select {
	case err := <-returned:
		assert.ErrorIs(t, err, ErrAgentResolution)
	case <-time.After(time.Second):
		close(persist.gate)
		t.Fatal("Execute blocked on a slow store")
	}
	assert.Zero(t, persist.count())

	close(persist.gate)
	require.NoError(t, svc.Shutdown(0))
	assert.Equal(t, 1, persist.count())
}

func TestAdmitRefused(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register(agent.EchoID, "", agent.Echo()))

	id, err := f.svc.Execute(Request{Task: task("a", agent.EchoID), Admit: func(string) bool { return false }})
	assert.ErrorIs(t, err, ErrNotAdmitted)
	assert.Empty(t, id)
	assert.Empty(t, f.store.List("a", 0))
}

func TestAgentErrorAndPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("fails", "", agent.InvocableFunc(
		func(context.Context, agent.Request, agent.ProgressSink) (agent.Result, error) {
			return agent.Result{}, errors.New("upstream 500")
		})))
	require.NoError(t, f.reg.Register("panics", "", agent.InvocableFunc(
		func(context.Context, agent.Request, agent.ProgressSink) (agent.Result, error) {
			panic("nil map")
		})))

	id, err := f.svc.Execute(Request{Task: task("a", "fails")})
	require.NoError(t, err)
	rec, err := waitRec(t, f.svc, id)
	var aie *AgentInvocationError
	require.ErrorAs(t, err, &aie)
	assert.Equal(t, "fails", aie.Agent)
	assert.Equal(t, record.KindAgentInvocation, rec.Error.Kind)
	assert.Equal(t, "upstream 500", rec.Error.Message)
	assert.Empty(t, rec.Output)

	id, err = f.svc.Execute(Request{Task: task("b", "panics")})
	require.NoError(t, err)
	rec, err = waitRec(t, f.svc, id)
	require.Error(t, err)
	assert.Equal(t, record.KindPanic, rec.Error.Kind)
	assert.Contains(t, rec.Error.Message, "nil map")
}

func TestProgressStreamEndsAtTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	subscribed := make(chan *progress.Subscription, 1)
	require.NoError(t, f.reg.Register("slow", "", agent.InvocableFunc(
		func(_ context.Context, req agent.Request, sink agent.ProgressSink) (agent.Result, error) {
			sub, err := f.ch.Subscribe(req.InvocationID, 8)
			if err != nil {
				return agent.Result{}, err
			}
			subscribed <- sub
			<-release
			sink.Report("fetching", map[string]any{"symbols": 3})
			return agent.Result{Output: "ok"}, nil
		})))

	id, err := f.svc.Execute(Request{Task: task("a", "slow")})
	require.NoError(t, err)
	sub := <-subscribed
	close(release)

	var phases []string
	for ev := range sub.C() {
		assert.Equal(t, id, ev.InvocationID)
		phases = append(phases, ev.Phase)
	}
	assert.Equal(t, []string{"fetching", progress.PhaseSuccess}, phases)

	_, err = f.ch.Subscribe(id, 1)
	assert.ErrorIs(t, err, progress.ErrUnknownInvocation)
}

func TestShutdownZeroAbandons(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	// Ignores cancellation so its result arrives after the abandon.
	require.NoError(t, f.reg.Register("stubborn", "", agent.InvocableFunc(
		func(context.Context, agent.Request, agent.ProgressSink) (agent.Result, error) {
			close(started)
			<-release
			return agent.Result{Output: "too late"}, nil
		})))

	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	var doneCount atomic.Int32
	id, err := f.svc.Execute(Request{Task: task("a", "stubborn"), Done: func(record.ExecutionRecord) { doneCount.Add(1) }})
	require.NoError(t, err)
	<-started

	begin := time.Now()
	err = f.svc.Shutdown(0)
	assert.Less(t, time.Since(begin), time.Second)
	require.ErrorIs(t, err, ErrAbandonedOnShutdown)
	assert.Contains(t, err.Error(), id)

	rec, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, record.StatusError, rec.Status)
	assert.Equal(t, record.KindCancelled, rec.Error.Kind)
	assert.EqualValues(t, 1, doneCount.Load())

	close(release)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeInvocationLateResult {
				continue
			}
			late := ev.Data.(record.ExecutionRecord)
			assert.Equal(t, "too late", late.Output)
			rec, _ = f.store.Get(id)
			assert.Equal(t, record.KindCancelled, rec.Error.Kind, "late result never overwrites")
			assert.EqualValues(t, 1, doneCount.Load())
			return
		case <-deadline:
			t.Fatal("late result event not published")
		}
	}
}

func TestShutdownWaitsForFastInvocations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register(agent.EchoID, "", agent.Echo()))
	tk := task("a", agent.EchoID)
	tk.Parameters = map[string]any{"delay": "20ms"}

	id, err := f.svc.Execute(Request{Task: tk})
	require.NoError(t, err)
	require.NoError(t, f.svc.Shutdown(2*time.Second))

	rec, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, record.StatusSuccess, rec.Status)

	_, err = f.svc.Execute(Request{Task: tk})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestConcurrentDistinctJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var inFlight, peak atomic.Int32
	gate := make(chan struct{})
	require.NoError(t, f.reg.Register("wide", "", agent.InvocableFunc(
		func(context.Context, agent.Request, agent.ProgressSink) (agent.Result, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gate
			inFlight.Add(-1)
			return agent.Result{}, nil
		})))

	idA, err := f.svc.Execute(Request{Task: task("a", "wide")})
	require.NoError(t, err)
	idB, err := f.svc.Execute(Request{Task: task("b", "wide")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(gate)

	ra, err := waitRec(t, f.svc, idA)
	require.NoError(t, err)
	rb, err := waitRec(t, f.svc, idB)
	require.NoError(t, err)
	assert.Equal(t, "a", ra.JobName)
	assert.Equal(t, "b", rb.JobName)
	assert.EqualValues(t, 2, peak.Load())
}

func TestAgentGetsPrivateParameters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("writer", "", agent.InvocableFunc(
		func(_ context.Context, req agent.Request, _ agent.ProgressSink) (agent.Result, error) {
			req.Parameters["symbols"].([]any)[0] = "ETH"
			req.Parameters["limits"].(map[string]any)["max"] = 0
			req.Parameters["added"] = true
			return agent.Result{Output: "ok"}, nil
		})))

	tc := task("daily_scan", "writer")
	tc.Parameters = map[string]any{
		"symbols": []any{"BTC", "SOL"},
		"limits":  map[string]any{"max": 5},
	}
	id, err := f.svc.Execute(Request{Task: tc})
	require.NoError(t, err)
	_, err = waitRec(t, f.svc, id)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"symbols": []any{"BTC", "SOL"},
		"limits":  map[string]any{"max": 5},
	}, tc.Parameters)
}
