package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentcron/internal/agent"
	"agentcron/internal/config"
	"agentcron/internal/eventbus"
	"agentcron/internal/task/executor"
	"agentcron/internal/task/progress"
	"agentcron/internal/task/record"
	logx "agentcron/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	reg   *agent.Registry
	store *record.Store
	bus   eventbus.Bus
	exec  *executor.Service
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:   agent.NewRegistry(),
		store: record.NewStore(20, 20),
		bus:   eventbus.New(),
	}
	f.exec = executor.New(executor.Config{}, logx.Nop(), f.reg, f.store, progress.NewChannel(8), executor.WithBus(f.bus))
	f.svc = New(Options{Location: time.UTC}, f.exec, f.store, logx.Nop(), f.bus)
	t.Cleanup(func() { _ = f.svc.Shutdown(time.Second) })
	require.NoError(t, f.reg.Register(agent.EchoID, "", agent.Echo()))
	return f
}

// blocking registers an agent that holds every invocation until the test ends
// or release is called. It ignores cancellation. release is safe to call more
// than once.
func (f *fixture) blocking(t *testing.T, id string) (started <-chan string, release func()) {
	t.Helper()
	st := make(chan string, 16)
	rel := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(rel) }) }
	t.Cleanup(release)
	require.NoError(t, f.reg.Register(id, "", agent.InvocableFunc(
		func(_ context.Context, req agent.Request, _ agent.ProgressSink) (agent.Result, error) {
			st <- req.InvocationID
			<-rel
			return agent.Result{Output: "done"}, nil
		})))
	return st, release
}

func (f *fixture) entry(t *testing.T, name string) *jobEntry {
	t.Helper()
	f.svc.mu.RLock()
	defer f.svc.mu.RUnlock()
	e := f.svc.jobs[name]
	require.NotNil(t, e, "job %q not installed", name)
	return e
}

func (f *fixture) wait(t *testing.T, id string) (record.ExecutionRecord, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.exec.Wait(ctx, id)
}

func tk(name, cron, agentID string) config.TaskConfig {
	return config.TaskConfig{Name: name, Cron: cron, Agent: agentID, Prompt: "run " + name}
}

func disabled(t config.TaskConfig) config.TaskConfig {
	off := false
	t.Enabled = &off
	return t
}

func schedCfg(tasks ...config.TaskConfig) config.SchedulerConfig {
	return config.SchedulerConfig{Timezone: "UTC", Tasks: tasks}
}

func dailyScan() config.TaskConfig {
	return tk("daily_scan", "0 9 * * 1-5", "trading-agent")
}

func TestReloadTableMatchesConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.svc.Start())

	steps := []struct {
		name  string
		tasks []config.TaskConfig
		want  []string
	}{
		{"initial", []config.TaskConfig{tk("a", "@hourly", "echo"), tk("b", "*/5 * * * *", "echo"), disabled(tk("c", "@daily", "echo"))}, []string{"a", "b", "c"}},
		{"remove and add", []config.TaskConfig{tk("b", "*/5 * * * *", "echo"), tk("d", "30m", "echo")}, []string{"b", "d"}},
		{"reorder and enable", []config.TaskConfig{tk("d", "30m", "echo"), tk("c", "@daily", "echo"), tk("b", "*/5 * * * *", "echo")}, []string{"d", "c", "b"}},
		{"empty", nil, []string{}},
	}
	for _, st := range steps {
		_, err := f.svc.Reload(schedCfg(st.tasks...))
		require.NoError(t, err, st.name)
		assert.Equal(t, st.want, f.svc.Installed(), st.name)

		snap := f.svc.Snapshot()
		require.Len(t, snap.Jobs, len(st.want), st.name)
		for i, js := range snap.Jobs {
			assert.Equal(t, st.want[i], js.Name, st.name)
			assert.Equal(t, js.Enabled, js.Next != nil, "%s: %s next", st.name, js.Name)
		}
	}
}

func TestReloadReportsChanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(tk("a", "@hourly", "echo"), tk("b", "@daily", "echo")))
	require.NoError(t, err)

	changed := tk("b", "@weekly", "echo")
	ch, err := f.svc.Reload(schedCfg(changed, tk("c", "5m", "echo")))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ch.Added)
	assert.Equal(t, []string{"a"}, ch.Removed)
	assert.Equal(t, []string{"b"}, ch.Changed)

	ch, err = f.svc.Reload(schedCfg(changed, tk("c", "5m", "echo")))
	require.NoError(t, err)
	assert.True(t, ch.Empty())
}

func TestReloadDuplicateNamesInstallsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(dailyScan(), tk("daily_scan", "@hourly", "echo")))

	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "duplicate")
	assert.Contains(t, err.Error(), "daily_scan")
	assert.Empty(t, f.svc.Installed())
}

func TestReloadInvalidKeepsLiveTable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(tk("a", "@hourly", "echo")))
	require.NoError(t, err)

	_, err = f.svc.Reload(schedCfg(tk("a", "@hourly", "echo"), tk("b", "61 * * * *", "echo"), tk("", "@daily", "")))
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.GreaterOrEqual(t, len(ve.Violations), 3)
	assert.Equal(t, []string{"a"}, f.svc.Installed())
}

func TestDailyScanTriggerProducesOneRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("trading-agent", "", agent.Echo()))
	_, err := f.svc.Reload(schedCfg(dailyScan()))
	require.NoError(t, err)

	id, err := f.svc.Trigger("daily_scan")
	require.NoError(t, err)
	rec, err := f.wait(t, id)
	require.NoError(t, err)

	recs := f.store.List("daily_scan", 0)
	require.Len(t, recs, 1)
	assert.Equal(t, "daily_scan", recs[0].JobName)
	assert.Equal(t, record.StatusSuccess, rec.Status)
	assert.Equal(t, "run daily_scan", rec.Output)
	assert.Equal(t, record.TriggerManual, rec.Trigger)
	assert.Zero(t, f.store.MisfireCount("daily_scan"))
	assert.Empty(t, f.store.Misfires("daily_scan", 0))
}

func TestTriggerTwiceWhileRunningMisfires(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	started, release := f.blocking(t, "trading-agent")
	_, err := f.svc.Reload(schedCfg(dailyScan()))
	require.NoError(t, err)
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	first, err := f.svc.Trigger("daily_scan")
	require.NoError(t, err)
	assert.Equal(t, first, <-started)

	second, err := f.svc.Trigger("daily_scan")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, second)

	running := f.store.Running()
	require.Len(t, running, 1)
	assert.Equal(t, first, running[0].InvocationID)

	mis := f.store.Misfires("daily_scan", 0)
	require.Len(t, mis, 1)
	assert.Equal(t, first, mis[0].BlockingInvocationID)
	assert.Equal(t, record.TriggerManual, mis[0].Trigger)

	js, ok := NewReader(f.svc).Job("daily_scan")
	require.True(t, ok)
	assert.True(t, js.Running)
	assert.Equal(t, first, js.CurrentInvocation)
	assert.EqualValues(t, 1, js.MisfireCount)

	release()
	rec, err := f.wait(t, first)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSuccess, rec.Status)
	assert.Len(t, f.store.List("daily_scan", 0), 1)

	sawMisfire := false
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.TypeJobMisfire {
			sawMisfire = true
			assert.Equal(t, first, ev.InvocationID)
		}
	}
	assert.True(t, sawMisfire)

	// Idle again: a new trigger is accepted.
	require.Eventually(t, func() bool {
		js, _ := NewReader(f.svc).Job("daily_scan")
		return !js.Running
	}, time.Second, 5*time.Millisecond)
	third, err := f.svc.Trigger("daily_scan")
	require.NoError(t, err)
	_, err = f.wait(t, third)
	require.NoError(t, err)
	assert.Len(t, f.store.List("daily_scan", 0), 2)
}

func TestTimerFiringsNeverOverlap(t *testing.T) {
	t.Parallel()
	for _, n := range []int{2, 3, 10} {
		f := newFixture(t)
		started, release := f.blocking(t, "slow")
		_, err := f.svc.Reload(schedCfg(tk("job", "@every 1m", "slow")))
		require.NoError(t, err)
		e := f.entry(t, "job")

		for range n {
			f.svc.fire(e)
		}
		id := <-started

		recs := f.store.List("job", 0)
		require.Len(t, recs, 1, "n=%d", n)
		assert.Equal(t, record.TriggerTimer, recs[0].Trigger)
		assert.EqualValues(t, n-1, f.store.MisfireCount("job"), "n=%d", n)
		for _, m := range f.store.Misfires("job", 0) {
			assert.Equal(t, id, m.BlockingInvocationID)
			assert.Equal(t, record.TriggerTimer, m.Trigger)
		}
		release()
		_, err = f.wait(t, id)
		require.NoError(t, err)
	}
}

func TestConcurrentTriggersOnDistinctJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var inFlight atomic.Int32
	gate := make(chan struct{})
	require.NoError(t, f.reg.Register("wide", "", agent.InvocableFunc(
		func(_ context.Context, req agent.Request, _ agent.ProgressSink) (agent.Result, error) {
			inFlight.Add(1)
			<-gate
			return agent.Result{Output: req.JobName}, nil
		})))
	_, err := f.svc.Reload(schedCfg(tk("alpha", "@hourly", "wide"), tk("beta", "@hourly", "wide")))
	require.NoError(t, err)

	ids := make(chan [2]string, 2)
	for _, name := range []string{"alpha", "beta"} {
		go func() {
			id, err := f.svc.Trigger(name)
			assert.NoError(t, err)
			ids <- [2]string{name, id}
		}()
	}
	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(gate)

	for range 2 {
		p := <-ids
		rec, err := f.wait(t, p[1])
		require.NoError(t, err)
		assert.Equal(t, p[0], rec.JobName)
		assert.Equal(t, p[0], rec.Output)
		assert.Len(t, f.store.List(p[0], 0), 1)
	}
}

func TestCronOnlyChangeKeepsHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("trading-agent", "", agent.Echo()))
	_, err := f.svc.Reload(schedCfg(dailyScan()))
	require.NoError(t, err)

	for range 2 {
		id, err := f.svc.Trigger("daily_scan")
		require.NoError(t, err)
		_, err = f.wait(t, id)
		require.NoError(t, err)
	}
	before := f.store.List("daily_scan", 0)
	require.Len(t, before, 2)

	moved := dailyScan()
	moved.Cron = "30 8 * * 1-5"
	ch, err := f.svc.Reload(schedCfg(moved))
	require.NoError(t, err)
	assert.Equal(t, []string{"daily_scan"}, ch.Changed)

	assert.Equal(t, before, f.store.List("daily_scan", 0))
	js, ok := NewReader(f.svc).Job("daily_scan")
	require.True(t, ok)
	assert.Equal(t, "30 8 * * 1-5", js.Cron)
	require.NotNil(t, js.LastRecord)
	assert.Equal(t, before[0].InvocationID, js.LastRecord.InvocationID)
}

func TestReplacedJobStillBlockedByInflightRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	started, _ := f.blocking(t, "slow")
	_, err := f.svc.Reload(schedCfg(tk("job", "@hourly", "slow")))
	require.NoError(t, err)
	id, err := f.svc.Trigger("job")
	require.NoError(t, err)
	<-started

	edited := tk("job", "@hourly", "slow")
	edited.Prompt = "new prompt"
	_, err = f.svc.Reload(schedCfg(edited))
	require.NoError(t, err)

	_, err = f.svc.Trigger("job")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, id, f.store.Misfires("job", 1)[0].BlockingInvocationID)

	// Removing it leaves the run alone.
	_, err = f.svc.Reload(schedCfg())
	require.NoError(t, err)
	rec, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, record.StatusRunning, rec.Status)
	_, err = f.svc.Trigger("job")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestTriggerErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(disabled(tk("off", "@hourly", "echo")), tk("ghost", "@hourly", "missing-agent")))
	require.NoError(t, err)

	_, err = f.svc.Trigger("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)

	_, err = f.svc.Trigger("off")
	assert.ErrorIs(t, err, ErrJobDisabled)
	assert.Empty(t, f.store.List("off", 0))

	id, err := f.svc.Trigger("ghost")
	require.ErrorIs(t, err, executor.ErrAgentResolution)
	assert.ErrorIs(t, err, agent.ErrNotFound)
	require.NotEmpty(t, id)
	rec, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, record.KindAgentResolution, rec.Error.Kind)

	js, ok := NewReader(f.svc).Job("ghost")
	require.True(t, ok)
	assert.False(t, js.Running, "a job whose agent does not resolve never becomes running")
	assert.Zero(t, js.MisfireCount)

	rec, err = f.svc.TriggerWait(context.Background(), "ghost")
	assert.ErrorIs(t, err, executor.ErrAgentResolution)
	assert.Equal(t, record.StatusError, rec.Status)
}

func TestPauseSkipsTimerButNotManual(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(tk("job", "@hourly", "echo")))
	require.NoError(t, err)

	f.svc.Pause()
	assert.True(t, f.svc.Snapshot().Paused)
	f.svc.fire(f.entry(t, "job"))
	assert.Empty(t, f.store.List("job", 0))

	rec, err := f.svc.TriggerWait(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, record.TriggerManual, rec.Trigger)

	f.svc.Resume()
	assert.False(t, f.svc.Paused())
}

func TestShutdownZeroAbandonsInflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	started, _ := f.blocking(t, "trading-agent")
	_, err := f.svc.Reload(schedCfg(dailyScan()))
	require.NoError(t, err)
	require.NoError(t, f.svc.Start())

	id, err := f.svc.Trigger("daily_scan")
	require.NoError(t, err)
	<-started

	begin := time.Now()
	err = f.svc.Shutdown(0)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	require.ErrorIs(t, err, executor.ErrAbandonedOnShutdown)
	assert.Contains(t, err.Error(), id)

	rec, ok := f.store.Get(id)
	require.True(t, ok)
	require.True(t, rec.Terminal())
	assert.Equal(t, record.StatusError, rec.Status)
	assert.Equal(t, record.KindCancelled, rec.Error.Kind)
	assert.NotNil(t, rec.FinishedAt)

	_, err = f.svc.Trigger("daily_scan")
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, f.svc.Start(), ErrShutdown)
	_, err = f.svc.Reload(schedCfg(dailyScan()))
	assert.ErrorIs(t, err, ErrShutdown)
	assert.NoError(t, f.svc.Shutdown(0))
	assert.True(t, f.svc.Snapshot().ShutDown)
	assert.Empty(t, f.svc.Installed())
}

func TestStartIsIdempotentAndSnapshotHasFireTimes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(dailyScan(), disabled(tk("off", "@daily", "echo"))))
	require.NoError(t, err)

	before := f.svc.Snapshot()
	assert.False(t, before.Started)
	require.NotNil(t, before.Jobs[0].Next, "preview before start")

	require.NoError(t, f.svc.Start())
	require.NoError(t, f.svc.Start())

	snap := f.svc.Snapshot()
	assert.True(t, snap.Started)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Jobs, 2)
	next := snap.Jobs[0].Next
	require.NotNil(t, next)
	assert.Equal(t, 9, next.In(time.UTC).Hour())
	assert.NotEqual(t, time.Saturday, next.In(time.UTC).Weekday())
	assert.Nil(t, snap.Jobs[1].Next)
	assert.False(t, snap.Jobs[1].Enabled)
}

func TestTimezoneChangeRestartsEngine(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(dailyScan()))
	require.NoError(t, err)
	require.NoError(t, f.svc.Start())

	cfg := schedCfg(dailyScan())
	cfg.Timezone = "Asia/Shanghai"
	_, err = f.svc.Reload(cfg)
	require.NoError(t, err)

	snap := f.svc.Snapshot()
	assert.Equal(t, "Asia/Shanghai", snap.Timezone)
	require.NotNil(t, snap.Jobs[0].Next)
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Jobs[0].Next.In(loc).Hour())
}

func TestCronEngineFiresTimerInvocations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(tk("tick", "* * * * * *", "echo")))
	require.NoError(t, err)
	require.NoError(t, f.svc.Start())

	require.Eventually(t, func() bool {
		recs := f.store.List("tick", 0)
		return len(recs) > 0 && recs[len(recs)-1].Terminal()
	}, 3*time.Second, 20*time.Millisecond)
	oldest := f.store.List("tick", 0)
	assert.Equal(t, record.TriggerTimer, oldest[len(oldest)-1].Trigger)

	js, ok := NewReader(f.svc).Job("tick")
	require.True(t, ok)
	assert.NotNil(t, js.Prev)
}

func TestReaderRecordsSurviveRemoval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.Reload(schedCfg(tk("job", "@hourly", "echo")))
	require.NoError(t, err)
	rec, err := f.svc.TriggerWait(context.Background(), "job")
	require.NoError(t, err)

	_, err = f.svc.Reload(schedCfg())
	require.NoError(t, err)

	r := NewReader(f.svc)
	_, ok := r.Job("job")
	assert.False(t, ok)
	assert.Empty(t, r.Jobs())
	assert.Len(t, r.Records("job", 10), 1)
	got, ok := r.Record(rec.InvocationID)
	require.True(t, ok)
	assert.Equal(t, rec, got)
	assert.Empty(t, r.Misfires("job", 10))
}

func TestRemovedJobStateDroppedAfterRunEnds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	started, release := f.blocking(t, "slow")
	_, err := f.svc.Reload(schedCfg(tk("job", "@hourly", "slow"), dailyScan()))
	require.NoError(t, err)

	id, err := f.svc.Trigger("job")
	require.NoError(t, err)
	<-started
	_, err = f.svc.Trigger("job")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	tracked := func() (state, limiter bool) {
		f.svc.mu.RLock()
		_, state = f.svc.states["job"]
		f.svc.mu.RUnlock()
		f.svc.warnMu.Lock()
		_, limiter = f.svc.warn["job"]
		f.svc.warnMu.Unlock()
		return state, limiter
	}

	_, err = f.svc.Reload(schedCfg(dailyScan()))
	require.NoError(t, err)
	state, limiter := tracked()
	assert.True(t, state, "in-flight run keeps its state")
	assert.True(t, limiter)

	release()
	_, err = f.wait(t, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, limiter := tracked()
		return !state && !limiter
	}, time.Second, 5*time.Millisecond)

	f.svc.mu.RLock()
	_, kept := f.svc.states["daily_scan"]
	f.svc.mu.RUnlock()
	assert.True(t, kept, "installed jobs keep their state")
	assert.Len(t, f.store.List("job", 0), 1)
}
