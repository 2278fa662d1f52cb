package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"agentcron/internal/config"
	"agentcron/internal/eventbus"
	"agentcron/internal/task/executor"
	"agentcron/internal/task/record"
	"agentcron/internal/task/schedule"
	logx "agentcron/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

type Service struct {
	// mu guards the job table and the cron engine. Firings and manual
	// triggers hold the read lock while they launch, so Reload never
	// interleaves with one.
	mu     sync.RWMutex
	opts   Options
	c      *cron.Cron
	jobs   map[string]*jobEntry
	order  []string
	states map[string]*runState
	closed bool

	paused atomic.Bool

	log     logx.Logger
	bus     eventbus.Bus
	exec    *executor.Service
	records *record.Store

	warnMu sync.Mutex
	warn   map[string]*rate.Limiter
}

func New(opts Options, exec *executor.Service, records *record.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	s := &Service{
		opts:    opts,
		jobs:    map[string]*jobEntry{},
		states:  map[string]*runState{},
		log:     log,
		bus:     bus,
		exec:    exec,
		records: records,
		warn:    map[string]*rate.Limiter{},
	}
	records.SetCapacity(opts.HistorySize, opts.MisfireHistory)
	exec.Apply(executor.Config{DefaultModel: opts.DefaultModel})
	return s
}

// Start starts the cron engine. Calling it again is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	if s.c != nil {
		return nil
	}
	s.c = s.newCronLocked()
	for _, name := range s.order {
		s.scheduleLocked(s.jobs[name])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.opts.Location.String()), logx.Int("jobs", len(s.order)))
	return nil
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(cron.WithParser(schedule.Parser), cron.WithLocation(s.opts.Location))
}

// scheduleLocked gives e a timer on the running engine. Dormant entries get none.
func (s *Service) scheduleLocked(e *jobEntry) {
	e.entryID = 0
	e.spread = 0
	if s.c == nil || !e.task.IsEnabled() {
		return
	}
	sched := e.spec.Schedule
	if e.spec.Kind == schedule.SpecInterval {
		sched, e.spread = withStartupSpread(e.spec.Every, time.Now().In(s.opts.Location), e.task.Name)
	}
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))

	if s.log.Enabled(logx.LevelDebug) {
		fields := []logx.Field{logx.String("job", e.task.Name), logx.String("cron", e.spec.Cron)}
		if e.spread > 0 {
			fields = append(fields, logx.Duration("startup_spread", e.spread))
		}
		if runs := nextRuns(sched, s.opts.Location, 3); len(runs) > 0 {
			fields = append(fields, logx.String("next", schedule.FormatRuns(runs)))
		}
		s.log.Debug("job scheduled", fields...)
	}
}

func (s *Service) unscheduleLocked(e *jobEntry) {
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
}

// restartLocked rebuilds the engine with the current location. The old
// engine is not awaited: its in-flight callbacks need s.mu.
func (s *Service) restartLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = s.newCronLocked()
	for _, name := range s.order {
		s.scheduleLocked(s.jobs[name])
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.opts.Location.String()), logx.Int("jobs", len(s.order)))
}

func (s *Service) stateLocked(name string) *runState {
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

// Apply changes runtime settings. A timezone change restarts the engine.
func (s *Service) Apply(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(opts)
}

func (s *Service) applyLocked(opts Options) {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	oldLoc := s.opts.Location
	s.opts = opts
	s.records.SetCapacity(opts.HistorySize, opts.MisfireHistory)
	s.exec.Apply(executor.Config{DefaultModel: opts.DefaultModel})
	if oldLoc.String() != opts.Location.String() {
		s.restartLocked()
	}
}

// Reload installs cfg.Tasks as the new job table. cfg is validated first and
// nothing changes when it is invalid. Unchanged jobs keep their timers;
// removed jobs lose theirs but an in-flight run is left alone.
func (s *Service) Reload(cfg config.SchedulerConfig) (config.TaskChanges, error) {
	if err := config.ValidateScheduler(cfg); err != nil {
		return config.TaskChanges{}, err
	}
	specs := make(map[string]schedule.ParsedSpec, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		ps, err := schedule.Parse(t.Cron)
		if err != nil {
			return config.TaskChanges{}, fmt.Errorf("task %q: %w", t.Name, err)
		}
		specs[t.Name] = ps
	}
	opts := OptionsFrom(cfg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return config.TaskChanges{}, ErrShutdown
	}
	s.applyLocked(opts)

	old := make([]config.TaskConfig, 0, len(s.order))
	for _, name := range s.order {
		old = append(old, s.jobs[name].task)
	}
	changes := config.SummarizeTaskChanges(old, cfg.Tasks)

	for _, name := range changes.Removed {
		e := s.jobs[name]
		s.unscheduleLocked(e)
		delete(s.jobs, name)
		if _, busy := e.state.peek(); !busy {
			s.dropLocked(name)
		}
	}
	order := make([]string, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		order = append(order, t.Name)
		if e, ok := s.jobs[t.Name]; ok {
			if config.TaskEqual(e.task, t) {
				continue
			}
			s.unscheduleLocked(e)
		}
		e := &jobEntry{task: t, spec: specs[t.Name], state: s.stateLocked(t.Name)}
		s.jobs[t.Name] = e
		s.scheduleLocked(e)
	}
	s.order = order
	s.mu.Unlock()

	if !changes.Empty() {
		s.log.Info("jobs reloaded",
			logx.Strings("added", changes.Added),
			logx.Strings("removed", changes.Removed),
			logx.Strings("changed", changes.Changed),
			logx.Int("jobs", len(order)))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerReloaded, Data: changes})
	}
	return changes, nil
}

// Installed returns the installed job names in config order.
func (s *Service) Installed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// fire is the cron callback. It never panics into the engine.
func (s *Service) fire(e *jobEntry) {
	name := e.task.Name
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("firing panicked", logx.String("job", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if s.paused.Load() {
		s.log.Debug("firing skipped; scheduler paused", logx.String("job", name))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	// A replaced or removed entry can still fire once while Reload holds the lock.
	if s.closed || s.jobs[name] != e {
		return
	}
	_, _ = s.launchLocked(e, record.TriggerTimer)
}

// launchLocked hands one firing to the executor. Caller holds s.mu (read).
func (s *Service) launchLocked(e *jobEntry, trig record.Trigger) (string, error) {
	st := e.state
	if blocking, busy := st.peek(); busy {
		s.misfire(e.task.Name, trig, blocking)
		return "", fmt.Errorf("%w: %q (invocation %s)", ErrAlreadyRunning, e.task.Name, blocking)
	}

	id, err := s.exec.Execute(executor.Request{
		Task:    e.task,
		Trigger: trig,
		Admit:   st.tryAcquire,
		Done: func(rec record.ExecutionRecord) {
			st.release(rec.InvocationID)
			// Done can run under s.mu (read).
			go s.forgetRemoved(e.task.Name, st)
		},
	})
	switch {
	case errors.Is(err, executor.ErrNotAdmitted):
		blocking, _ := st.peek()
		s.misfire(e.task.Name, trig, blocking)
		return "", fmt.Errorf("%w: %q (invocation %s)", ErrAlreadyRunning, e.task.Name, blocking)
	case errors.Is(err, executor.ErrStopped):
		return "", ErrShutdown
	}
	return id, err
}

// dropLocked forgets the run state and misfire throttle of a job that is no
// longer installed. Caller holds s.mu.
func (s *Service) dropLocked(name string) {
	delete(s.states, name)
	s.warnMu.Lock()
	delete(s.warn, name)
	s.warnMu.Unlock()
}

// forgetRemoved drops st once its job was removed while it ran.
func (s *Service) forgetRemoved(name string, st *runState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, installed := s.jobs[name]; installed || s.states[name] != st {
		return
	}
	if _, busy := st.peek(); busy {
		return
	}
	s.dropLocked(name)
}

// Trigger fires name now and returns the invocation id without waiting.
// A running job is not interrupted: the call misfires with ErrAlreadyRunning.
// When the agent does not resolve, both the id of the error record and an
// error wrapping executor.ErrAgentResolution are returned.
func (s *Service) Trigger(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrShutdown
	}
	e := s.jobs[name]
	if e == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if !e.task.IsEnabled() {
		return "", fmt.Errorf("%w: %q", ErrJobDisabled, name)
	}
	return s.launchLocked(e, record.TriggerManual)
}

// TriggerWait is Trigger followed by waiting for the terminal record. The
// returned error reflects the invocation outcome.
func (s *Service) TriggerWait(ctx context.Context, name string) (record.ExecutionRecord, error) {
	id, err := s.Trigger(name)
	if id == "" {
		return record.ExecutionRecord{}, err
	}
	return s.exec.Wait(ctx, id)
}

// Pause skips timer firings until Resume. Manual triggers still run.
func (s *Service) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		s.log.Info("scheduler paused")
	}
}

func (s *Service) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		s.log.Info("scheduler resumed")
	}
}

func (s *Service) Paused() bool { return s.paused.Load() }

// Shutdown stops the engine, refuses further firings and drains the executor
// for up to timeout. A timeout <= 0 does not wait. Invocations still running
// afterwards are abandoned and reported through an error wrapping
// executor.ErrAbandonedOnShutdown. Later calls return nil.
func (s *Service) Shutdown(timeout time.Duration) error {
	start := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.c
	s.c = nil
	s.jobs = map[string]*jobEntry{}
	s.order = nil
	s.mu.Unlock()
	s.log.Info("scheduler stopping", logx.Duration("timeout", timeout))

	if c != nil {
		stopped := c.Stop()
		if timeout > 0 {
			t := time.NewTimer(timeout)
			select {
			case <-stopped.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}

	remaining := time.Duration(0)
	if timeout > 0 {
		remaining = max(timeout-time.Since(start), 0)
	}
	err := s.exec.Shutdown(remaining)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

func nextRuns(sched cron.Schedule, loc *time.Location, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := time.Now().In(loc)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
