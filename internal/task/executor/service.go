package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcron/internal/agent"
	"agentcron/internal/config"
	"agentcron/internal/eventbus"
	rtsup "agentcron/internal/runtime/supervisor"
	"agentcron/internal/task/progress"
	"agentcron/internal/task/record"
	logx "agentcron/pkg/logx"

	"github.com/google/uuid"
)

const persistTimeout = 5 * time.Second

// Resolver looks agents up by id at trigger time.
type Resolver interface {
	Resolve(id string) (agent.Invocable, error)
}

// Persister stores terminal records durably. Optional.
type Persister interface {
	SaveRecord(ctx context.Context, rec record.ExecutionRecord) error
}

type Config struct {
	// DefaultModel is used when a task has no model override.
	DefaultModel string
}

// Request is one firing handed over by the scheduler.
type Request struct {
	Task    config.TaskConfig
	Trigger record.Trigger

	// Admit is called with the new invocation id once the agent resolved.
	// Returning false refuses the run (the job is already running). Nil
	// admits unconditionally.
	Admit func(invocationID string) bool
	// Done is called exactly once for every admitted invocation, after its
	// terminal record is committed.
	Done func(rec record.ExecutionRecord)
}

// Service turns firings into tracked asynchronous agent invocations.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	stopped bool
	running map[string]*invocation

	log      logx.Logger
	bus      eventbus.Bus
	agents   Resolver
	records  *record.Store
	progress *progress.Channel
	persist  Persister
	saves    sync.WaitGroup

	sup *rtsup.Supervisor
}

type invocation struct {
	id     string
	job    string
	cancel context.CancelFunc
	done   chan struct{}
	onDone func(rec record.ExecutionRecord)
}

type Option func(*Service)

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithPersister(p Persister) Option { return func(s *Service) { s.persist = p } }

func New(cfg Config, log logx.Logger, agents Resolver, records *record.Store, ch *progress.Channel, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		running:  map[string]*invocation{},
		log:      log,
		agents:   agents,
		records:  records,
		progress: ch,
	}
	for _, o := range opts {
		o(s)
	}
	s.sup = rtsup.New(context.Background(), rtsup.WithLogger(log))
	return s
}

// Apply swaps settings that are safe to change while running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Execute starts one invocation and returns its id without waiting for it.
//
// A task whose agent does not resolve gets an error record right away and
// Admit is never called. An id is returned in that case too.
func (s *Service) Execute(req Request) (string, error) {
	s.mu.Lock()
	stopped := s.stopped
	defaultModel := s.cfg.DefaultModel
	s.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	task := req.Task
	id := uuid.NewString()
	rec := record.ExecutionRecord{
		InvocationID: id,
		JobName:      task.Name,
		AgentID:      task.Agent,
		Trigger:      req.Trigger,
		Status:       record.StatusRunning,
		StartedAt:    time.Now(),
	}

	inv, err := s.agents.Resolve(task.Agent)
	if err != nil {
		if aerr := s.records.Append(rec); aerr != nil {
			return "", aerr
		}
		final, cerr := s.records.Commit(id, record.Failure(time.Now(), record.KindAgentResolution, err.Error()))
		if cerr == nil {
			s.publish(eventbus.TypeInvocationFailed, final)
			s.saveAsync(final)
		}
		s.log.Warn("agent resolution failed", logx.String("job", task.Name), logx.String("agent", task.Agent), logx.String("invocation", id), logx.Err(err))
		return id, fmt.Errorf("%w: %w", ErrAgentResolution, err)
	}

	ctx, cancel := context.WithCancel(s.sup.Context())
	it := &invocation{id: id, job: task.Name, cancel: cancel, done: make(chan struct{}), onDone: req.Done}

	// Admission and registration happen under one lock so Shutdown never misses an admitted run.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return "", ErrStopped
	}
	if req.Admit != nil && !req.Admit(id) {
		s.mu.Unlock()
		cancel()
		return "", ErrNotAdmitted
	}
	s.running[id] = it
	s.mu.Unlock()

	if err := s.records.Append(rec); err != nil {
		// Only a uuid collision gets here.
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		cancel()
		if req.Done != nil {
			req.Done(rec)
		}
		return "", err
	}
	s.progress.Open(id)
	s.progress.Publish(id, progress.PhaseRunning, map[string]any{"job": task.Name, "agent": task.Agent})
	s.publish(eventbus.TypeInvocationStarted, rec)
	s.log.Info("invocation started", logx.String("job", task.Name), logx.String("agent", task.Agent), logx.String("invocation", id), logx.String("trigger", string(req.Trigger)))

	model := strings.TrimSpace(task.Model)
	if model == "" {
		model = defaultModel
	}
	areq := agent.Request{
		JobName:      task.Name,
		InvocationID: id,
		Prompt:       task.Prompt,
		Model:        model,
		Parameters:   cloneParams(task.Parameters),
	}
	s.sup.Go("invocation."+task.Name, func(context.Context) error {
		res, err := invokeSafe(ctx, inv, areq, s.progress.Sink(id))
		s.complete(it, res, err)
		return nil
	})
	return id, nil
}

// cloneParams deep-copies the decoded parameter tree so agents cannot write
// into the live job table.
func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// invokeSafe turns a panicking agent into an error.
func invokeSafe(ctx context.Context, inv agent.Invocable, req agent.Request, sink agent.ProgressSink) (res agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{v: r, stack: debug.Stack()}
		}
	}()
	return inv.Invoke(ctx, req, sink)
}

func (s *Service) complete(it *invocation, res agent.Result, err error) {
	now := time.Now()
	var out record.Outcome
	var pe panicError
	switch {
	case err == nil:
		out = record.Success(now, res.Output)
	case errors.As(err, &pe):
		s.log.Error("agent panicked", logx.String("job", it.job), logx.String("invocation", it.id), logx.Any("panic", pe.v), logx.String("stack", string(pe.stack)))
		out = record.Failure(now, record.KindPanic, pe.Error())
	default:
		out = record.Failure(now, record.KindAgentInvocation, err.Error())
	}

	final, cerr := s.records.Commit(it.id, out)
	if errors.Is(cerr, record.ErrAlreadyTerminal) {
		// Shutdown already abandoned it; keep the terminal record as is.
		s.log.Warn("late result for abandoned invocation", logx.String("job", it.job), logx.String("invocation", it.id), logx.String("status", string(out.Status)))
		late := final
		late.Status = out.Status
		late.Output = out.Output
		late.Error = out.Error
		s.publish(eventbus.TypeInvocationLateResult, late)
		return
	}
	if cerr != nil {
		s.log.Error("commit failed", logx.String("invocation", it.id), logx.Err(cerr))
		return
	}
	s.finish(it, final)
}

// finish runs once per admitted invocation, right after its terminal commit.
func (s *Service) finish(it *invocation, rec record.ExecutionRecord) {
	phase := progress.PhaseSuccess
	typ := eventbus.TypeInvocationSucceeded
	if rec.Status == record.StatusError {
		phase = progress.PhaseError
		typ = eventbus.TypeInvocationFailed
	}
	s.progress.Publish(it.id, phase, rec.Error)
	s.progress.Close(it.id)

	s.mu.Lock()
	delete(s.running, it.id)
	s.mu.Unlock()
	it.cancel()

	s.save(rec)
	s.publish(typ, rec)
	if rec.Status == record.StatusError {
		s.log.Warn("invocation failed", logx.String("job", rec.JobName), logx.String("invocation", rec.InvocationID),
			logx.String("kind", string(rec.Error.Kind)), logx.String("error", rec.Error.Message), logx.Duration("took", rec.Duration()))
	} else {
		s.log.Info("invocation succeeded", logx.String("job", rec.JobName), logx.String("invocation", rec.InvocationID), logx.Duration("took", rec.Duration()))
	}
	if it.onDone != nil {
		it.onDone(rec)
	}
	close(it.done)
}

func (s *Service) save(rec record.ExecutionRecord) {
	if s.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persist.SaveRecord(ctx, rec); err != nil {
		s.log.Warn("persist record failed", logx.String("invocation", rec.InvocationID), logx.Err(err))
	}
}

// saveAsync persists rec off the caller's goroutine; Execute may be called
// with scheduler locks held. Shutdown waits for pending saves.
func (s *Service) saveAsync(rec record.ExecutionRecord) {
	if s.persist == nil {
		return
	}
	s.mu.Lock()
	async := !s.stopped
	if async {
		s.saves.Add(1)
	}
	s.mu.Unlock()
	if !async {
		s.save(rec)
		return
	}
	s.sup.Go("persist."+rec.JobName, func(context.Context) error {
		defer s.saves.Done()
		s.save(rec)
		return nil
	})
}

func (s *Service) publish(typ string, rec record.ExecutionRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Job: rec.JobName, InvocationID: rec.InvocationID, Data: rec})
}

// Wait blocks until the invocation is terminal and returns its record plus
// the error it ended with, if any.
func (s *Service) Wait(ctx context.Context, id string) (record.ExecutionRecord, error) {
	s.mu.Lock()
	it := s.running[id]
	s.mu.Unlock()
	if it != nil {
		select {
		case <-ctx.Done():
			return record.ExecutionRecord{}, ctx.Err()
		case <-it.done:
		}
	}
	rec, ok := s.records.Get(id)
	if !ok {
		return record.ExecutionRecord{}, fmt.Errorf("%w: %s", record.ErrNotFound, id)
	}
	return rec, RecordError(rec)
}

// RecordError maps a terminal error record back to the error taxonomy.
func RecordError(rec record.ExecutionRecord) error {
	if rec.Status != record.StatusError || rec.Error == nil {
		return nil
	}
	switch rec.Error.Kind {
	case record.KindAgentResolution:
		return fmt.Errorf("%w: %s", ErrAgentResolution, rec.Error.Message)
	case record.KindCancelled:
		return fmt.Errorf("%w: %s", ErrAbandonedOnShutdown, rec.InvocationID)
	default:
		return &AgentInvocationError{Agent: rec.AgentID, Err: errors.New(rec.Error.Message)}
	}
}

// InFlight returns the ids of running invocations, sorted.
func (s *Service) InFlight() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Service) Supervisor() *rtsup.Supervisor { return s.sup }

// Shutdown refuses new work and waits up to timeout for running invocations.
// Whatever is still running afterwards is cancelled and committed as an
// error with kind "cancelled"; the returned error wraps ErrAbandonedOnShutdown
// and names those invocations. A timeout <= 0 does not wait at all.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.stopped = true
	pending := make([]*invocation, 0, len(s.running))
	for _, it := range s.running {
		pending = append(pending, it)
	}
	s.mu.Unlock()

	if timeout > 0 && len(pending) > 0 {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
	wait:
		for _, it := range pending {
			select {
			case <-it.done:
			case <-deadline.C:
				break wait
			}
		}
	}

	var abandoned []string
	for _, it := range pending {
		select {
		case <-it.done:
			continue
		default:
		}
		it.cancel()
		final, err := s.records.Commit(it.id, record.Failure(time.Now(), record.KindCancelled, "abandoned on shutdown"))
		if err != nil {
			// It finished between the check and the commit.
			continue
		}
		abandoned = append(abandoned, it.id)
		s.finish(it, final)
	}
	s.saves.Wait()
	s.sup.Cancel()

	if len(abandoned) == 0 {
		s.log.Info("executor stopped")
		return nil
	}
	sort.Strings(abandoned)
	s.log.Warn("executor stopped; invocations abandoned", logx.Strings("invocations", abandoned))
	return fmt.Errorf("%w: %s", ErrAbandonedOnShutdown, strings.Join(abandoned, ", "))
}
