package scheduler

import (
	"time"

	"agentcron/internal/task/record"
)

// Snapshot returns a consistent copy of the job table with run state, fire
// times and the latest record of every job, in config order.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().In(s.opts.Location)
	out := Snapshot{
		Started:  s.c != nil,
		Paused:   s.paused.Load(),
		ShutDown: s.closed,
		Timezone: s.opts.Location.String(),
		InFlight: len(s.exec.InFlight()),
		Jobs:     make([]JobStatus, 0, len(s.order)),
	}
	for _, name := range s.order {
		out.Jobs = append(out.Jobs, s.jobStatusLocked(s.jobs[name], now))
	}
	return out
}

func (s *Service) jobStatusLocked(e *jobEntry, now time.Time) JobStatus {
	t := e.task
	js := JobStatus{
		Name:         t.Name,
		Description:  t.Description,
		Cron:         t.Cron,
		Agent:        t.Agent,
		Model:        t.Model,
		Enabled:      t.IsEnabled(),
		MisfireCount: s.records.MisfireCount(t.Name),
	}
	if id, since, running := e.state.snapshot(); running {
		js.Running = true
		js.CurrentInvocation = id
		js.RunningSince = &since
	}
	if rec, ok := s.records.Latest(t.Name); ok {
		js.LastRecord = &rec
	}

	switch {
	case s.c != nil && e.entryID != 0:
		ce := s.c.Entry(e.entryID)
		js.Next = timePtr(ce.Next)
		js.Prev = timePtr(ce.Prev)
	case js.Enabled && !s.closed:
		// Not started yet: preview from the parsed schedule.
		js.Next = timePtr(e.spec.Schedule.Next(now))
	}
	return js
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Reader is the read-only status projection consumed by the HTTP API and CLI.
type Reader struct {
	s *Service
}

func NewReader(s *Service) *Reader { return &Reader{s: s} }

func (r *Reader) Scheduler() Snapshot { return r.s.Snapshot() }

func (r *Reader) Jobs() []JobStatus { return r.s.Snapshot().Jobs }

// Job returns the status of one installed job.
func (r *Reader) Job(name string) (JobStatus, bool) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e := r.s.jobs[name]
	if e == nil {
		return JobStatus{}, false
	}
	return r.s.jobStatusLocked(e, time.Now().In(r.s.opts.Location)), true
}

// Records returns up to limit records of name, newest first. History of a
// removed job is still returned.
func (r *Reader) Records(name string, limit int) []record.ExecutionRecord {
	return r.s.records.List(name, limit)
}

func (r *Reader) Misfires(name string, limit int) []record.Misfire {
	return r.s.records.Misfires(name, limit)
}

func (r *Reader) Record(id string) (record.ExecutionRecord, bool) {
	return r.s.records.Get(id)
}
