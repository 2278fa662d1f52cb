package scheduler

import (
	"errors"
	"sync"
	"time"

	"agentcron/internal/config"
	"agentcron/internal/task/record"
	"agentcron/internal/task/schedule"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
	ErrJobDisabled    = errors.New("job disabled")
	ErrShutdown       = errors.New("scheduler shut down")
)

// Options are the scheduler settings that may change at runtime.
type Options struct {
	Location       *time.Location
	HistorySize    int
	MisfireHistory int
	DefaultModel   string
}

// OptionsFrom derives Options from a validated scheduler section.
func OptionsFrom(cfg config.SchedulerConfig) Options {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	return Options{
		Location:       loc,
		HistorySize:    cfg.EffectiveHistorySize(),
		MisfireHistory: cfg.EffectiveMisfireHistory(),
		DefaultModel:   cfg.DefaultModel,
	}
}

// runState is the idle/running gate of one job. It is keyed by job name and
// outlives entry replacement, so a run started by an old definition still
// blocks the new one.
type runState struct {
	mu      sync.Mutex
	running bool
	current string
	since   time.Time
}

func (r *runState) tryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	r.current = id
	r.since = time.Now()
	return true
}

func (r *runState) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != id {
		return
	}
	r.running = false
	r.current = ""
	r.since = time.Time{}
}

// peek returns the running invocation id, if any.
func (r *runState) peek() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.running
}

func (r *runState) snapshot() (id string, since time.Time, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.since, r.running
}

// jobEntry is one installed job. Entries are never mutated after install
// except for entryID; a changed task gets a fresh entry.
type jobEntry struct {
	task    config.TaskConfig
	spec    schedule.ParsedSpec
	entryID cron.EntryID // 0 while dormant or stopped
	spread  time.Duration
	state   *runState
}

// JobStatus is the read-only view of one job.
type JobStatus struct {
	Name              string                  `json:"name"`
	Description       string                  `json:"description,omitempty"`
	Cron              string                  `json:"cron"`
	Agent             string                  `json:"agent"`
	Model             string                  `json:"model,omitempty"`
	Enabled           bool                    `json:"enabled"`
	Running           bool                    `json:"running"`
	CurrentInvocation string                  `json:"current_invocation,omitempty"`
	RunningSince      *time.Time              `json:"running_since,omitempty"`
	Next              *time.Time              `json:"next_run,omitempty"`
	Prev              *time.Time              `json:"prev_run,omitempty"`
	LastRecord        *record.ExecutionRecord `json:"last_record,omitempty"`
	MisfireCount      uint64                  `json:"misfire_count"`
}

// Snapshot is an immutable copy of the scheduler state.
type Snapshot struct {
	Started  bool        `json:"started"`
	Paused   bool        `json:"paused"`
	ShutDown bool        `json:"shut_down"`
	Timezone string      `json:"timezone"`
	InFlight int         `json:"in_flight"`
	Jobs     []JobStatus `json:"jobs"`
}
