package record

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound        = errors.New("record: not found")
	ErrAlreadyTerminal = errors.New("record: already terminal")
	ErrDuplicate       = errors.New("record: duplicate invocation id")
)

const DefaultCapacity = 20

// Store is the bounded, per-job ledger of execution records and misfires.
//
// Reads run concurrently with each other; Append/Commit/eviction take the
// exclusive lock. Eviction is oldest-first and skips running records.
type Store struct {
	mu sync.RWMutex

	capacity   int
	misfireCap int

	jobs map[string]*jobHistory
	byID map[string]*ExecutionRecord
}

type jobHistory struct {
	records  []*ExecutionRecord // oldest first
	misfires []Misfire          // oldest first
	misfired uint64             // total, including evicted
}

func NewStore(capacity, misfireCapacity int) *Store {
	s := &Store{
		jobs: make(map[string]*jobHistory),
		byID: make(map[string]*ExecutionRecord),
	}
	s.SetCapacity(capacity, misfireCapacity)
	return s
}

// SetCapacity changes retention limits. Shrinking evicts on the next append.
func (s *Store) SetCapacity(capacity, misfireCapacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if misfireCapacity <= 0 {
		misfireCapacity = DefaultCapacity
	}
	s.mu.Lock()
	s.capacity = capacity
	s.misfireCap = misfireCapacity
	s.mu.Unlock()
}

func (s *Store) history(job string) *jobHistory {
	h := s.jobs[job]
	if h == nil {
		h = &jobHistory{}
		s.jobs[job] = h
	}
	return h
}

// Append adds a record (normally in state running) to its job's history.
func (s *Store) Append(rec ExecutionRecord) error {
	if rec.InvocationID == "" || rec.JobName == "" {
		return fmt.Errorf("record: invocation id and job name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.InvocationID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.InvocationID)
	}
	r := rec.clone()
	h := s.history(r.JobName)
	h.records = append(h.records, &r)
	s.byID[r.InvocationID] = &r
	s.evictLocked(h)
	return nil
}

// evictLocked drops the oldest non-running records until the job fits its capacity.
func (s *Store) evictLocked(h *jobHistory) {
	over := len(h.records) - s.capacity
	if over <= 0 {
		return
	}
	kept := h.records[:0]
	for _, r := range h.records {
		if over > 0 && r.Terminal() {
			delete(s.byID, r.InvocationID)
			over--
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(h.records); i++ {
		h.records[i] = nil
	}
	h.records = kept
}

// Commit applies the single terminal transition of a running record.
func (s *Store) Commit(id string, out Outcome) (ExecutionRecord, error) {
	if !out.Status.Terminal() {
		return ExecutionRecord{}, fmt.Errorf("record: commit with non-terminal status %q", out.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Terminal() {
		return r.clone(), ErrAlreadyTerminal
	}
	at := out.FinishedAt
	r.Status = out.Status
	r.FinishedAt = &at
	if out.Status == StatusError {
		r.Error = out.Error
		if r.Error == nil {
			r.Error = &ErrorDetail{Kind: KindAgentInvocation}
		}
	} else {
		r.Output = out.Output
	}
	s.evictLocked(s.history(r.JobName))
	return r.clone(), nil
}

// List returns up to limit records for job, newest first. limit <= 0 means all.
func (s *Store) List(job string, limit int) []ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.jobs[job]
	if h == nil {
		return nil
	}
	n := len(h.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ExecutionRecord, 0, n)
	for i := len(h.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.records[i].clone())
	}
	return out
}

// Latest returns the most recently started record of job.
func (s *Store) Latest(job string) (ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.jobs[job]
	if h == nil || len(h.records) == 0 {
		return ExecutionRecord{}, false
	}
	return h.records[len(h.records)-1].clone(), true
}

func (s *Store) Get(id string) (ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return ExecutionRecord{}, false
	}
	return r.clone(), true
}

// Running returns all records still in state running.
func (s *Store) Running() []ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionRecord
	for _, r := range s.byID {
		if !r.Terminal() {
			out = append(out, r.clone())
		}
	}
	return out
}

func (s *Store) RecordMisfire(m Misfire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history(m.JobName)
	h.misfired++
	h.misfires = append(h.misfires, m)
	if over := len(h.misfires) - s.misfireCap; over > 0 {
		h.misfires = append(h.misfires[:0], h.misfires[over:]...)
	}
}

// Misfires returns up to limit misfires for job, newest first.
func (s *Store) Misfires(job string, limit int) []Misfire {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.jobs[job]
	if h == nil {
		return nil
	}
	n := len(h.misfires)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Misfire, 0, n)
	for i := len(h.misfires) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.misfires[i])
	}
	return out
}

// MisfireCount is the total number of misfires seen for job, including evicted ones.
func (s *Store) MisfireCount(job string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.jobs[job]; h != nil {
		return h.misfired
	}
	return 0
}

// Restore loads terminal records from durable storage (any order).
// Running and already-known records are skipped. It returns how many were added.
func (s *Store) Restore(recs []ExecutionRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if !rec.Terminal() || rec.InvocationID == "" || rec.JobName == "" {
			continue
		}
		if _, ok := s.byID[rec.InvocationID]; ok {
			continue
		}
		r := rec.clone()
		h := s.history(r.JobName)
		h.records = insertByStart(h.records, &r)
		s.byID[r.InvocationID] = &r
		n++
	}
	for _, h := range s.jobs {
		s.evictLocked(h)
	}
	return n
}

func insertByStart(rs []*ExecutionRecord, r *ExecutionRecord) []*ExecutionRecord {
	i := len(rs)
	for i > 0 && rs[i-1].StartedAt.After(r.StartedAt) {
		i--
	}
	rs = append(rs, nil)
	copy(rs[i+1:], rs[i:])
	rs[i] = r
	return rs
}
