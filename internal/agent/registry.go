// Package agent defines the capability the scheduler invokes and the
// registry that resolves agent ids to implementations.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound  = errors.New("agent: not found")
	ErrDuplicate = errors.New("agent: already registered")
)

// ProgressSink receives progress reports while an invocation runs.
// Implementations must not block.
type ProgressSink interface {
	Report(phase string, payload any)
}

// Request is what one invocation hands to the agent.
type Request struct {
	JobName      string
	InvocationID string
	Prompt       string
	// Model is the resolved model name (task override or scheduler default). May be empty.
	Model      string
	Parameters map[string]any
}

// Result is an agent's final answer. Output is opaque to the scheduler.
type Result struct {
	Output string
}

// Invocable is the capability every agent provides.
type Invocable interface {
	Invoke(ctx context.Context, req Request, sink ProgressSink) (Result, error)
}

// InvocableFunc adapts a plain function to Invocable.
type InvocableFunc func(ctx context.Context, req Request, sink ProgressSink) (Result, error)

func (f InvocableFunc) Invoke(ctx context.Context, req Request, sink ProgressSink) (Result, error) {
	return f(ctx, req, sink)
}

// Info describes a registered agent.
type Info struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

type entry struct {
	info Info
	inv  Invocable
}

// Registry maps agent ids to implementations. Agents may be registered after
// the config is loaded; lookups happen at trigger time.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]entry{}}
}

func (r *Registry) Register(id, description string, inv Invocable) error {
	id = strings.TrimSpace(id)
	if id == "" || inv == nil {
		return fmt.Errorf("agent: id and implementation required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.agents[id] = entry{info: Info{ID: id, Description: description}, inv: inv}
	return nil
}

// Replace registers or overwrites an agent. Used when config reload rebuilds builtin agents.
func (r *Registry) Replace(id, description string, inv Invocable) {
	r.mu.Lock()
	r.agents[id] = entry{info: Info{ID: id, Description: description}, inv: inv}
	r.mu.Unlock()
}

func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	return true
}

// Resolve returns the agent for id or an error wrapping ErrNotFound.
func (r *Registry) Resolve(id string) (Invocable, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e.inv, nil
}

// List returns registered agents sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
