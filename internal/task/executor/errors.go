package executor

import (
	"errors"
	"fmt"
)

var (
	ErrStopped             = errors.New("executor stopped")
	ErrNotAdmitted         = errors.New("invocation not admitted")
	ErrAgentResolution     = errors.New("agent resolution failed")
	ErrAbandonedOnShutdown = errors.New("invocation abandoned on shutdown")
)

// AgentInvocationError is returned to callers waiting on an invocation whose agent failed.
type AgentInvocationError struct {
	Agent string
	Err   error
}

func (e *AgentInvocationError) Error() string {
	return fmt.Sprintf("agent %q failed: %v", e.Agent, e.Err)
}

func (e *AgentInvocationError) Unwrap() error { return e.Err }

// panicError carries a recovered panic value out of the agent call.
type panicError struct {
	v     any
	stack []byte
}

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.v) }
