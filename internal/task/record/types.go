package record

import (
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusError }

// Trigger says what started an invocation.
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	KindAgentResolution ErrorKind = "agent_resolution"
	KindAgentInvocation ErrorKind = "agent_invocation"
	KindPanic           ErrorKind = "panic"
	KindCancelled       ErrorKind = "cancelled"
)

// ErrorDetail is the serializable description of a failure. It never carries a stack.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ExecutionRecord is one invocation of one job.
// Once Status is terminal the record is immutable.
type ExecutionRecord struct {
	InvocationID string       `json:"invocation_id"`
	JobName      string       `json:"job_name"`
	AgentID      string       `json:"agent_id"`
	Trigger      Trigger      `json:"trigger"`
	Status       Status       `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Error        *ErrorDetail `json:"error_detail,omitempty"`
	Output       string       `json:"output,omitempty"`
}

func (r ExecutionRecord) Terminal() bool { return r.Status.Terminal() }

// Duration is zero while the record is running.
func (r ExecutionRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r ExecutionRecord) clone() ExecutionRecord {
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}

// Outcome is the terminal transition applied by Commit.
type Outcome struct {
	Status     Status
	FinishedAt time.Time
	Error      *ErrorDetail
	Output     string
}

// Success builds a success outcome; output is trimmed and cut to MaxOutputRunes.
func Success(at time.Time, output string) Outcome {
	return Outcome{Status: StatusSuccess, FinishedAt: at, Output: Truncate(strings.TrimSpace(output), MaxOutputRunes)}
}

func Failure(at time.Time, kind ErrorKind, msg string) Outcome {
	return Outcome{Status: StatusError, FinishedAt: at, Error: &ErrorDetail{Kind: kind, Message: Truncate(msg, MaxOutputRunes)}}
}

// MaxOutputRunes bounds the stored output preview and error messages.
const MaxOutputRunes = 2000

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Misfire is a firing skipped because the job was still running.
// It is informational and never stored as an error record.
type Misfire struct {
	JobName              string    `json:"job_name"`
	At                   time.Time `json:"at"`
	Trigger              Trigger   `json:"trigger"`
	BlockingInvocationID string    `json:"blocking_invocation_id"`
}
