package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"agentcron/internal/task/schedule"
	logx "agentcron/pkg/logx"
)

// Violation is one problem found while validating a config.
// Task is empty for settings outside the task list.
type Violation struct {
	Task    string `json:"task,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Task != "" {
		return fmt.Sprintf("task %q: %s: %s", v.Task, v.Field, v.Message)
	}
	return v.Field + ": " + v.Message
}

// ValidationError lists every violation found in a config, not only the first.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "config invalid"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("config invalid (%d violations): %s", len(e.Violations), strings.Join(parts, "; "))
}

func (e *ValidationError) add(task, field, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{Task: task, Field: field, Message: fmt.Sprintf(format, args...)})
}

// Load reads, decodes and validates the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b, FormatForPath(path))
}

// Parse decodes and validates a config document. It has no side effects.
func Parse(data []byte, format string) (*Config, error) {
	jb, err := coerceToJSONBytes(format, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s config: %w", format, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s config: %w", format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse %s config: trailing data", format)
		}
		return nil, fmt.Errorf("parse %s config: %w", format, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole config and returns a *ValidationError listing every violation.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Violations: []Violation{{Field: "config", Message: "missing"}}}
	}
	ve := &ValidationError{}

	if !logx.ValidLevel(cfg.Logging.Level) {
		ve.add("", "logging.level", "unknown level %q", cfg.Logging.Level)
	}

	validateScheduler(ve, cfg.Scheduler)
	validateTasks(ve, cfg.Scheduler.Tasks)

	if r := cfg.Agents.Remote; r != nil {
		if strings.TrimSpace(r.BaseURL) == "" {
			ve.add("", "agents.remote.base_url", "required")
		}
		seen := map[string]bool{}
		for i, id := range r.IDs {
			id = strings.TrimSpace(id)
			field := "agents.remote.ids[" + strconv.Itoa(i) + "]"
			if id == "" {
				ve.add("", field, "empty agent id")
				continue
			}
			if seen[id] {
				ve.add("", field, "duplicate agent id %q", id)
			}
			seen[id] = true
		}
		if _, err := ParseDurationField("agents.remote.timeout", r.Timeout); err != nil {
			ve.add("", "agents.remote.timeout", "%v", trimPathPrefix(err))
		}
		if _, err := ParseDurationField("agents.remote.circuit_max_delay", r.CircuitMaxDelay); err != nil {
			ve.add("", "agents.remote.circuit_max_delay", "%v", trimPathPrefix(err))
		}
	}

	if cfg.HTTP.Enabled {
		if _, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout); err != nil {
			ve.add("", "http.read_timeout", "%v", trimPathPrefix(err))
		}
		if _, err := ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout); err != nil {
			ve.add("", "http.write_timeout", "%v", trimPathPrefix(err))
		}
		if _, err := ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout); err != nil {
			ve.add("", "http.idle_timeout", "%v", trimPathPrefix(err))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			ve.add("", "storage.driver", "unknown driver %q (use file or sqlite)", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			ve.add("", "storage.busy_timeout", "%v", trimPathPrefix(err))
		}
		if s.Retain < 0 {
			ve.add("", "storage.retain", "must be >= 0")
		}
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			ve.add("", "notifier.token", "required when notifier is enabled")
		}
		if n.ChatID == 0 {
			ve.add("", "notifier.chat_id", "required when notifier is enabled")
		}
		if n.RatePerSec < 0 {
			ve.add("", "notifier.rate_per_sec", "must be >= 0")
		}
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			ve.add("", "notifier.dedup_window", "%v", trimPathPrefix(err))
		}
	}

	if len(ve.Violations) == 0 {
		return nil
	}
	sortViolations(ve.Violations)
	return ve
}

// ValidateScheduler checks only the scheduler section, tasks included.
func ValidateScheduler(s SchedulerConfig) error {
	ve := &ValidationError{}
	validateScheduler(ve, s)
	validateTasks(ve, s.Tasks)
	if len(ve.Violations) == 0 {
		return nil
	}
	sortViolations(ve.Violations)
	return ve
}

func validateScheduler(ve *ValidationError, s SchedulerConfig) {
	if _, err := s.Location(); err != nil {
		ve.add("", "scheduler.timezone", "unknown timezone %q", s.Timezone)
	}
	if s.HistorySize < 0 {
		ve.add("", "scheduler.history_size", "must be >= 0")
	}
	if s.MisfireHistory < 0 {
		ve.add("", "scheduler.misfire_history", "must be >= 0")
	}
	if s.ProgressBuffer < 0 {
		ve.add("", "scheduler.progress_buffer", "must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.shutdown_timeout", s.ShutdownTimeout); err != nil {
		ve.add("", "scheduler.shutdown_timeout", "%v", trimPathPrefix(err))
	}
}

func validateTasks(ve *ValidationError, tasks []TaskConfig) {
	seen := make(map[string]int, len(tasks))
	for i, t := range tasks {
		name := strings.TrimSpace(t.Name)
		label := name
		if label == "" {
			label = "#" + strconv.Itoa(i)
			ve.add(label, "name", "required")
		} else if first, dup := seen[name]; dup {
			ve.add(label, "name", "duplicate task name (first defined at index %d)", first)
		} else {
			seen[name] = i
		}
		if name != t.Name {
			ve.add(label, "name", "must not have leading or trailing spaces")
		}

		if _, err := schedule.Parse(t.Cron); err != nil {
			ve.add(label, "cron", "%v", err)
		}
		if strings.TrimSpace(t.Agent) == "" {
			ve.add(label, "agent", "required")
		}
	}
}

// trimPathPrefix drops the "field: " prefix added by ParseDurationField since
// the violation already names the field.
func trimPathPrefix(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

// sortViolations keeps global settings first; task violations keep their file order.
func sortViolations(vs []Violation) {
	global := make([]Violation, 0, len(vs))
	task := make([]Violation, 0, len(vs))
	for _, v := range vs {
		if v.Task == "" {
			global = append(global, v)
		} else {
			task = append(task, v)
		}
	}
	copy(vs, global)
	copy(vs[len(global):], task)
}
