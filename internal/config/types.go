package config

// Config is the root document read from the YAML/JSON config file.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Agents    AgentsConfig    `json:"agents,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig holds scheduler settings plus the ordered task list.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: local time
//   - history_size: 20 records per job
//   - misfire_history: 20 misfires per job
//   - shutdown_timeout: "30s"
//   - progress_buffer: 64 events per subscriber
type SchedulerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	MisfireHistory  int    `json:"misfire_history,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	DefaultModel    string `json:"default_model,omitempty"`
	ProgressBuffer  int    `json:"progress_buffer,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

const (
	DefaultHistorySize     = 20
	DefaultMisfireHistory  = 20
	DefaultProgressBuffer  = 64
	DefaultShutdownTimeout = "30s"
)

// TaskConfig is one job definition.
//
// Enabled is a pointer so we can distinguish "omitted" (enabled) from an explicit false.
type TaskConfig struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Cron        string         `json:"cron"`
	Agent       string         `json:"agent"`
	Prompt      string         `json:"prompt,omitempty"`
	Model       string         `json:"model,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// AgentsConfig configures builtin agents registered at startup.
type AgentsConfig struct {
	Remote *RemoteAgentsConfig `json:"remote,omitempty"`
}

// RemoteAgentsConfig registers one remote agent per id, each calling
// POST <base_url>/<id>/invoke on the external agent service.
type RemoteAgentsConfig struct {
	BaseURL string   `json:"base_url"`
	IDs     []string `json:"ids"`
	// Timeout bounds a single HTTP call. "0s" disables it.
	Timeout string `json:"timeout,omitempty"`
	// CircuitTripFailures opens an agent's circuit after this many
	// consecutive failures (default 5, negative disables).
	CircuitTripFailures int `json:"circuit_trip_failures,omitempty"`
	// CircuitMaxDelay caps the open-circuit cooldown (default 2m).
	CircuitMaxDelay string `json:"circuit_max_delay,omitempty"`
}

// HTTPConfig controls the status/operator API.
//
// Security note: prefer binding to localhost (e.g. "127.0.0.1:8088").
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8088"

	// AllowInsecure permits a non-loopback bind. The API has no auth.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer for execution records.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./agentcron.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Retain is how many records per job are kept on disk. 0 means 200.
	Retain int `json:"retain,omitempty"`
}

// NotifierConfig controls Telegram alerts for failed invocations.
type NotifierConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerSec caps outgoing messages. Default: 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Misfires also sends a message when a firing is skipped.
	Misfires bool `json:"misfires,omitempty"`
	// DedupWindow suppresses repeated alerts for the same job and error kind.
	// Go duration string. Default: "10m"; "0s" disables suppression.
	DedupWindow string `json:"dedup_window,omitempty"`
}
