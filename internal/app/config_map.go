package app

import (
	"fmt"
	"strings"
	"time"

	"agentcron/internal/agent"
	"agentcron/internal/config"
	"agentcron/internal/notifier"
	"agentcron/internal/storage"
	logx "agentcron/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retain: sc.Retain}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retain: sc.Retain}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	if strings.TrimSpace(n.DedupWindow) == "" {
		window = 10 * time.Minute
	}
	return notifier.Config{
		Enabled:     n.Enabled,
		RatePerSec:  n.RatePerSec,
		RetryMax:    3,
		DedupWindow: window,
		Misfires:    n.Misfires,
	}, nil
}

// syncAgents registers the builtin agents and one remote agent per configured
// id. Remote agents dropped from the config are unregistered; prev lists the
// remote ids registered last time.
func syncAgents(reg *agent.Registry, cfg config.AgentsConfig, prev []string, log logx.Logger) []string {
	reg.Replace(agent.EchoID, "returns the prompt; for smoke tests", agent.Echo())

	var ids []string
	if r := cfg.Remote; r != nil {
		timeout, _ := config.ParseDurationField("agents.remote.timeout", r.Timeout)
		maxDelay, _ := config.ParseDurationField("agents.remote.circuit_max_delay", r.CircuitMaxDelay)
		bc := agent.BreakerConfig{Trip: r.CircuitTripFailures, MaxDelay: maxDelay}
		for _, id := range r.IDs {
			id = strings.TrimSpace(id)
			if id == "" || id == agent.EchoID {
				continue
			}
			reg.Replace(id, "remote agent at "+r.BaseURL, agent.WithBreaker(id, agent.NewRemote(r.BaseURL, id, timeout), bc))
			ids = append(ids, id)
		}
	}

	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	for _, id := range prev {
		if !keep[id] && reg.Unregister(id) {
			log.Info("agent unregistered", logx.String("agent", id))
		}
	}
	return ids
}
