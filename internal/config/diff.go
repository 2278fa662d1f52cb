package config

import (
	"reflect"
	"sort"
	"strings"

	logx "agentcron/pkg/logx"
)

// TaskChanges is the set difference between two task lists, by name.
type TaskChanges struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

func (c TaskChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeTaskChanges compares task lists by name. Every field counts, so a
// cron-only edit shows up as Changed.
func SummarizeTaskChanges(oldTasks, newTasks []TaskConfig) TaskChanges {
	oldM := make(map[string]TaskConfig, len(oldTasks))
	for _, t := range oldTasks {
		oldM[t.Name] = t
	}
	var out TaskChanges
	newM := make(map[string]struct{}, len(newTasks))
	for _, t := range newTasks {
		newM[t.Name] = struct{}{}
		o, ok := oldM[t.Name]
		switch {
		case !ok:
			out.Added = append(out.Added, t.Name)
		case !TaskEqual(o, t):
			out.Changed = append(out.Changed, t.Name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out.Removed = append(out.Removed, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}

// TaskEqual reports whether two task definitions are identical.
func TaskEqual(a, b TaskConfig) bool {
	if a.IsEnabled() != b.IsEnabled() {
		return false
	}
	a.Enabled, b.Enabled = nil, nil
	if len(a.Parameters) == 0 && len(b.Parameters) == 0 {
		a.Parameters, b.Parameters = nil, nil
	}
	return reflect.DeepEqual(a, b)
}

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oSch, nSch := oldCfg.Scheduler, newCfg.Scheduler
	oSch.Tasks, nSch.Tasks = nil, nil
	if !reflect.DeepEqual(oSch, nSch) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(nSch.Timezone)),
			logx.Int("scheduler.history_size", nSch.EffectiveHistorySize()),
			logx.Duration("scheduler.shutdown_timeout", nSch.EffectiveShutdownTimeout()),
		)
	}

	tc := SummarizeTaskChanges(oldCfg.Scheduler.Tasks, newCfg.Scheduler.Tasks)
	if !tc.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Strings("tasks.added", tc.Added),
			logx.Strings("tasks.removed", tc.Removed),
			logx.Strings("tasks.changed", tc.Changed),
		)
	}

	if !reflect.DeepEqual(oldCfg.Agents, newCfg.Agents) {
		changed = append(changed, "agents")
		n := 0
		if newCfg.Agents.Remote != nil {
			n = len(newCfg.Agents.Remote.IDs)
		}
		attrs = append(attrs, logx.Int("agents.remote_count", n))
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	// Notifier (never log token)
	var oN, nN NotifierConfig
	if oldCfg.Notifier != nil {
		oN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = *newCfg.Notifier
	}
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Int64("notifier.chat_id", nN.ChatID),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
