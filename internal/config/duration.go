package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional Go duration string. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Location resolves the scheduler timezone. Empty means time.Local.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func (s SchedulerConfig) EffectiveHistorySize() int {
	if s.HistorySize <= 0 {
		return DefaultHistorySize
	}
	return s.HistorySize
}

func (s SchedulerConfig) EffectiveMisfireHistory() int {
	if s.MisfireHistory <= 0 {
		return DefaultMisfireHistory
	}
	return s.MisfireHistory
}

func (s SchedulerConfig) EffectiveProgressBuffer() int {
	if s.ProgressBuffer <= 0 {
		return DefaultProgressBuffer
	}
	return s.ProgressBuffer
}

// EffectiveShutdownTimeout never fails: Validate rejects bad values before this is used.
func (s SchedulerConfig) EffectiveShutdownTimeout() time.Duration {
	def, _ := time.ParseDuration(DefaultShutdownTimeout)
	if strings.TrimSpace(s.ShutdownTimeout) == "" {
		return def
	}
	d, err := ParseDurationField("scheduler.shutdown_timeout", s.ShutdownTimeout)
	if err != nil {
		return def
	}
	return d
}
