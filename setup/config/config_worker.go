package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Worker configures the execution loop of a single worker process.
// All limits are optional; a zero value means unbounded.
type Worker struct {
	// Stop after successfully claiming this many jobs. 0 = unlimited.
	MaxFiles int `yaml:"max_files"`

	// Stop once this much wall-clock time has elapsed, in seconds.
	// 0 = unlimited.
	MaxDurationSeconds int `yaml:"max_duration"`

	// Stop once the local time of day reaches HH:MM, for overnight
	// batch windows. Empty = run until the queue drains.
	EndBy string `yaml:"end_by"`

	// Advisory CPU core count passed through to the executor. 0 lets
	// the executor decide.
	CPUCores int `yaml:"cpu_cores"`

	// Whether to run retention cleanup when the worker starts.
	AutoPurge bool `yaml:"auto_purge"`

	// How long to sleep between claim attempts when the queue is
	// empty, in seconds.
	IdlePollSeconds int `yaml:"idle_poll"`
}

func (w *Worker) Defaults() {
	w.AutoPurge = true
	w.IdlePollSeconds = 5
}

func (w *Worker) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "worker.max_files", int64(w.MaxFiles))
	checkPositive(configErrs, "worker.max_duration", int64(w.MaxDurationSeconds))
	checkPositive(configErrs, "worker.cpu_cores", int64(w.CPUCores))
	checkPositive(configErrs, "worker.idle_poll", int64(w.IdlePollSeconds))
	if w.EndBy != "" {
		if _, _, err := ParseEndBy(w.EndBy); err != nil {
			configErrs.Add(fmt.Sprintf("invalid value for config key 'worker.end_by': %s", w.EndBy))
		}
	}
}

// MaxDuration returns the wall-clock limit as a duration.
func (w Worker) MaxDuration() time.Duration {
	return time.Duration(w.MaxDurationSeconds) * time.Second
}

// IdlePoll returns the idle poll interval as a duration.
func (w Worker) IdlePoll() time.Duration {
	return time.Duration(w.IdlePollSeconds) * time.Second
}

// ParseEndBy parses an HH:MM time-of-day string.
func ParseEndBy(endBy string) (hour, minute int, err error) {
	parts := strings.SplitN(endBy, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", endBy)
	}
	if hour, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, err
	}
	if minute, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day out of range: %q", endBy)
	}
	return hour, minute, nil
}
