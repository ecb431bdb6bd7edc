package config

import "time"

// JobQueue configures the persistent job ledger and the claim protocol
// built on top of it.
type JobQueue struct {
	// How often a worker stamps the heartbeat column while a job is
	// running.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval"`

	// How long a running job may go without a heartbeat before stale
	// recovery resets it to queued. Must comfortably exceed the
	// heartbeat interval; 3x is the enforced minimum.
	StaleThresholdSeconds int `yaml:"stale_threshold"`

	// Scheduling priority assigned to ordinary scan/transcode work.
	// Lower values are claimed first.
	DefaultPriority int `yaml:"default_priority"`

	// Scheduling priority assigned to jobs spawned by plan approval,
	// letting approved changes jump ahead of bulk work.
	ApprovalPriority int `yaml:"approval_priority"`

	// How many days terminal jobs are kept before retention cleanup
	// deletes them.
	RetentionDays int `yaml:"retention_days"`

	// The base path of the media store. Retention cleanup scans this
	// path for orphaned backup and temp artifacts. Empty disables
	// artifact cleanup.
	MediaStorePath Path `yaml:"media_store_path"`
}

// Path is a filesystem path, relative or absolute.
type Path string

func (q *JobQueue) Defaults() {
	q.HeartbeatIntervalSeconds = 30
	q.StaleThresholdSeconds = 300
	q.DefaultPriority = 100
	q.ApprovalPriority = 10
	q.RetentionDays = 30
}

func (q *JobQueue) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "job_queue.heartbeat_interval", int64(q.HeartbeatIntervalSeconds))
	checkPositive(configErrs, "job_queue.stale_threshold", int64(q.StaleThresholdSeconds))
	checkPositive(configErrs, "job_queue.default_priority", int64(q.DefaultPriority))
	checkPositive(configErrs, "job_queue.approval_priority", int64(q.ApprovalPriority))
	checkPositive(configErrs, "job_queue.retention_days", int64(q.RetentionDays))
	if q.StaleThresholdSeconds < q.HeartbeatIntervalSeconds*3 {
		configErrs.Add("job_queue.stale_threshold must be at least 3x job_queue.heartbeat_interval")
	}
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (q JobQueue) HeartbeatInterval() time.Duration {
	return time.Duration(q.HeartbeatIntervalSeconds) * time.Second
}

// StaleThreshold returns the stale threshold as a duration.
func (q JobQueue) StaleThreshold() time.Duration {
	return time.Duration(q.StaleThresholdSeconds) * time.Second
}

// RetentionWindow returns the retention window as a duration.
func (q JobQueue) RetentionWindow() time.Duration {
	return time.Duration(q.RetentionDays) * 24 * time.Hour
}
