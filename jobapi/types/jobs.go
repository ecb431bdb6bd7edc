package types

import (
	"encoding/json"
	"time"
)

// JobType identifies what kind of deferred work a job describes.
type JobType string

const (
	// JobTypeScan walks a library directory and refreshes file records.
	JobTypeScan JobType = "scan"
	// JobTypeTranscode re-encodes a media file with an external tool.
	JobTypeTranscode JobType = "transcode"
	// JobTypeApply applies an approved plan's actions to a file.
	JobTypeApply JobType = "apply"
	// JobTypeMove relocates a file within the library.
	JobTypeMove JobType = "move"
)

// JobStatus is the lifecycle state of a job.
// Transitions: queued -> running -> {completed, failed, cancelled},
// plus running -> queued via stale recovery and
// {failed, cancelled} -> queued via explicit retry.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is an end state. Terminal jobs
// are only ever removed by retention cleanup or reset via retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether the status is a known value.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is a persisted unit of deferred, potentially long-running work.
// The payload is an opaque serialized blob: this layer never interprets
// it, only hands it to the injected executor.
type Job struct {
	ID       string    `json:"id"`
	JobType  JobType   `json:"job_type"`
	Status   JobStatus `json:"status"`
	Priority int       `json:"priority"`

	// FileID refers to the target file record, nil for jobs that do
	// not target a single file (e.g. scans). FilePath is cached at job
	// creation time so the job stays displayable even if the file
	// record is later deleted.
	FileID   *int64 `json:"file_id,omitempty"`
	FilePath string `json:"file_path"`

	PolicyName string          `json:"policy_name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	ProgressPercent float64 `json:"progress_percent"`
	ProgressDetail  string  `json:"progress_detail,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// WorkerName records which worker currently owns the job while it
	// is running.
	WorkerName string `json:"worker_name,omitempty"`

	OutputPath   string `json:"output_path,omitempty"`
	BackupPath   string `json:"backup_path,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DurationSeconds returns the job's runtime: completed jobs report
// their final duration, running jobs report elapsed time so far.
func (j *Job) DurationSeconds(now time.Time) float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt).Seconds()
}

// JobFilter restricts SelectJobsFiltered. Nil/zero fields match
// everything.
type JobFilter struct {
	Status  JobStatus
	JobType JobType
	Since   *time.Time
	Search  string
	Limit   int
	Offset  int
}

// QueueStats holds per-status job counts.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// ProgressUpdate is an incremental progress report from an executor.
type ProgressUpdate struct {
	Percent float64 `json:"percent"`
	Detail  string  `json:"detail,omitempty"`
}
