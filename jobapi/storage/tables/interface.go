package tables

import (
	"context"
	"database/sql"
	"time"

	"github.com/randomparity/vpo-sub001/jobapi/types"
)

// Jobs is the persistence contract for the job ledger. Every status
// change is a conditional update guarded on the current status so that
// concurrent actors (workers, stale recovery, retry/cancel commands)
// cannot overwrite each other's transitions.
type Jobs interface {
	InsertJob(ctx context.Context, txn *sql.Tx, job *types.Job) error
	SelectJobByID(ctx context.Context, txn *sql.Tx, jobID string) (*types.Job, error)
	SelectJobsByIDPrefix(ctx context.Context, txn *sql.Tx, prefix string) ([]*types.Job, error)
	// SelectQueuedJobs returns queued jobs ordered by (priority ASC,
	// created_at ASC): lower priority numbers and older jobs win ties.
	SelectQueuedJobs(ctx context.Context, txn *sql.Tx, limit int) ([]*types.Job, error)
	SelectJobsFiltered(ctx context.Context, txn *sql.Tx, filter types.JobFilter) ([]*types.Job, int, error)
	SelectJobStats(ctx context.Context, txn *sql.Tx) (types.QueueStats, error)

	// MarkJobRunning claims a queued job. Returns false if the job was
	// no longer queued.
	MarkJobRunning(ctx context.Context, txn *sql.Tx, jobID, workerName string, now time.Time) (bool, error)
	// MarkJobFinished releases a running job into a terminal status.
	// Returns false if the job was not running under the named worker:
	// after stale recovery hands the job to another claimant, the old
	// owner's late release must not touch it.
	MarkJobFinished(ctx context.Context, txn *sql.Tx, jobID, workerName string, status types.JobStatus, errorMessage, outputPath, backupPath string, now time.Time) (bool, error)
	// MarkJobCancelled cancels a queued job. Returns false if the job
	// was not queued.
	MarkJobCancelled(ctx context.Context, txn *sql.Tx, jobID string, now time.Time) (bool, error)
	// RequeueJob resets a failed or cancelled job back to queued,
	// clearing error, timing, worker and progress columns. Returns
	// false if the job was in neither status.
	RequeueJob(ctx context.Context, txn *sql.Tx, jobID string) (bool, error)

	UpdateJobProgress(ctx context.Context, txn *sql.Tx, jobID string, percent float64, detail string) (bool, error)
	// UpdateHeartbeat stamps the heartbeat column, only while the job
	// is still running under the named worker.
	UpdateHeartbeat(ctx context.Context, txn *sql.Tx, jobID, workerName string, now time.Time) (bool, error)
	// ResetStaleJobs requeues running jobs whose heartbeat is older
	// than the cutoff and returns how many were reset.
	ResetStaleJobs(ctx context.Context, txn *sql.Tx, cutoff time.Time) (int64, error)

	DeleteJobsBefore(ctx context.Context, txn *sql.Tx, before time.Time, statuses []types.JobStatus) (int64, error)
	// SelectBackupPaths returns every backup artifact path still
	// referenced by a job row. Retention cleanup treats anything else
	// under the media store as orphaned.
	SelectBackupPaths(ctx context.Context, txn *sql.Tx) ([]string, error)
}

// Plans is the persistence contract for proposed change sets. Plans
// are never deleted, only transitioned.
type Plans interface {
	InsertPlan(ctx context.Context, txn *sql.Tx, plan *types.Plan) error
	SelectPlanByID(ctx context.Context, txn *sql.Tx, planID string) (*types.Plan, error)
	// SelectPlanByJobID returns the plan whose approval spawned the
	// given job, or sql.ErrNoRows if the job is not plan-linked.
	SelectPlanByJobID(ctx context.Context, txn *sql.Tx, jobID string) (*types.Plan, error)
	SelectPlansByStatus(ctx context.Context, txn *sql.Tx, status types.PlanStatus, limit, offset int) ([]*types.Plan, error)
	// UpdatePlanStatus transitions a plan, guarded on the current
	// status. jobID is recorded when non-empty (set on approval).
	// Returns false if the plan was not in the expected status.
	UpdatePlanStatus(ctx context.Context, txn *sql.Tx, planID string, from, to types.PlanStatus, jobID string, now time.Time) (bool, error)
}

// AuditLog records approval decisions.
type AuditLog interface {
	InsertAuditEntry(ctx context.Context, txn *sql.Tx, entry *types.AuditEntry) (int64, error)
	SelectAuditEntriesForPlan(ctx context.Context, txn *sql.Tx, planID string) ([]types.AuditEntry, error)
}
