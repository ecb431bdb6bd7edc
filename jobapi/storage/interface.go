package storage

import (
	"context"
	"time"

	"github.com/randomparity/vpo-sub001/jobapi/types"
)

// Database is the full persistence surface of the job engine: the job
// ledger with its claim protocol, the plan approval state machine and
// the audit trail. The underlying store provides ACID transactions
// with an exclusive-write primitive; no in-memory job state is
// authoritative.
type Database interface {
	JobQueue
	JobAdmin
	Plans
}

// JobQueue covers the operations the worker loop relies on.
type JobQueue interface {
	InsertJob(ctx context.Context, job *types.Job) error
	ClaimNextJob(ctx context.Context, workerName string) (*types.Job, error)
	ReleaseJob(ctx context.Context, jobID, workerName string, outcome types.JobStatus, errorMessage, outputPath, backupPath string) error
	TouchHeartbeat(ctx context.Context, jobID, workerName string, now time.Time) (bool, error)
	UpdateJobProgress(ctx context.Context, jobID string, percent float64, detail string) error
	RecoverStaleJobs(ctx context.Context, staleThreshold time.Duration) (int64, error)
}

// JobAdmin covers the operator-facing commands and queries.
type JobAdmin interface {
	JobByID(ctx context.Context, jobID string) (*types.Job, error)
	JobsByIDPrefix(ctx context.Context, prefix string) ([]*types.Job, error)
	QueuedJobs(ctx context.Context, limit int) ([]*types.Job, error)
	JobsFiltered(ctx context.Context, filter types.JobFilter) ([]*types.Job, int, error)
	QueueStats(ctx context.Context) (types.QueueStats, error)
	RetryJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
	PurgeJobs(ctx context.Context, before time.Time, statuses []types.JobStatus) (int64, error)
	BackupPaths(ctx context.Context) ([]string, error)
}

// Plans covers the plan approval state machine.
type Plans interface {
	InsertPlan(ctx context.Context, plan *types.Plan) error
	PlanByID(ctx context.Context, planID string) (*types.Plan, error)
	PlansByStatus(ctx context.Context, status types.PlanStatus, limit, offset int) ([]*types.Plan, error)
	ApprovePlan(ctx context.Context, planID, actor string, job *types.Job) error
	RejectPlan(ctx context.Context, planID, actor string) error
	CancelPlan(ctx context.Context, planID, actor string) error
	MarkPlanApplied(ctx context.Context, planID string) error
	MarkPlanAppliedForJob(ctx context.Context, jobID string) error
	AuditEntriesForPlan(ctx context.Context, planID string) ([]types.AuditEntry, error)
}
