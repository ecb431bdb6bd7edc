package shared

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/randomparity/vpo-sub001/internal/sqlutil"
	"github.com/randomparity/vpo-sub001/jobapi/storage/tables"
	"github.com/randomparity/vpo-sub001/jobapi/types"
)

// Database implements the job ledger over a set of table interfaces.
// All writes are funnelled through the Writer: on SQLite this
// serialises them onto one exclusive transaction at a time, which is
// what gives the claim protocol its at-most-one-owner guarantee.
type Database struct {
	DB       *sql.DB
	Writer   sqlutil.Writer
	Jobs     tables.Jobs
	Plans    tables.Plans
	AuditLog tables.AuditLog
}

// InsertJob stores a new job. Returns types.ErrDuplicateID if a job
// with the same id already exists.
func (d *Database) InsertJob(ctx context.Context, job *types.Job) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		_, err := d.Jobs.SelectJobByID(ctx, txn, job.ID)
		if err == nil {
			return types.ErrDuplicateID
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return d.Jobs.InsertJob(ctx, txn, job)
	})
}

// JobByID returns a single job, or types.ErrNotFound.
func (d *Database) JobByID(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := d.Jobs.SelectJobByID(ctx, nil, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return job, err
}

// JobsByIDPrefix returns jobs whose id starts with the given prefix,
// supporting CLI-style abbreviated ids.
func (d *Database) JobsByIDPrefix(ctx context.Context, prefix string) ([]*types.Job, error) {
	return d.Jobs.SelectJobsByIDPrefix(ctx, nil, prefix)
}

// QueuedJobs returns up to limit queued jobs in claim order.
func (d *Database) QueuedJobs(ctx context.Context, limit int) ([]*types.Job, error) {
	return d.Jobs.SelectQueuedJobs(ctx, nil, limit)
}

// JobsFiltered returns a page of jobs plus the total count matching
// the filter.
func (d *Database) JobsFiltered(ctx context.Context, filter types.JobFilter) ([]*types.Job, int, error) {
	return d.Jobs.SelectJobsFiltered(ctx, nil, filter)
}

// QueueStats returns per-status job counts.
func (d *Database) QueueStats(ctx context.Context) (types.QueueStats, error) {
	return d.Jobs.SelectJobStats(ctx, nil)
}

// ClaimNextJob atomically claims the best queued job for the named
// worker: the highest-priority (lowest number), oldest queued job is
// transitioned queued -> running inside a single exclusive write
// transaction. Returns types.ErrNoJobAvailable if the queue is empty.
//
// If the conditional update reports that the selected row was no
// longer queued, another actor advanced it between the select and the
// update, so selection is retried rather than propagating a false
// claim.
func (d *Database) ClaimNextJob(ctx context.Context, workerName string) (*types.Job, error) {
	var claimed *types.Job
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for {
			jobs, err := d.Jobs.SelectQueuedJobs(ctx, txn, 1)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				return types.ErrNoJobAvailable
			}
			job := jobs[0]
			now := time.Now().UTC()
			updated, err := d.Jobs.MarkJobRunning(ctx, txn, job.ID, workerName, now)
			if err != nil {
				return err
			}
			if !updated {
				continue
			}
			job.Status = types.JobStatusRunning
			job.StartedAt = &now
			job.HeartbeatAt = &now
			job.WorkerName = workerName
			claimed = job
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseJob moves a running job into a terminal status. Only the
// owning worker may release: a worker whose job was stale-recovered
// and re-claimed gets types.ErrInvalidTransition instead of clobbering
// the new owner's run. Releasing a job twice fails the same way.
func (d *Database) ReleaseJob(ctx context.Context, jobID, workerName string, outcome types.JobStatus, errorMessage, outputPath, backupPath string) error {
	if !outcome.IsTerminal() {
		return types.ErrInvalidTransition
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		updated, err := d.Jobs.MarkJobFinished(ctx, txn, jobID, workerName, outcome, errorMessage, outputPath, backupPath, time.Now().UTC())
		if err != nil {
			return err
		}
		if !updated {
			return d.transitionError(ctx, txn, jobID)
		}
		return nil
	})
}

// TouchHeartbeat stamps the job's heartbeat column. The update only
// applies while the job is still running under the named worker, so a
// stale-recovered job reports lost ownership to its old owner instead
// of accepting its heartbeats.
func (d *Database) TouchHeartbeat(ctx context.Context, jobID, workerName string, now time.Time) (bool, error) {
	var updated bool
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) (err error) {
		updated, err = d.Jobs.UpdateHeartbeat(ctx, txn, jobID, workerName, now)
		return
	})
	return updated, err
}

// UpdateJobProgress persists an incremental progress report for a
// running job.
func (d *Database) UpdateJobProgress(ctx context.Context, jobID string, percent float64, detail string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		_, err := d.Jobs.UpdateJobProgress(ctx, txn, jobID, percent, detail)
		return err
	})
}

// RecoverStaleJobs resets running jobs whose heartbeat went silent for
// longer than the threshold back to queued. Safe to run concurrently
// with active workers: an actively-heartbeating job is never touched.
func (d *Database) RecoverStaleJobs(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	var recovered int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) (err error) {
		cutoff := time.Now().UTC().Add(-staleThreshold)
		recovered, err = d.Jobs.ResetStaleJobs(ctx, txn, cutoff)
		return
	})
	return recovered, err
}

// RetryJob resets a failed or cancelled job back to queued, clearing
// its error and timing columns.
func (d *Database) RetryJob(ctx context.Context, jobID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		updated, err := d.Jobs.RequeueJob(ctx, txn, jobID)
		if err != nil {
			return err
		}
		if !updated {
			return d.transitionError(ctx, txn, jobID)
		}
		return nil
	})
}

// CancelJob cancels a queued job. Running jobs cannot be cancelled
// out-of-band; they finish naturally under their worker.
func (d *Database) CancelJob(ctx context.Context, jobID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		updated, err := d.Jobs.MarkJobCancelled(ctx, txn, jobID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !updated {
			return d.transitionError(ctx, txn, jobID)
		}
		return nil
	})
}

// PurgeJobs deletes terminal jobs created before the given time and
// returns how many were removed. An empty status list means all
// terminal statuses.
func (d *Database) PurgeJobs(ctx context.Context, before time.Time, statuses []types.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []types.JobStatus{types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled}
	}
	for _, status := range statuses {
		if !status.IsTerminal() {
			return 0, types.ErrInvalidTransition
		}
	}
	var purged int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) (err error) {
		purged, err = d.Jobs.DeleteJobsBefore(ctx, txn, before, statuses)
		return
	})
	return purged, err
}

// BackupPaths returns every backup artifact still referenced by a job
// row.
func (d *Database) BackupPaths(ctx context.Context) ([]string, error) {
	return d.Jobs.SelectBackupPaths(ctx, nil)
}

// transitionError distinguishes an unknown id from a status guard
// failure after a conditional update matched no rows.
func (d *Database) transitionError(ctx context.Context, txn *sql.Tx, jobID string) error {
	if _, err := d.Jobs.SelectJobByID(ctx, txn, jobID); errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	} else if err != nil {
		return err
	}
	return types.ErrInvalidTransition
}

// InsertPlan stores a new plan. Returns types.ErrDuplicateID if a
// plan with the same id already exists.
func (d *Database) InsertPlan(ctx context.Context, plan *types.Plan) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		_, err := d.Plans.SelectPlanByID(ctx, txn, plan.ID)
		if err == nil {
			return types.ErrDuplicateID
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return d.Plans.InsertPlan(ctx, txn, plan)
	})
}

// PlanByID returns a single plan, or types.ErrNotFound.
func (d *Database) PlanByID(ctx context.Context, planID string) (*types.Plan, error) {
	plan, err := d.Plans.SelectPlanByID(ctx, nil, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return plan, err
}

// PlansByStatus returns a page of plans in the given status, newest
// first.
func (d *Database) PlansByStatus(ctx context.Context, status types.PlanStatus, limit, offset int) ([]*types.Plan, error) {
	return d.Plans.SelectPlansByStatus(ctx, nil, status, limit, offset)
}

// ApprovePlan transitions a pending plan to approved, inserts the
// apply job spawned by the approval and writes the audit entry, all
// inside one write transaction. If two approvals race, the plan
// status guard lets exactly one through; the loser sees
// types.ErrInvalidTransition and no second job is created.
func (d *Database) ApprovePlan(ctx context.Context, planID, actor string, job *types.Job) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		updated, err := d.Plans.UpdatePlanStatus(ctx, txn, planID, types.PlanStatusPending, types.PlanStatusApproved, job.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !updated {
			return d.planTransitionError(ctx, txn, planID)
		}
		if err = d.Jobs.InsertJob(ctx, txn, job); err != nil {
			return err
		}
		_, err = d.AuditLog.InsertAuditEntry(ctx, txn, &types.AuditEntry{
			Action:    "approve",
			PlanID:    planID,
			JobID:     job.ID,
			Actor:     actor,
			CreatedAt: time.Now().UTC(),
		})
		return err
	})
}

// RejectPlan transitions a pending plan to rejected and writes the
// audit entry. Rejection is permanent.
func (d *Database) RejectPlan(ctx context.Context, planID, actor string) error {
	return d.transitionPlan(ctx, planID, actor, types.PlanStatusPending, types.PlanStatusRejected, "reject")
}

// CancelPlan transitions a pending plan to canceled and writes the
// audit entry.
func (d *Database) CancelPlan(ctx context.Context, planID, actor string) error {
	return d.transitionPlan(ctx, planID, actor, types.PlanStatusPending, types.PlanStatusCanceled, "cancel")
}

// MarkPlanApplied transitions an approved plan to applied, once its
// spawned job has completed.
func (d *Database) MarkPlanApplied(ctx context.Context, planID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		updated, err := d.Plans.UpdatePlanStatus(ctx, txn, planID, types.PlanStatusApproved, types.PlanStatusApplied, "", time.Now().UTC())
		if err != nil {
			return err
		}
		if !updated {
			return d.planTransitionError(ctx, txn, planID)
		}
		return nil
	})
}

// MarkPlanAppliedForJob transitions the plan whose approval spawned
// the given job from approved to applied. Jobs not linked to any plan
// are a no-op, so the worker can call this for every finished apply
// job without inspecting its payload.
func (d *Database) MarkPlanAppliedForJob(ctx context.Context, jobID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		plan, err := d.Plans.SelectPlanByJobID(ctx, txn, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		updated, err := d.Plans.UpdatePlanStatus(ctx, txn, plan.ID, types.PlanStatusApproved, types.PlanStatusApplied, "", time.Now().UTC())
		if err != nil {
			return err
		}
		if !updated {
			return d.planTransitionError(ctx, txn, plan.ID)
		}
		return nil
	})
}

// AuditEntriesForPlan returns the approval decision history of a plan.
func (d *Database) AuditEntriesForPlan(ctx context.Context, planID string) ([]types.AuditEntry, error) {
	return d.AuditLog.SelectAuditEntriesForPlan(ctx, nil, planID)
}

func (d *Database) transitionPlan(ctx context.Context, planID, actor string, from, to types.PlanStatus, action string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		updated, err := d.Plans.UpdatePlanStatus(ctx, txn, planID, from, to, "", time.Now().UTC())
		if err != nil {
			return err
		}
		if !updated {
			return d.planTransitionError(ctx, txn, planID)
		}
		_, err = d.AuditLog.InsertAuditEntry(ctx, txn, &types.AuditEntry{
			Action:    action,
			PlanID:    planID,
			Actor:     actor,
			CreatedAt: time.Now().UTC(),
		})
		return err
	})
}

func (d *Database) planTransitionError(ctx context.Context, txn *sql.Tx, planID string) error {
	if _, err := d.Plans.SelectPlanByID(ctx, txn, planID); errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	} else if err != nil {
		return err
	}
	return types.ErrInvalidTransition
}
