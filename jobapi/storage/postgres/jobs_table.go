package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/randomparity/vpo-sub001/internal/sqlutil"
	"github.com/randomparity/vpo-sub001/jobapi/storage/tables"
	"github.com/randomparity/vpo-sub001/jobapi/types"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobapi_jobs (
    id TEXT PRIMARY KEY,
    job_type TEXT NOT NULL,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    file_id BIGINT,
    file_path TEXT NOT NULL,
    policy_name TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    progress_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
    progress_detail TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    started_at BIGINT,
    completed_at BIGINT,
    heartbeat_at BIGINT,
    worker_name TEXT NOT NULL DEFAULT '',
    output_path TEXT NOT NULL DEFAULT '',
    backup_path TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS jobapi_jobs_queue_idx ON jobapi_jobs(status, priority, created_at);
CREATE INDEX IF NOT EXISTS jobapi_jobs_created_idx ON jobapi_jobs(created_at);
`

const jobColumns = `id, job_type, status, priority, file_id, file_path, policy_name, payload,
progress_percent, progress_detail, created_at, started_at, completed_at, heartbeat_at,
worker_name, output_path, backup_path, error_message`

const insertJobSQL = `INSERT INTO jobapi_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

const selectJobByIDSQL = `SELECT ` + jobColumns + ` FROM jobapi_jobs WHERE id = $1`

const selectJobsByIDPrefixSQL = `SELECT ` + jobColumns + ` FROM jobapi_jobs
WHERE id LIKE $1 ORDER BY created_at DESC`

// Selection for the claim protocol locks the candidate row and skips
// rows already locked by a concurrent claimer, so two workers on
// PostgreSQL never fight over the same job even without an exclusive
// writer.
const selectQueuedJobsSQL = `SELECT ` + jobColumns + ` FROM jobapi_jobs
WHERE status = 'queued' ORDER BY priority ASC, created_at ASC LIMIT $1
FOR UPDATE SKIP LOCKED`

const selectJobStatsSQL = `SELECT status, COUNT(*) FROM jobapi_jobs GROUP BY status`

const markJobRunningSQL = `UPDATE jobapi_jobs
SET status = 'running', started_at = $1, heartbeat_at = $2, worker_name = $3
WHERE id = $4 AND status = 'queued'`

const markJobFinishedSQL = `UPDATE jobapi_jobs
SET status = $1, completed_at = $2, error_message = $3, output_path = $4, backup_path = $5,
    heartbeat_at = NULL, worker_name = ''
WHERE id = $6 AND status = 'running' AND worker_name = $7`

const markJobCancelledSQL = `UPDATE jobapi_jobs
SET status = 'cancelled', completed_at = $1
WHERE id = $2 AND status = 'queued'`

const requeueJobSQL = `UPDATE jobapi_jobs
SET status = 'queued', started_at = NULL, completed_at = NULL, heartbeat_at = NULL,
    worker_name = '', error_message = '', progress_percent = 0, progress_detail = ''
WHERE id = $1 AND status IN ('failed', 'cancelled')`

const updateJobProgressSQL = `UPDATE jobapi_jobs
SET progress_percent = $1, progress_detail = $2
WHERE id = $3 AND status = 'running'`

const updateHeartbeatSQL = `UPDATE jobapi_jobs
SET heartbeat_at = $1
WHERE id = $2 AND status = 'running' AND worker_name = $3`

const resetStaleJobsSQL = `UPDATE jobapi_jobs
SET status = 'queued', started_at = NULL, heartbeat_at = NULL,
    worker_name = '', progress_percent = 0, progress_detail = ''
WHERE status = 'running' AND heartbeat_at < $1`

const selectBackupPathsSQL = `SELECT backup_path FROM jobapi_jobs WHERE backup_path != ''`

type jobsStatements struct {
	db                     *sql.DB
	insertJobStmt          *sql.Stmt
	selectJobByIDStmt      *sql.Stmt
	selectJobsByPrefixStmt *sql.Stmt
	selectQueuedJobsStmt   *sql.Stmt
	selectJobStatsStmt     *sql.Stmt
	markJobRunningStmt     *sql.Stmt
	markJobFinishedStmt    *sql.Stmt
	markJobCancelledStmt   *sql.Stmt
	requeueJobStmt         *sql.Stmt
	updateJobProgressStmt  *sql.Stmt
	updateHeartbeatStmt    *sql.Stmt
	resetStaleJobsStmt     *sql.Stmt
	selectBackupPathsStmt  *sql.Stmt
}

func NewPostgresJobsTable(db *sql.DB) (tables.Jobs, error) {
	if _, err := db.Exec(jobsSchema); err != nil {
		return nil, err
	}
	s := &jobsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertJobStmt, insertJobSQL},
		{&s.selectJobByIDStmt, selectJobByIDSQL},
		{&s.selectJobsByPrefixStmt, selectJobsByIDPrefixSQL},
		{&s.selectQueuedJobsStmt, selectQueuedJobsSQL},
		{&s.selectJobStatsStmt, selectJobStatsSQL},
		{&s.markJobRunningStmt, markJobRunningSQL},
		{&s.markJobFinishedStmt, markJobFinishedSQL},
		{&s.markJobCancelledStmt, markJobCancelledSQL},
		{&s.requeueJobStmt, requeueJobSQL},
		{&s.updateJobProgressStmt, updateJobProgressSQL},
		{&s.updateHeartbeatStmt, updateHeartbeatSQL},
		{&s.resetStaleJobsStmt, resetStaleJobsSQL},
		{&s.selectBackupPathsStmt, selectBackupPathsSQL},
	}.Prepare(db)
}

func (s *jobsStatements) InsertJob(ctx context.Context, txn *sql.Tx, job *types.Job) error {
	stmt := sqlutil.TxStmt(txn, s.insertJobStmt)
	_, err := stmt.ExecContext(ctx,
		job.ID, string(job.JobType), string(job.Status), job.Priority,
		nullableInt64(job.FileID), job.FilePath, job.PolicyName, string(job.Payload),
		job.ProgressPercent, job.ProgressDetail,
		job.CreatedAt.UTC().UnixMilli(),
		nullableTime(job.StartedAt), nullableTime(job.CompletedAt), nullableTime(job.HeartbeatAt),
		job.WorkerName, job.OutputPath, job.BackupPath, job.ErrorMessage,
	)
	return err
}

func (s *jobsStatements) SelectJobByID(ctx context.Context, txn *sql.Tx, jobID string) (*types.Job, error) {
	stmt := sqlutil.TxStmt(txn, s.selectJobByIDStmt)
	return scanJob(stmt.QueryRowContext(ctx, jobID))
}

func (s *jobsStatements) SelectJobsByIDPrefix(ctx context.Context, txn *sql.Tx, prefix string) ([]*types.Job, error) {
	stmt := sqlutil.TxStmt(txn, s.selectJobsByPrefixStmt)
	rows, err := stmt.QueryContext(ctx, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *jobsStatements) SelectQueuedJobs(ctx context.Context, txn *sql.Tx, limit int) ([]*types.Job, error) {
	stmt := sqlutil.TxStmt(txn, s.selectQueuedJobsStmt)
	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *jobsStatements) SelectJobsFiltered(ctx context.Context, txn *sql.Tx, filter types.JobFilter) ([]*types.Job, int, error) {
	conditions := make([]string, 0, 4)
	params := make([]interface{}, 0, 4)
	addCondition := func(expr string, value interface{}) {
		params = append(params, value)
		conditions = append(conditions, fmt.Sprintf(expr, len(params)))
	}
	if filter.Status != "" {
		addCondition("status = $%d", string(filter.Status))
	}
	if filter.JobType != "" {
		addCondition("job_type = $%d", string(filter.JobType))
	}
	if filter.Since != nil {
		addCondition("created_at >= $%d", filter.Since.UTC().UnixMilli())
	}
	if filter.Search != "" {
		addCondition(`file_path ILIKE $%d ESCAPE '\'`, "%"+escapeLike(filter.Search)+"%")
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM jobapi_jobs" + where
	if err := queryRowContext(ctx, s.db, txn, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + jobColumns + " FROM jobapi_jobs" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	rows, err := queryContext(ctx, s.db, txn, query, params...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	return jobs, total, err
}

func (s *jobsStatements) SelectJobStats(ctx context.Context, txn *sql.Tx) (types.QueueStats, error) {
	var stats types.QueueStats
	stmt := sqlutil.TxStmt(txn, s.selectJobStatsStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err = rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		switch types.JobStatus(status) {
		case types.JobStatusQueued:
			stats.Queued = count
		case types.JobStatusRunning:
			stats.Running = count
		case types.JobStatusCompleted:
			stats.Completed = count
		case types.JobStatusFailed:
			stats.Failed = count
		case types.JobStatusCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *jobsStatements) MarkJobRunning(ctx context.Context, txn *sql.Tx, jobID, workerName string, now time.Time) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.markJobRunningStmt)
	ts := now.UTC().UnixMilli()
	result, err := stmt.ExecContext(ctx, ts, ts, workerName, jobID)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *jobsStatements) MarkJobFinished(ctx context.Context, txn *sql.Tx, jobID, workerName string, status types.JobStatus, errorMessage, outputPath, backupPath string, now time.Time) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.markJobFinishedStmt)
	result, err := stmt.ExecContext(ctx, string(status), now.UTC().UnixMilli(), errorMessage, outputPath, backupPath, jobID, workerName)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *jobsStatements) MarkJobCancelled(ctx context.Context, txn *sql.Tx, jobID string, now time.Time) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.markJobCancelledStmt)
	result, err := stmt.ExecContext(ctx, now.UTC().UnixMilli(), jobID)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *jobsStatements) RequeueJob(ctx context.Context, txn *sql.Tx, jobID string) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.requeueJobStmt)
	result, err := stmt.ExecContext(ctx, jobID)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *jobsStatements) UpdateJobProgress(ctx context.Context, txn *sql.Tx, jobID string, percent float64, detail string) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.updateJobProgressStmt)
	result, err := stmt.ExecContext(ctx, percent, detail, jobID)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *jobsStatements) UpdateHeartbeat(ctx context.Context, txn *sql.Tx, jobID, workerName string, now time.Time) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.updateHeartbeatStmt)
	result, err := stmt.ExecContext(ctx, now.UTC().UnixMilli(), jobID, workerName)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *jobsStatements) ResetStaleJobs(ctx context.Context, txn *sql.Tx, cutoff time.Time) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.resetStaleJobsStmt)
	result, err := stmt.ExecContext(ctx, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *jobsStatements) DeleteJobsBefore(ctx context.Context, txn *sql.Tx, before time.Time, statuses []types.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, 0, len(statuses))
	params := make([]interface{}, 0, len(statuses)+1)
	params = append(params, before.UTC().UnixMilli())
	for _, status := range statuses {
		params = append(params, string(status))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(params)))
	}
	query := "DELETE FROM jobapi_jobs WHERE created_at < $1 AND status IN (" + strings.Join(placeholders, ",") + ")"
	result, err := execContext(ctx, s.db, txn, query, params...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *jobsStatements) SelectBackupPaths(ctx context.Context, txn *sql.Tx) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectBackupPathsStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var path string
		if err = rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var job types.Job
	var jobType, status, payload string
	var fileID sql.NullInt64
	var createdAt int64
	var startedAt, completedAt, heartbeatAt sql.NullInt64
	if err := row.Scan(
		&job.ID, &jobType, &status, &job.Priority, &fileID, &job.FilePath,
		&job.PolicyName, &payload, &job.ProgressPercent, &job.ProgressDetail,
		&createdAt, &startedAt, &completedAt, &heartbeatAt,
		&job.WorkerName, &job.OutputPath, &job.BackupPath, &job.ErrorMessage,
	); err != nil {
		return nil, err
	}
	job.JobType = types.JobType(jobType)
	job.Status = types.JobStatus(status)
	if payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	if fileID.Valid {
		job.FileID = &fileID.Int64
	}
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.StartedAt = timeFromMillis(startedAt)
	job.CompletedAt = timeFromMillis(completedAt)
	job.HeartbeatAt = timeFromMillis(heartbeatAt)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*types.Job, error) {
	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
