package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/randomparity/vpo-sub001/internal/sqlutil"
	"github.com/randomparity/vpo-sub001/jobapi/storage/tables"
	"github.com/randomparity/vpo-sub001/jobapi/types"
)

const plansSchema = `
CREATE TABLE IF NOT EXISTS jobapi_plans (
    id TEXT PRIMARY KEY,
    file_id BIGINT,
    file_path TEXT NOT NULL,
    policy_name TEXT NOT NULL,
    policy_version TEXT NOT NULL DEFAULT '',
    actions TEXT NOT NULL,
    action_count INTEGER NOT NULL,
    requires_remux BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL,
    job_id TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobapi_plans_status_idx ON jobapi_plans(status, created_at);
`

const planColumns = `id, file_id, file_path, policy_name, policy_version, actions,
action_count, requires_remux, status, job_id, created_at, updated_at`

const insertPlanSQL = `INSERT INTO jobapi_plans (` + planColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const selectPlanByIDSQL = `SELECT ` + planColumns + ` FROM jobapi_plans WHERE id = $1`

const selectPlanByJobIDSQL = `SELECT ` + planColumns + ` FROM jobapi_plans WHERE job_id = $1`

const selectPlansByStatusSQL = `SELECT ` + planColumns + ` FROM jobapi_plans
WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

const updatePlanStatusSQL = `UPDATE jobapi_plans
SET status = $1, updated_at = $2
WHERE id = $3 AND status = $4`

const updatePlanStatusWithJobSQL = `UPDATE jobapi_plans
SET status = $1, job_id = $2, updated_at = $3
WHERE id = $4 AND status = $5`

type plansStatements struct {
	insertPlanStmt              *sql.Stmt
	selectPlanByIDStmt          *sql.Stmt
	selectPlanByJobIDStmt       *sql.Stmt
	selectPlansByStatusStmt     *sql.Stmt
	updatePlanStatusStmt        *sql.Stmt
	updatePlanStatusWithJobStmt *sql.Stmt
}

func NewPostgresPlansTable(db *sql.DB) (tables.Plans, error) {
	if _, err := db.Exec(plansSchema); err != nil {
		return nil, err
	}
	s := &plansStatements{}
	return s, sqlutil.StatementList{
		{&s.insertPlanStmt, insertPlanSQL},
		{&s.selectPlanByIDStmt, selectPlanByIDSQL},
		{&s.selectPlanByJobIDStmt, selectPlanByJobIDSQL},
		{&s.selectPlansByStatusStmt, selectPlansByStatusSQL},
		{&s.updatePlanStatusStmt, updatePlanStatusSQL},
		{&s.updatePlanStatusWithJobStmt, updatePlanStatusWithJobSQL},
	}.Prepare(db)
}

func (s *plansStatements) InsertPlan(ctx context.Context, txn *sql.Tx, plan *types.Plan) error {
	stmt := sqlutil.TxStmt(txn, s.insertPlanStmt)
	_, err := stmt.ExecContext(ctx,
		plan.ID, nullableInt64(plan.FileID), plan.FilePath,
		plan.PolicyName, plan.PolicyVersion, string(plan.Actions),
		plan.ActionCount, plan.RequiresRemux, string(plan.Status), plan.JobID,
		plan.CreatedAt.UTC().UnixMilli(), plan.UpdatedAt.UTC().UnixMilli(),
	)
	return err
}

func (s *plansStatements) SelectPlanByID(ctx context.Context, txn *sql.Tx, planID string) (*types.Plan, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPlanByIDStmt)
	return scanPlan(stmt.QueryRowContext(ctx, planID))
}

func (s *plansStatements) SelectPlanByJobID(ctx context.Context, txn *sql.Tx, jobID string) (*types.Plan, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPlanByJobIDStmt)
	return scanPlan(stmt.QueryRowContext(ctx, jobID))
}

func (s *plansStatements) SelectPlansByStatus(ctx context.Context, txn *sql.Tx, status types.PlanStatus, limit, offset int) ([]*types.Plan, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPlansByStatusStmt)
	rows, err := stmt.QueryContext(ctx, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var plans []*types.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func (s *plansStatements) UpdatePlanStatus(ctx context.Context, txn *sql.Tx, planID string, from, to types.PlanStatus, jobID string, now time.Time) (bool, error) {
	ts := now.UTC().UnixMilli()
	var result sql.Result
	var err error
	if jobID != "" {
		stmt := sqlutil.TxStmt(txn, s.updatePlanStatusWithJobStmt)
		result, err = stmt.ExecContext(ctx, string(to), jobID, ts, planID, string(from))
	} else {
		stmt := sqlutil.TxStmt(txn, s.updatePlanStatusStmt)
		result, err = stmt.ExecContext(ctx, string(to), ts, planID, string(from))
	}
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func scanPlan(row rowScanner) (*types.Plan, error) {
	var plan types.Plan
	var fileID sql.NullInt64
	var actions, status string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&plan.ID, &fileID, &plan.FilePath, &plan.PolicyName, &plan.PolicyVersion,
		&actions, &plan.ActionCount, &plan.RequiresRemux, &status, &plan.JobID,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if fileID.Valid {
		plan.FileID = &fileID.Int64
	}
	plan.Actions = json.RawMessage(actions)
	plan.Status = types.PlanStatus(status)
	plan.CreatedAt = time.UnixMilli(createdAt).UTC()
	plan.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &plan, nil
}
