package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/randomparity/vpo-sub001/internal/sqlutil"
	"github.com/randomparity/vpo-sub001/jobapi/storage/tables"
	"github.com/randomparity/vpo-sub001/jobapi/types"
)

const auditLogSchema = `
CREATE TABLE IF NOT EXISTS jobapi_audit_log (
    id BIGSERIAL PRIMARY KEY,
    action TEXT NOT NULL,
    plan_id TEXT NOT NULL,
    job_id TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL,
    created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobapi_audit_log_plan_idx ON jobapi_audit_log(plan_id);
`

const insertAuditEntrySQL = `INSERT INTO jobapi_audit_log (action, plan_id, job_id, actor, created_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id`

const selectAuditEntriesForPlanSQL = `SELECT id, action, plan_id, job_id, actor, created_at
FROM jobapi_audit_log WHERE plan_id = $1 ORDER BY created_at ASC, id ASC`

type auditLogStatements struct {
	insertAuditEntryStmt          *sql.Stmt
	selectAuditEntriesForPlanStmt *sql.Stmt
}

func NewPostgresAuditLogTable(db *sql.DB) (tables.AuditLog, error) {
	if _, err := db.Exec(auditLogSchema); err != nil {
		return nil, err
	}
	s := &auditLogStatements{}
	return s, sqlutil.StatementList{
		{&s.insertAuditEntryStmt, insertAuditEntrySQL},
		{&s.selectAuditEntriesForPlanStmt, selectAuditEntriesForPlanSQL},
	}.Prepare(db)
}

func (s *auditLogStatements) InsertAuditEntry(ctx context.Context, txn *sql.Tx, entry *types.AuditEntry) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.insertAuditEntryStmt)
	var entryID int64
	if err := stmt.QueryRowContext(ctx,
		entry.Action, entry.PlanID, entry.JobID, entry.Actor,
		entry.CreatedAt.UTC().UnixMilli(),
	).Scan(&entryID); err != nil {
		return 0, err
	}
	return entryID, nil
}

func (s *auditLogStatements) SelectAuditEntriesForPlan(ctx context.Context, txn *sql.Tx, planID string) ([]types.AuditEntry, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAuditEntriesForPlanStmt)
	rows, err := stmt.QueryContext(ctx, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []types.AuditEntry
	for rows.Next() {
		var (
			entry types.AuditEntry
			ts    int64
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.PlanID, &entry.JobID, &entry.Actor, &ts); err != nil {
			return nil, err
		}
		entry.CreatedAt = time.UnixMilli(ts).UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
