package postgres

import (
	// Import the postgres database driver.
	_ "github.com/lib/pq"

	"github.com/randomparity/vpo-sub001/internal/sqlutil"
	"github.com/randomparity/vpo-sub001/jobapi/storage/shared"
)

// NewDatabase creates the PostgreSQL flavour of the job database.
func NewDatabase(cm *sqlutil.ConnectionManager) (*shared.Database, error) {
	db, writer := cm.Connection()
	jobs, err := NewPostgresJobsTable(db)
	if err != nil {
		return nil, err
	}
	plans, err := NewPostgresPlansTable(db)
	if err != nil {
		return nil, err
	}
	auditLog, err := NewPostgresAuditLogTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:       db,
		Writer:   writer,
		Jobs:     jobs,
		Plans:    plans,
		AuditLog: auditLog,
	}, nil
}
