package sqlite3

import (
	// Import the sqlite3 database driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/randomparity/vpo-sub001/internal/sqlutil"
	"github.com/randomparity/vpo-sub001/jobapi/storage/shared"
)

// NewDatabase creates the SQLite flavour of the job database.
func NewDatabase(cm *sqlutil.ConnectionManager) (*shared.Database, error) {
	db, writer := cm.Connection()
	jobs, err := NewSQLiteJobsTable(db)
	if err != nil {
		return nil, err
	}
	plans, err := NewSQLitePlansTable(db)
	if err != nil {
		return nil, err
	}
	auditLog, err := NewSQLiteAuditLogTable(db)
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
