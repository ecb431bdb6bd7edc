package storage

import (
	"fmt"

	"github.com/randomparity/vpo-sub001/internal/sqlutil"
	"github.com/randomparity/vpo-sub001/jobapi/storage/postgres"
	"github.com/randomparity/vpo-sub001/jobapi/storage/sqlite3"
	"github.com/randomparity/vpo-sub001/setup/config"
)

// NewDatabase opens a database from the given options, selecting the
// engine from the connection string.
func NewDatabase(dbProperties *config.DatabaseOptions) (Database, error) {
	cm, err := sqlutil.NewConnectionManager(dbProperties)
	if err != nil {
		return nil, err
	}
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(cm)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.NewDatabase(cm)
	default:
		return nil, fmt.Errorf("unexpected database type %q", dbProperties.ConnectionString)
	}
}
