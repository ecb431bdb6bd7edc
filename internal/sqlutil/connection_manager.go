package sqlutil

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/randomparity/vpo-sub001/setup/config"
)

// ConnectionManager hands out database connections and the matching
// Writer for the configured database engine. A single ConnectionManager
// is shared by everything talking to one store so that SQLite writes
// are serialised through one ExclusiveWriter.
type ConnectionManager struct {
	db     *sql.DB
	writer Writer
}

// NewConnectionManager opens a connection for the given database
// options and picks the right writer for the engine: an ExclusiveWriter
// for SQLite, a DummyWriter for PostgreSQL.
func NewConnectionManager(dbProperties *config.DatabaseOptions) (*ConnectionManager, error) {
	var driverName string
	var dsn string
	var writer Writer
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = "sqlite3"
		writer = NewExclusiveWriter()
		var err error
		if dsn, err = sqliteDSN(string(dbProperties.ConnectionString)); err != nil {
			return nil, errors.Wrap(err, "invalid sqlite connection string")
		}
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		writer = NewDummyWriter()
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("unsupported connection string %q", dbProperties.ConnectionString)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if driverName == "sqlite3" {
		// SQLite is single-writer. Funnelling everything through one
		// connection avoids "database is locked" errors under load.
		db.SetMaxOpenConns(1)
	} else {
		if dbProperties.MaxOpenConns() != 0 {
			db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		}
		if dbProperties.MaxIdleConns() != 0 {
			db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		}
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	return &ConnectionManager{db: db, writer: writer}, nil
}

// Connection returns the shared database handle and writer.
func (c *ConnectionManager) Connection() (*sql.DB, Writer) {
	return c.db, c.writer
}

// Close closes the underlying database handle.
func (c *ConnectionManager) Close() error {
	return c.db.Close()
}

// sqliteDSN normalises a file: URI into a DSN for mattn/go-sqlite3,
// forcing immediate transactions so that write transactions take the
// database lock at BEGIN rather than at first write. The claim
// protocol depends on this when several worker processes share one
// database file.
func sqliteDSN(connStr string) (string, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	if q.Get("_busy_timeout") == "" {
		q.Set("_busy_timeout", "5000")
	}
	u.RawQuery = q.Encode()
	// url.Parse escapes "file::memory:" oddly; rebuild by hand.
	path := strings.TrimPrefix(connStr, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return "file:" + path + "?" + u.RawQuery, nil
}
