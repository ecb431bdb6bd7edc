package sqlutil

import (
	"database/sql"
)

// The Writer interface is designed to allow a degree of serialisation of
// database writes. Sequential writes matter for SQLite, where there can be
// only one writer at a time and other writers receive "database is locked"
// errors, but they are also what the claim protocol relies upon: two
// concurrent claim attempts must never observe the same queued row.
//
// Queries can be performed directly on the *sql.DB and do not need to go
// through the writer.
type Writer interface {
	// Do queues a task into the writer and waits for it to complete.
	// If the database parameter is non-nil and the transaction parameter
	// is nil then the task is wrapped in a new transaction.
	// If the transaction parameter is non-nil then the task runs inside
	// the supplied transaction instead.
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}
