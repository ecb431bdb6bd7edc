package sqlutil

import (
	"database/sql"
)

// DummyWriter implements sqlutil.Writer.
// The DummyWriter is designed to allow reuse of the sqlutil.Writer
// interface but, unlike ExclusiveWriter, it will not guarantee
// writer exclusivity. This is fine in PostgreSQL where overlapping
// transactions and writes are acceptable: the claim protocol uses
// row locking (FOR UPDATE SKIP LOCKED) there instead.
type DummyWriter struct {
}

func NewDummyWriter() Writer {
	return &DummyWriter{}
}

// Do executes the given function, wrapping it in a transaction if
// one was not supplied.
func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if db != nil && txn == nil {
		return WithTransaction(db, func(txn *sql.Tx) error {
			return f(txn)
		})
	}
	return f(txn)
}
