package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func rowsAffected(result sql.Result) (bool, error) {
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// escapeLike escapes LIKE metacharacters so user input matches
// literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func queryRowContext(ctx context.Context, db *sql.DB, txn *sql.Tx, query string, args ...interface{}) *sql.Row {
	if txn != nil {
		return txn.QueryRowContext(ctx, query, args...)
	}
	return db.QueryRowContext(ctx, query, args...)
}

func queryContext(ctx context.Context, db *sql.DB, txn *sql.Tx, query string, args ...interface{}) (*sql.Rows, error) {
	if txn != nil {
		return txn.QueryContext(ctx, query, args...)
	}
	return db.QueryContext(ctx, query, args...)
}

func execContext(ctx context.Context, db *sql.DB, txn *sql.Tx, query string, args ...interface{}) (sql.Result, error) {
	if txn != nil {
		return txn.ExecContext(ctx, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}
