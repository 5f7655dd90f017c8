// Package backend runs translated SQL against IRIS and normalizes results
// and errors for the protocol layer. Two executors implement the same
// interface: an in-process one holding a single pinned connection per
// session, and a pooled one sharing a connection pool across sessions.
package backend

import (
	"context"
	"database/sql"
	"io"

	"github.com/jmoiron/sqlx"
)

// Column describes one result column as the driver reports it.
type Column struct {
	Name string
	// TypeName is the driver's database type name, mapped to a wire OID by
	// the protocol layer.
	TypeName string
	// Size is the declared length for character types, -1 when unknown.
	Size int32
	// Nullable is false only when the driver is certain.
	Nullable bool
}

// Rows iterates a result set. Next returns io.EOF after the last row.
type Rows interface {
	Columns() []Column
	Next() ([]any, error)
	Close() error
}

// Result is the outcome of one statement.
type Result struct {
	// Rows is nil for statements that return no result set.
	Rows Rows
	// RowsAffected is meaningful when Rows is nil.
	RowsAffected int64
}

// Transaction status bytes as the ReadyForQuery message carries them.
const (
	TxIdle   = byte('I')
	TxActive = byte('T')
	TxFailed = byte('E')
)

// Executor runs statements for one client session. Implementations are safe
// for the session's own concurrency pattern only: one statement at a time,
// with Cancel callable from another goroutine.
type Executor interface {
	// Execute runs a single statement. args are positional, already expanded
	// to the statement's ? markers.
	Execute(ctx context.Context, sql string, args []any) (*Result, error)

	// ExecuteMany runs the same statement once per argument row, inside the
	// current transaction. It returns the number of rows affected and the
	// zero-based index of the failing argument row, -1 on success.
	ExecuteMany(ctx context.Context, sql string, batch [][]any) (int64, int, error)

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error

	// TxStatus reports the current transaction status byte.
	TxStatus() byte

	// Cancel interrupts the in-flight statement, if any. Safe to call from
	// another goroutine.
	Cancel()

	Close() error
}

// sqlRows adapts *sql.Rows. Values come back as the driver produced them;
// the codec handles conversion at encode time.
type sqlRows struct {
	rows *sql.Rows
	cols []Column
	dest []any
	// onClose runs once when the result set is released, for handle return.
	onClose func()
}

func newSQLRows(rows *sql.Rows) (*sqlRows, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, err
	}
	cols := make([]Column, len(types))
	for i, ct := range types {
		cols[i] = Column{Name: ct.Name(), TypeName: ct.DatabaseTypeName(), Size: -1}
		if length, ok := ct.Length(); ok {
			cols[i].Size = int32(length)
		}
		if nullable, ok := ct.Nullable(); ok {
			cols[i].Nullable = nullable
		} else {
			cols[i].Nullable = true
		}
	}
	return &sqlRows{rows: rows, cols: cols, dest: make([]any, len(cols))}, nil
}

func (r *sqlRows) Columns() []Column { return r.cols }

func (r *sqlRows) Next() ([]any, error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	ptrs := make([]any, len(r.dest))
	for i := range r.dest {
		ptrs[i] = &r.dest[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make([]any, len(r.dest))
	copy(out, r.dest)
	return out, nil
}

func (r *sqlRows) Close() error {
	err := r.rows.Close()
	if r.onClose != nil {
		r.onClose()
		r.onClose = nil
	}
	return err
}

// Open dials IRIS through database/sql using the configured driver name and
// DSN. sqlx adds nothing at dial time but its Unsafe rebinding helpers are
// used by the catalog layer.
func Open(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}
