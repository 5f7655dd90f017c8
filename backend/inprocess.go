package backend

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/myirisserver/transpiler"
)

// InProcess pins one driver connection for the lifetime of a session, the
// way psql users expect: session temp state, transaction scope, and
// SET options all live on that connection.
type InProcess struct {
	conn    *sql.Conn
	timeout time.Duration
	logger  *logrus.Entry

	mu       sync.Mutex
	txStatus byte

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	// OnFallback is invoked each time parameter binding is bypassed in
	// favor of literal inlining.
	OnFallback func()
}

// NewInProcess checks a dedicated connection out of db and wraps it.
func NewInProcess(ctx context.Context, db *sql.DB, timeout time.Duration, logger *logrus.Entry) (*InProcess, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return &InProcess{conn: conn, timeout: timeout, logger: logger, txStatus: TxIdle}, nil
}

func (e *InProcess) Execute(ctx context.Context, query string, args []any) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execLocked(ctx, query, args)
}

func (e *InProcess) execLocked(ctx context.Context, query string, args []any) (*Result, error) {
	ctx, done := e.arm(ctx)
	defer done()

	if needsInline(args) {
		query = transpiler.ReplacePlaceholders(query, func(i int) string {
			return quoteLiteral(args[i])
		})
		args = nil
		if e.OnFallback != nil {
			e.OnFallback()
		}
		e.logger.WithField("query", query).Debug("binding fallback, parameters inlined")
	}

	if returnsRows(query) {
		rows, err := e.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, e.fail(err)
		}
		wrapped, err := newSQLRows(rows)
		if err != nil {
			return nil, e.fail(err)
		}
		return &Result{Rows: wrapped}, nil
	}

	res, err := e.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, e.fail(err)
	}
	affected, _ := res.RowsAffected()
	return &Result{RowsAffected: affected}, nil
}

func (e *InProcess) ExecuteMany(ctx context.Context, query string, batch [][]any) (int64, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total int64
	for i, args := range batch {
		res, err := e.execLocked(ctx, query, args)
		if err != nil {
			return total, i, err
		}
		total += res.RowsAffected
	}
	return total, -1, nil
}

func (e *InProcess) Begin(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txStatus != TxIdle {
		// Nested BEGIN is a warning in PostgreSQL, not an error.
		return nil
	}
	if _, err := e.conn.ExecContext(ctx, "START TRANSACTION"); err != nil {
		return Classify(err)
	}
	e.txStatus = TxActive
	return nil
}

func (e *InProcess) Commit(ctx context.Context) error {
	return e.endTx(ctx, "COMMIT")
}

func (e *InProcess) Rollback(ctx context.Context) error {
	return e.endTx(ctx, "ROLLBACK")
}

func (e *InProcess) endTx(ctx context.Context, stmt string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txStatus == TxIdle {
		return nil
	}
	// A failed transaction still needs the ROLLBACK sent to IRIS; a COMMIT
	// of a failed transaction degrades to ROLLBACK, as PostgreSQL does.
	if e.txStatus == TxFailed {
		stmt = "ROLLBACK"
	}
	_, err := e.conn.ExecContext(ctx, stmt)
	e.txStatus = TxIdle
	if err != nil {
		return Classify(err)
	}
	return nil
}

func (e *InProcess) Savepoint(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sp, err := savepointIdent(name)
	if err != nil {
		return err
	}
	if _, err := e.conn.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return e.fail(err)
	}
	return nil
}

func (e *InProcess) RollbackTo(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sp, err := savepointIdent(name)
	if err != nil {
		return err
	}
	if _, err := e.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
		return Classify(err)
	}
	// Rolling back to a savepoint recovers a failed transaction.
	if e.txStatus == TxFailed {
		e.txStatus = TxActive
	}
	return nil
}

func (e *InProcess) TxStatus() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txStatus
}

func (e *InProcess) Cancel() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *InProcess) Close() error {
	e.Cancel()
	return e.conn.Close()
}

// arm installs a cancelable context for the statement about to run so Cancel
// can interrupt it from another goroutine.
func (e *InProcess) arm(ctx context.Context) (context.Context, context.CancelFunc) {
	stop := func() {}
	if e.timeout > 0 {
		ctx, stop = context.WithTimeout(ctx, e.timeout)
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
	return ctx, func() {
		e.cancelMu.Lock()
		e.cancel = nil
		e.cancelMu.Unlock()
		cancel()
		stop()
	}
}

// fail classifies err and poisons an active transaction.
func (e *InProcess) fail(err error) error {
	if e.txStatus == TxActive {
		e.txStatus = TxFailed
	}
	return Classify(err)
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(query string) bool {
	switch transpiler.CommandTag(query) {
	case "SELECT", "VALUES", "WITH", "SHOW", "EXPLAIN", "CALL":
		return true
	}
	return false
}

// savepointIdent validates a savepoint name; interpolated into SQL, it must
// be a plain identifier.
func savepointIdent(name string) (string, error) {
	if name == "" {
		return "", newError(KindSyntax, pgerrcode.SyntaxError, errors.New("empty savepoint name"))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			continue
		}
		return "", newError(KindSyntax, pgerrcode.SyntaxError, errors.Newf("invalid savepoint name %q", name))
	}
	return strings.ToUpper(name), nil
}
