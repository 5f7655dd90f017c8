package backend

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/myirisserver/transpiler"
)

// Pooled multiplexes sessions over a shared Pool. A handle is checked out per
// statement; an explicit transaction pins its handle until COMMIT or
// ROLLBACK so transaction scope stays on one connection.
//
// Session-scoped backend state (temp tables, SET options) does not survive
// between statements in this mode; deployments that need it run in-process
// executors instead.
type Pooled struct {
	pool    *Pool
	timeout time.Duration
	logger  *logrus.Entry

	mu       sync.Mutex
	pinned   *handle
	txStatus byte

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	OnFallback func()
}

func NewPooled(pool *Pool, timeout time.Duration, logger *logrus.Entry) *Pooled {
	return &Pooled{pool: pool, timeout: timeout, logger: logger, txStatus: TxIdle}
}

func (e *Pooled) Execute(ctx context.Context, query string, args []any) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execLocked(ctx, query, args)
}

func (e *Pooled) execLocked(ctx context.Context, query string, args []any) (*Result, error) {
	h, pinned, err := e.handleLocked(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done := e.arm(ctx)

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
		rows, err := h.conn.QueryContext(ctx, query, args...)
		if err != nil {
			done()
			e.finish(h, pinned, err)
			return nil, e.fail(err)
		}
		wrapped, err := newSQLRows(rows)
		if err != nil {
			done()
			e.finish(h, pinned, err)
			return nil, e.fail(err)
		}
		// The handle goes back once the session drains the rows.
		wrapped.onClose = func() {
			done()
			e.finish(h, pinned, nil)
		}
		return &Result{Rows: wrapped}, nil
	}

	res, err := h.conn.ExecContext(ctx, query, args...)
	done()
	e.finish(h, pinned, err)
	if err != nil {
		return nil, e.fail(err)
	}
	affected, _ := res.RowsAffected()
	return &Result{RowsAffected: affected}, nil
}

func (e *Pooled) ExecuteMany(ctx context.Context, query string, batch [][]any) (int64, int, error) {
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

// handleLocked returns the pinned handle during a transaction and a fresh
// acquisition otherwise.
func (e *Pooled) handleLocked(ctx context.Context) (*handle, bool, error) {
	if e.pinned != nil {
		return e.pinned, true, nil
	}
	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	return h, false, nil
}

// finish releases unpinned handles, destroying those whose connection failed.
func (e *Pooled) finish(h *handle, pinned bool, err error) {
	if pinned {
		return
	}
	destroy := false
	if err != nil {
		var be *Error
		if classified := Classify(err); errors.As(classified, &be) && be.Kind == KindConnection {
			destroy = true
		}
	}
	e.pool.Release(h, destroy)
}

func (e *Pooled) Begin(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txStatus != TxIdle {
		return nil
	}
	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := h.conn.ExecContext(ctx, "START TRANSACTION"); err != nil {
		e.pool.Release(h, true)
		return Classify(err)
	}
	e.pinned = h
	e.txStatus = TxActive
	return nil
}

func (e *Pooled) Commit(ctx context.Context) error {
	return e.endTx(ctx, "COMMIT")
}

func (e *Pooled) Rollback(ctx context.Context) error {
	return e.endTx(ctx, "ROLLBACK")
}

func (e *Pooled) endTx(ctx context.Context, stmt string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pinned == nil {
		e.txStatus = TxIdle
		return nil
	}
	if e.txStatus == TxFailed {
		stmt = "ROLLBACK"
	}
	_, err := e.pinned.conn.ExecContext(ctx, stmt)
	// A handle whose transaction end failed carries unknown state.
	e.pool.Release(e.pinned, err != nil)
	e.pinned = nil
	e.txStatus = TxIdle
	if err != nil {
		return Classify(err)
	}
	return nil
}

func (e *Pooled) Savepoint(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sp, err := savepointIdent(name)
	if err != nil {
		return err
	}
	if e.pinned == nil {
		return newError(KindSyntax, pgerrcode.NoActiveSQLTransaction, errors.New("SAVEPOINT outside a transaction"))
	}
	if _, err := e.pinned.conn.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return e.fail(err)
	}
	return nil
}

func (e *Pooled) RollbackTo(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sp, err := savepointIdent(name)
	if err != nil {
		return err
	}
	if e.pinned == nil {
		return newError(KindSyntax, pgerrcode.NoActiveSQLTransaction, errors.New("ROLLBACK TO outside a transaction"))
	}
	if _, err := e.pinned.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
		return Classify(err)
	}
	if e.txStatus == TxFailed {
		e.txStatus = TxActive
	}
	return nil
}

func (e *Pooled) TxStatus() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txStatus
}

func (e *Pooled) Cancel() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Pooled) Close() error {
	e.Cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pinned != nil {
		// Abandoning a transaction mid-flight poisons the handle.
		e.pool.Release(e.pinned, true)
		e.pinned = nil
	}
	e.txStatus = TxIdle
	return nil
}

func (e *Pooled) arm(ctx context.Context) (context.Context, context.CancelFunc) {
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

func (e *Pooled) fail(err error) error {
	if e.txStatus == TxActive {
		e.txStatus = TxFailed
	}
	return Classify(err)
}
