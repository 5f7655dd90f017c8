package backend

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/myirisserver/codec"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code string
	}{
		{"canceled", context.Canceled, KindCanceled, "57014"},
		{"syntax sqlcode", errors.New("[SQLCODE: <-1>:<Invalid SQL statement>]"), KindSyntax, "42601"},
		{"constraint sqlcode", errors.New("[SQLCODE: <-119>:<Unique constraint violation>]"), KindConstraint, "23505"},
		{"bad value sqlcode", errors.New("[SQLCODE: <-104>:<Field validation failed>]"), KindData, "22P02"},
		{"connection text", errors.New("dial tcp: connection refused"), KindConnection, "08006"},
		{"unknown", errors.New("boom"), KindInternal, "XX000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var be *Error
			require.ErrorAs(t, Classify(tt.err), &be)
			require.Equal(t, tt.kind, be.Kind)
			require.Equal(t, tt.code, be.SQLState())
		})
	}
	require.NoError(t, Classify(nil))
}

func TestQuoteLiteral(t *testing.T) {
	require.Equal(t, "NULL", quoteLiteral(nil))
	require.Equal(t, "1", quoteLiteral(true))
	require.Equal(t, "'it''s'", quoteLiteral("it's"))
	require.Equal(t, "42", quoteLiteral(int64(42)))
	require.Equal(t, "'1962-10-03'", quoteLiteral(time.Date(1962, 10, 3, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "'2024-06-01 10:30:00'", quoteLiteral(time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)))
	require.Equal(t, "TO_VECTOR('[1,2.5]', FLOAT)", quoteLiteral(codec.Vector{1, 2.5}))
	require.Equal(t, "3.14", quoteLiteral(decimal.RequireFromString("3.14")))

	require.True(t, needsInline([]any{int64(1), time.Now()}))
	require.False(t, needsInline([]any{int64(1), "x"}))
}

func TestInProcessQueryAndExec(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	mock.ExpectQuery("SELECT a FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"a"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectExec("INSERT INTO t (a) VALUES (?)").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e, err := NewInProcess(ctx, db, 0, testLogger())
	require.NoError(t, err)
	defer e.Close()

	res, err := e.Execute(ctx, "SELECT a FROM t", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Rows)
	require.Equal(t, "a", res.Rows.Columns()[0].Name)
	var got []any
	for {
		row, err := res.Rows.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, row[0])
	}
	require.Len(t, got, 2)
	require.NoError(t, res.Rows.Close())

	res, err = e.Execute(ctx, "INSERT INTO t (a) VALUES (?)", []any{int64(7)})
	require.NoError(t, err)
	require.Nil(t, res.Rows)
	require.EqualValues(t, 1, res.RowsAffected)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInProcessInlineFallback(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	mock.ExpectExec("INSERT INTO t (d) VALUES ('2024-01-02')").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e, err := NewInProcess(ctx, db, 0, testLogger())
	require.NoError(t, err)
	defer e.Close()

	fallbacks := 0
	e.OnFallback = func() { fallbacks++ }

	_, err = e.Execute(ctx, "INSERT INTO t (d) VALUES (?)",
		[]any{time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Equal(t, 1, fallbacks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInProcessTransactionStatus(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	mock.ExpectExec("START TRANSACTION").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO t (a) VALUES (1)").
		WillReturnError(errors.New("[SQLCODE: <-119>:<Unique constraint violation>]"))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	e, err := NewInProcess(ctx, db, 0, testLogger())
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, TxIdle, e.TxStatus())
	require.NoError(t, e.Begin(ctx))
	require.Equal(t, TxActive, e.TxStatus())

	_, err = e.Execute(ctx, "INSERT INTO t (a) VALUES (1)", nil)
	require.Error(t, err)
	require.Equal(t, TxFailed, e.TxStatus())

	// COMMIT of a failed transaction degrades to ROLLBACK.
	require.NoError(t, e.Commit(ctx))
	require.Equal(t, TxIdle, e.TxStatus())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolExhaustion(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	ctx := context.Background()
	p := NewPool(db, PoolConfig{Size: 1, AcquireTimeout: 50 * time.Millisecond}, testLogger())
	defer p.Close()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(h, false)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(h2, false)

	open, idle := p.Stats()
	require.Equal(t, 1, open)
	require.Equal(t, 1, idle)
}

func TestPoolReconnectBackoff(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	// Closing the db makes every dial fail, so Acquire has to walk the
	// whole backoff schedule before giving up.
	mock.ExpectClose()
	require.NoError(t, db.Close())

	p := NewPool(db, PoolConfig{Size: 1, AcquireTimeout: 200 * time.Millisecond}, testLogger())
	defer p.Close()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	require.GreaterOrEqual(t, time.Since(start), connectBackoffStart)
}

func TestPooledTransactionPinsHandle(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	mock.ExpectExec("START TRANSACTION").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO t (a) VALUES (?)").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	// Size 1 proves the transaction reuses its pinned handle: a second
	// acquisition would time out.
	p := NewPool(db, PoolConfig{Size: 1, AcquireTimeout: 50 * time.Millisecond}, testLogger())
	defer p.Close()
	e := NewPooled(p, 0, testLogger())
	defer e.Close()

	require.NoError(t, e.Begin(ctx))
	require.Equal(t, TxActive, e.TxStatus())

	res, err := e.Execute(ctx, "INSERT INTO t (a) VALUES (?)", []any{int64(1)})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.RowsAffected)

	require.NoError(t, e.Commit(ctx))
	require.Equal(t, TxIdle, e.TxStatus())

	open, idle := p.Stats()
	require.Equal(t, 1, open)
	require.Equal(t, 1, idle)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteManyReportsFailingRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	mock.ExpectExec("INSERT INTO t (a) VALUES (?)").
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO t (a) VALUES (?)").
		WithArgs(int64(2)).WillReturnError(errors.New("[SQLCODE: <-104>:<Field validation failed>]"))

	e, err := NewInProcess(ctx, db, 0, testLogger())
	require.NoError(t, err)
	defer e.Close()

	total, failed, err := e.ExecuteMany(ctx, "INSERT INTO t (a) VALUES (?)",
		[][]any{{int64(1)}, {int64(2)}, {int64(3)}})
	require.Error(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, 1, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}
