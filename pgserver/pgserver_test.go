package pgserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/apecloud/myirisserver/auth"
	"github.com/apecloud/myirisserver/backend"
	"github.com/apecloud/myirisserver/transpiler"
)

type stubRows struct {
	cols   []backend.Column
	rows   [][]any
	idx    int
	closed bool
}

func (r *stubRows) Columns() []backend.Column { return r.cols }

func (r *stubRows) Next() ([]any, error) {
	if r.idx >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.idx]
	r.idx++
	return row, nil
}

func (r *stubRows) Close() error {
	r.closed = true
	return nil
}

// stubExecutor records everything the session runs and plays back scripted
// results in order.
type stubExecutor struct {
	mu       sync.Mutex
	queries  []string
	args     [][]any
	results  []*backend.Result
	batchSQL []string
	batches  [][][]any
	execErr  error
	// errAt fails only the Nth Execute (1-based); zero fails every call.
	errAt        int
	batchErr     error
	batchFailIdx int
	tx           byte
	begun        int
	ended        int
	canceled     chan struct{}
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{tx: backend.TxIdle, canceled: make(chan struct{}, 4)}
}

func (e *stubExecutor) Execute(_ context.Context, sql string, args []any) (*backend.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries = append(e.queries, sql)
	e.args = append(e.args, args)
	if e.execErr != nil && (e.errAt == 0 || e.errAt == len(e.queries)) {
		return nil, e.execErr
	}
	if len(e.results) > 0 {
		r := e.results[0]
		e.results = e.results[1:]
		return r, nil
	}
	return &backend.Result{RowsAffected: 1}, nil
}

func (e *stubExecutor) ExecuteMany(_ context.Context, sql string, batch [][]any) (int64, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batchSQL = append(e.batchSQL, sql)
	copied := make([][]any, len(batch))
	for i, row := range batch {
		copied[i] = append([]any(nil), row...)
	}
	e.batches = append(e.batches, copied)
	if e.batchErr != nil {
		return 0, e.batchFailIdx, e.batchErr
	}
	return int64(len(batch)), -1, nil
}

func (e *stubExecutor) Begin(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begun++
	e.tx = backend.TxActive
	return nil
}

func (e *stubExecutor) Commit(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended++
	e.tx = backend.TxIdle
	return nil
}

func (e *stubExecutor) Rollback(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended++
	e.tx = backend.TxIdle
	return nil
}

func (e *stubExecutor) Savepoint(context.Context, string) error  { return nil }
func (e *stubExecutor) RollbackTo(context.Context, string) error { return nil }

func (e *stubExecutor) TxStatus() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx
}

func (e *stubExecutor) Cancel() {
	select {
	case e.canceled <- struct{}{}:
	default:
	}
}

func (e *stubExecutor) Close() error { return nil }

func (e *stubExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.queries...)
}

func newTestServer(exec backend.Executor, mutate func(*Config)) *Server {
	base := logrus.New()
	base.SetOutput(io.Discard)
	cfg := Config{
		NewExecutor: func(context.Context) (backend.Executor, error) { return exec, nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr := transpiler.NewTranslator(transpiler.PreserveCase, 64, time.Minute)
	return NewServer(cfg, tr, NewMetrics(), logrus.NewEntry(base))
}

type testSession struct {
	t    *testing.T
	fe   *pgproto3.Frontend
	conn net.Conn
}

func dial(t *testing.T, s *Server) *testSession {
	t.Helper()
	client, server := net.Pipe()
	go newConnectionHandler(s, server).run()
	t.Cleanup(func() { client.Close() })
	return &testSession{t: t, fe: pgproto3.NewFrontend(client, client), conn: client}
}

func (ts *testSession) startup(params map[string]string) {
	ts.t.Helper()
	ts.fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	})
	require.NoError(ts.t, ts.fe.Flush())
}

func (ts *testSession) receive() pgproto3.BackendMessage {
	ts.t.Helper()
	msg, err := ts.fe.Receive()
	require.NoError(ts.t, err)
	return msg
}

// awaitReady drains the post-authentication burst and returns the backend
// key data plus the reported parameters.
func (ts *testSession) awaitReady() (pgproto3.BackendKeyData, map[string]string) {
	ts.t.Helper()
	var key pgproto3.BackendKeyData
	params := map[string]string{}
	for {
		switch m := ts.receive().(type) {
		case *pgproto3.AuthenticationOk:
		case *pgproto3.ParameterStatus:
			params[m.Name] = m.Value
		case *pgproto3.BackendKeyData:
			key = *m
		case *pgproto3.ReadyForQuery:
			return key, params
		case *pgproto3.ErrorResponse:
			ts.t.Fatalf("session start failed: %s %s", m.Code, m.Message)
		default:
			ts.t.Fatalf("unexpected %T during startup", m)
		}
	}
}

func (ts *testSession) query(sql string) {
	ts.t.Helper()
	ts.fe.Send(&pgproto3.Query{String: sql})
	require.NoError(ts.t, ts.fe.Flush())
}

func (ts *testSession) expectRowDescription(names ...string) *pgproto3.RowDescription {
	ts.t.Helper()
	m, ok := ts.receive().(*pgproto3.RowDescription)
	require.True(ts.t, ok, "expected RowDescription")
	got := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		got[i] = string(f.Name)
	}
	assert.Equal(ts.t, names, got)
	return m
}

func (ts *testSession) expectDataRow(values ...string) {
	ts.t.Helper()
	m, ok := ts.receive().(*pgproto3.DataRow)
	require.True(ts.t, ok, "expected DataRow")
	got := make([]string, len(m.Values))
	for i, v := range m.Values {
		got[i] = string(v)
	}
	assert.Equal(ts.t, values, got)
}

func (ts *testSession) expectCommandComplete(tag string) {
	ts.t.Helper()
	m, ok := ts.receive().(*pgproto3.CommandComplete)
	require.True(ts.t, ok, "expected CommandComplete")
	assert.Equal(ts.t, tag, string(m.CommandTag))
}

func (ts *testSession) expectReady(status byte) {
	ts.t.Helper()
	m, ok := ts.receive().(*pgproto3.ReadyForQuery)
	require.True(ts.t, ok, "expected ReadyForQuery")
	assert.Equal(ts.t, status, m.TxStatus)
}

func (ts *testSession) expectError(code string) {
	ts.t.Helper()
	m, ok := ts.receive().(*pgproto3.ErrorResponse)
	require.True(ts.t, ok, "expected ErrorResponse")
	assert.Equal(ts.t, code, m.Code)
}

func TestStartupParameterStatus(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)

	ts.startup(map[string]string{"user": "alice", "database": "app", "application_name": "psql"})
	key, params := ts.awaitReady()

	assert.NotZero(t, key.ProcessID)
	assert.NotZero(t, key.SecretKey)
	assert.Equal(t, "16.3", params["server_version"])
	assert.Equal(t, "UTF8", params["server_encoding"])
	assert.Equal(t, "psql", params["application_name"])
	assert.Equal(t, "alice", params["session_authorization"])
}

func TestSimpleQuerySelect(t *testing.T) {
	exec := newStubExecutor()
	exec.results = []*backend.Result{{Rows: &stubRows{
		cols: []backend.Column{
			{Name: "id", TypeName: "INTEGER", Size: -1, Nullable: true},
			{Name: "title", TypeName: "VARCHAR", Size: 50, Nullable: true},
		},
		rows: [][]any{{int64(1), "alpha"}, {int64(2), "beta"}},
	}}}
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.query("SELECT id, title FROM docs ORDER BY embedding <-> '[1,2]' LIMIT 2")
	ts.expectRowDescription("id", "title")
	ts.expectDataRow("1", "alpha")
	ts.expectDataRow("2", "beta")
	ts.expectCommandComplete("SELECT 2")
	ts.expectReady(backend.TxIdle)

	queries := exec.executed()
	require.Len(t, queries, 1)
	assert.Equal(t,
		"SELECT TOP 2 id, title FROM docs ORDER BY VECTOR_L2(embedding, TO_VECTOR('[1,2]', FLOAT))",
		queries[0])
}

func TestSimpleQueryTransaction(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.query("BEGIN")
	ts.expectCommandComplete("BEGIN")
	ts.expectReady(backend.TxActive)

	ts.query("COMMIT")
	ts.expectCommandComplete("COMMIT")
	ts.expectReady(backend.TxIdle)

	assert.Equal(t, 1, exec.begun)
	assert.Equal(t, 1, exec.ended)
	assert.Empty(t, exec.executed())
}

func TestSimpleQueryImplicitTransaction(t *testing.T) {
	exec := newStubExecutor()
	exec.execErr = backend.Classify(errors.New("[SQLCODE: <-119>:<Unique constraint violation>]"))
	exec.errAt = 2
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	// The second insert fails, so the first must roll back with it.
	ts.query("INSERT INTO t (id) VALUES (1); INSERT INTO t (id) VALUES (1)")
	ts.expectCommandComplete("INSERT 0 1")
	ts.expectError("23505")
	ts.expectReady(backend.TxIdle)
	assert.Equal(t, 1, exec.begun)
	assert.Equal(t, 1, exec.ended)

	// A clean buffer commits once around both statements.
	exec.mu.Lock()
	exec.execErr = nil
	exec.mu.Unlock()
	ts.query("INSERT INTO t (id) VALUES (2); INSERT INTO t (id) VALUES (3)")
	ts.expectCommandComplete("INSERT 0 1")
	ts.expectCommandComplete("INSERT 0 1")
	ts.expectReady(backend.TxIdle)
	assert.Equal(t, 2, exec.begun)
	assert.Equal(t, 2, exec.ended)

	// A single statement stays in autocommit.
	ts.query("INSERT INTO t (id) VALUES (4)")
	ts.expectCommandComplete("INSERT 0 1")
	ts.expectReady(backend.TxIdle)
	assert.Equal(t, 2, exec.begun)
}

func TestEmptyQuery(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.query(";;")
	_, ok := ts.receive().(*pgproto3.EmptyQueryResponse)
	require.True(t, ok, "expected EmptyQueryResponse")
	ts.expectReady(backend.TxIdle)
}

func TestCatalogShim(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice", "database": "app"})
	ts.awaitReady()

	ts.query("SELECT version()")
	ts.expectRowDescription("version")
	ts.expectDataRow("PostgreSQL 16.3 (IRIS SQL Gateway)")
	ts.expectCommandComplete("SELECT 1")
	ts.expectReady(backend.TxIdle)

	ts.query("SHOW server_version")
	ts.expectRowDescription("server_version")
	ts.expectDataRow("16.3")
	ts.expectCommandComplete("SHOW")
	ts.expectReady(backend.TxIdle)

	ts.query("SET application_name = 'myapp'")
	m, ok := ts.receive().(*pgproto3.ParameterStatus)
	require.True(t, ok, "expected ParameterStatus")
	assert.Equal(t, "application_name", m.Name)
	assert.Equal(t, "myapp", m.Value)
	ts.expectCommandComplete("SET")
	ts.expectReady(backend.TxIdle)

	ts.query("SELECT current_database()")
	ts.expectRowDescription("current_database")
	ts.expectDataRow("app")
	ts.expectCommandComplete("SELECT 1")
	ts.expectReady(backend.TxIdle)

	// Nothing reached the executor.
	assert.Empty(t, exec.executed())
}

func TestExtendedProtocol(t *testing.T) {
	exec := newStubExecutor()
	nameCols := []backend.Column{{Name: "name", TypeName: "VARCHAR", Size: 30, Nullable: true}}
	exec.results = []*backend.Result{
		// Describe dry run, then the real execution.
		{Rows: &stubRows{cols: nameCols}},
		{Rows: &stubRows{cols: nameCols, rows: [][]any{{"bob"}}}},
	}
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.fe.Send(&pgproto3.Parse{Name: "q1", Query: "SELECT name FROM people WHERE id = $1::int"})
	ts.fe.Send(&pgproto3.Describe{ObjectType: 'S', Name: "q1"})
	ts.fe.Send(&pgproto3.Bind{PreparedStatement: "q1", Parameters: [][]byte{[]byte("7")}})
	ts.fe.Send(&pgproto3.Execute{})
	ts.fe.Send(&pgproto3.Sync{})
	require.NoError(t, ts.fe.Flush())

	_, ok := ts.receive().(*pgproto3.ParseComplete)
	require.True(t, ok, "expected ParseComplete")

	pd, ok := ts.receive().(*pgproto3.ParameterDescription)
	require.True(t, ok, "expected ParameterDescription")
	require.Len(t, pd.ParameterOIDs, 1)
	assert.Equal(t, uint32(23), pd.ParameterOIDs[0])

	ts.expectRowDescription("name")

	_, ok = ts.receive().(*pgproto3.BindComplete)
	require.True(t, ok, "expected BindComplete")

	ts.expectDataRow("bob")
	ts.expectCommandComplete("SELECT 1")
	ts.expectReady(backend.TxIdle)

	queries := exec.executed()
	require.Len(t, queries, 2)
	assert.Equal(t, "SELECT name FROM people WHERE id = CAST(? AS INTEGER)", queries[0])
	assert.Equal(t, queries[0], queries[1])
	assert.Equal(t, []any{nil}, exec.args[0])
	assert.Equal(t, []any{int64(7)}, exec.args[1])
}

func TestPortalSuspension(t *testing.T) {
	exec := newStubExecutor()
	cols := []backend.Column{{Name: "id", TypeName: "INTEGER", Size: -1, Nullable: true}}
	exec.results = []*backend.Result{{Rows: &stubRows{
		cols: cols,
		rows: [][]any{{int64(1)}, {int64(2)}, {int64(3)}},
	}}}
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.fe.Send(&pgproto3.Parse{Name: "page", Query: "SELECT id FROM docs"})
	ts.fe.Send(&pgproto3.Bind{PreparedStatement: "page", DestinationPortal: "c1"})
	ts.fe.Send(&pgproto3.Execute{Portal: "c1", MaxRows: 2})
	ts.fe.Send(&pgproto3.Execute{Portal: "c1"})
	ts.fe.Send(&pgproto3.Sync{})
	require.NoError(t, ts.fe.Flush())

	_, ok := ts.receive().(*pgproto3.ParseComplete)
	require.True(t, ok, "expected ParseComplete")
	_, ok = ts.receive().(*pgproto3.BindComplete)
	require.True(t, ok, "expected BindComplete")
	ts.expectDataRow("1")
	ts.expectDataRow("2")
	_, ok = ts.receive().(*pgproto3.PortalSuspended)
	require.True(t, ok, "expected PortalSuspended")
	ts.expectDataRow("3")
	ts.expectCommandComplete("SELECT 3")
	ts.expectReady(backend.TxIdle)
}

func TestUnnamedPortalDestroyedAfterCompletion(t *testing.T) {
	exec := newStubExecutor()
	cols := []backend.Column{{Name: "id", TypeName: "INTEGER", Size: -1, Nullable: true}}
	exec.results = []*backend.Result{{Rows: &stubRows{cols: cols, rows: [][]any{{int64(1)}}}}}
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.fe.Send(&pgproto3.Parse{Query: "SELECT id FROM docs"})
	ts.fe.Send(&pgproto3.Bind{})
	ts.fe.Send(&pgproto3.Execute{})
	ts.fe.Send(&pgproto3.Execute{})
	ts.fe.Send(&pgproto3.Sync{})
	require.NoError(t, ts.fe.Flush())

	_, ok := ts.receive().(*pgproto3.ParseComplete)
	require.True(t, ok, "expected ParseComplete")
	_, ok = ts.receive().(*pgproto3.BindComplete)
	require.True(t, ok, "expected BindComplete")
	ts.expectDataRow("1")
	ts.expectCommandComplete("SELECT 1")
	// The portal was destroyed when it ran to completion.
	ts.expectError("08P01")
	ts.expectReady(backend.TxIdle)
}

func TestParseDuplicateStatementName(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.fe.Send(&pgproto3.Parse{Name: "q1", Query: "SELECT 1"})
	ts.fe.Send(&pgproto3.Sync{})
	require.NoError(t, ts.fe.Flush())
	_, ok := ts.receive().(*pgproto3.ParseComplete)
	require.True(t, ok, "expected ParseComplete")
	ts.expectReady(backend.TxIdle)

	ts.fe.Send(&pgproto3.Parse{Name: "q1", Query: "SELECT 2"})
	ts.fe.Send(&pgproto3.Sync{})
	require.NoError(t, ts.fe.Flush())
	ts.expectError("42P05")
	ts.expectReady(backend.TxIdle)

	// The unnamed statement may always be replaced.
	ts.fe.Send(&pgproto3.Parse{Query: "SELECT 1"})
	ts.fe.Send(&pgproto3.Parse{Query: "SELECT 2"})
	ts.fe.Send(&pgproto3.Sync{})
	require.NoError(t, ts.fe.Flush())
	_, ok = ts.receive().(*pgproto3.ParseComplete)
	require.True(t, ok, "expected ParseComplete")
	_, ok = ts.receive().(*pgproto3.ParseComplete)
	require.True(t, ok, "expected ParseComplete")
	ts.expectReady(backend.TxIdle)
}

func TestBindRejectsFormatCodeMismatch(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.fe.Send(&pgproto3.Parse{Name: "q1", Query: "SELECT name FROM people WHERE id = $1"})
	ts.fe.Send(&pgproto3.Bind{
		PreparedStatement:    "q1",
		Parameters:           [][]byte{[]byte("7")},
		ParameterFormatCodes: []int16{0, 0},
	})
	ts.fe.Send(&pgproto3.Sync{})
	require.NoError(t, ts.fe.Flush())

	_, ok := ts.receive().(*pgproto3.ParseComplete)
	require.True(t, ok, "expected ParseComplete")
	ts.expectError("08P01")
	ts.expectReady(backend.TxIdle)
}

func TestExtendedErrorSkipsUntilSync(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.fe.Send(&pgproto3.Parse{Name: "bad", Query: "SELECT 'unterminated"})
	ts.fe.Send(&pgproto3.Bind{PreparedStatement: "bad"})
	ts.fe.Send(&pgproto3.Execute{})
	ts.fe.Send(&pgproto3.Sync{})
	require.NoError(t, ts.fe.Flush())

	ts.expectError("42601")
	// Bind and Execute are discarded; the next message is ReadyForQuery.
	ts.expectReady(backend.TxIdle)

	// The session recovered.
	ts.query("SELECT 1")
	for {
		if _, ok := ts.receive().(*pgproto3.ReadyForQuery); ok {
			break
		}
	}
}

func scramClientFinal(t *testing.T, password, clientFirstBare string, serverFirst []byte) []byte {
	t.Helper()
	var serverNonce, saltB64 string
	var iters int
	for _, part := range strings.Split(string(serverFirst), ",") {
		k, v, _ := strings.Cut(part, "=")
		switch k {
		case "r":
			serverNonce = v
		case "s":
			saltB64 = v
		case "i":
			iters, _ = strconv.Atoi(v)
		}
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	require.NoError(t, err)

	salted := pbkdf2.Key([]byte(password), salt, iters, sha256.Size, sha256.New)
	ckm := hmac.New(sha256.New, salted)
	ckm.Write([]byte("Client Key"))
	clientKey := ckm.Sum(nil)
	storedKey := sha256.Sum256(clientKey)

	withoutProof := "c=biws,r=" + serverNonce
	authMessage := clientFirstBare + "," + string(serverFirst) + "," + withoutProof
	sm := hmac.New(sha256.New, storedKey[:])
	sm.Write([]byte(authMessage))
	clientSig := sm.Sum(nil)

	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSig[i]
	}
	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof))
}

func scramHandshake(t *testing.T, ts *testSession, user, password string) pgproto3.BackendMessage {
	t.Helper()
	ts.startup(map[string]string{"user": user})

	m, ok := ts.receive().(*pgproto3.AuthenticationSASL)
	require.True(t, ok, "expected AuthenticationSASL")
	require.Contains(t, m.AuthMechanisms, "SCRAM-SHA-256")

	clientFirstBare := "n=" + user + ",r=clientnonceclientnonce"
	ts.fe.Send(&pgproto3.SASLInitialResponse{
		AuthMechanism: "SCRAM-SHA-256",
		Data:          []byte("n,," + clientFirstBare),
	})
	require.NoError(t, ts.fe.Flush())

	cont, ok := ts.receive().(*pgproto3.AuthenticationSASLContinue)
	require.True(t, ok, "expected AuthenticationSASLContinue")

	ts.fe.Send(&pgproto3.SASLResponse{Data: scramClientFinal(t, password, clientFirstBare, cont.Data)})
	require.NoError(t, ts.fe.Flush())
	return ts.receive()
}

func TestScramAuthentication(t *testing.T) {
	users := auth.NewStatic()
	v, err := auth.BuildVerifier("s3cret", []byte("0123456789abcdef"), 4096)
	require.NoError(t, err)
	users.Put("alice", v)

	exec := newStubExecutor()
	s := newTestServer(exec, func(cfg *Config) { cfg.AuthMethod = users })

	ts := dial(t, s)
	final := scramHandshake(t, ts, "alice", "s3cret")
	sf, ok := final.(*pgproto3.AuthenticationSASLFinal)
	require.True(t, ok, "expected AuthenticationSASLFinal, got %T", final)
	assert.True(t, strings.HasPrefix(string(sf.Data), "v="))
	ts.awaitReady()

	bad := dial(t, s)
	failed := scramHandshake(t, bad, "alice", "wrong")
	errMsg, ok := failed.(*pgproto3.ErrorResponse)
	require.True(t, ok, "expected ErrorResponse, got %T", failed)
	assert.Equal(t, "28P01", errMsg.Code)

	// Unknown users fail the same way as wrong passwords.
	unknown := dial(t, s)
	failed = scramHandshake(t, unknown, "mallory", "s3cret")
	errMsg, ok = failed.(*pgproto3.ErrorResponse)
	require.True(t, ok, "expected ErrorResponse, got %T", failed)
	assert.Equal(t, "28P01", errMsg.Code)
}

func TestCancelRequest(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	key, _ := ts.awaitReady()

	other, server := net.Pipe()
	defer other.Close()
	go newConnectionHandler(s, server).run()
	fe := pgproto3.NewFrontend(other, other)
	fe.Send(&pgproto3.CancelRequest{ProcessID: key.ProcessID, SecretKey: key.SecretKey})
	require.NoError(t, fe.Flush())

	select {
	case <-exec.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel was not dispatched")
	}

	// A wrong secret is silently ignored.
	wrong, server2 := net.Pipe()
	defer wrong.Close()
	go newConnectionHandler(s, server2).run()
	fe2 := pgproto3.NewFrontend(wrong, wrong)
	fe2.Send(&pgproto3.CancelRequest{ProcessID: key.ProcessID, SecretKey: key.SecretKey + 1})
	require.NoError(t, fe2.Flush())
	select {
	case <-exec.canceled:
		t.Fatal("cancel dispatched with a bad secret")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCopyFromStdin(t *testing.T) {
	exec := newStubExecutor()
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.query("COPY people (id, name) FROM STDIN WITH (FORMAT CSV)")
	in, ok := ts.receive().(*pgproto3.CopyInResponse)
	require.True(t, ok, "expected CopyInResponse")
	assert.Len(t, in.ColumnFormatCodes, 2)

	ts.fe.Send(&pgproto3.CopyData{Data: []byte("1,alice\n")})
	ts.fe.Send(&pgproto3.CopyData{Data: []byte("2,bob\n")})
	ts.fe.Send(&pgproto3.CopyDone{})
	require.NoError(t, ts.fe.Flush())

	ts.expectCommandComplete("COPY 2")
	ts.expectReady(backend.TxIdle)

	require.Len(t, exec.batchSQL, 1)
	assert.Equal(t, `INSERT INTO "SQLUser"."people" ("id", "name") VALUES (?, ?)`, exec.batchSQL[0])
	require.Len(t, exec.batches, 1)
	assert.Equal(t, [][]any{{"1", "alice"}, {"2", "bob"}}, exec.batches[0])
	assert.Equal(t, 1, exec.begun)
	assert.Equal(t, 1, exec.ended)
}

func TestCopyFromBadRowReportsLine(t *testing.T) {
	exec := newStubExecutor()
	exec.batchErr = backend.Classify(errors.New("[SQLCODE: <-104>:<Field validation failed>]"))
	exec.batchFailIdx = 1
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.query("COPY people (id, name) FROM STDIN WITH (FORMAT CSV)")
	_, ok := ts.receive().(*pgproto3.CopyInResponse)
	require.True(t, ok, "expected CopyInResponse")

	ts.fe.Send(&pgproto3.CopyData{Data: []byte("1,alice\n")})
	ts.fe.Send(&pgproto3.CopyData{Data: []byte("2,bob\n")})
	ts.fe.Send(&pgproto3.CopyDone{})
	require.NoError(t, ts.fe.Flush())

	m, ok := ts.receive().(*pgproto3.ErrorResponse)
	require.True(t, ok, "expected ErrorResponse")
	assert.Equal(t, "22P02", m.Code)
	assert.Equal(t, int32(2), m.Line)
	ts.expectReady(backend.TxIdle)

	// The COPY transaction rolled back.
	assert.Equal(t, 1, exec.begun)
	assert.Equal(t, 1, exec.ended)
}

func TestCopyToStdout(t *testing.T) {
	exec := newStubExecutor()
	exec.results = []*backend.Result{{Rows: &stubRows{
		cols: []backend.Column{{Name: "a", TypeName: "INTEGER", Size: -1, Nullable: true}},
		rows: [][]any{{int64(1)}, {int64(2)}},
	}}}
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.query("COPY (SELECT a FROM docs) TO STDOUT WITH (FORMAT CSV, HEADER)")
	out, ok := ts.receive().(*pgproto3.CopyOutResponse)
	require.True(t, ok, "expected CopyOutResponse")
	assert.Len(t, out.ColumnFormatCodes, 1)

	var payload strings.Builder
	for {
		msg := ts.receive()
		if _, done := msg.(*pgproto3.CopyDone); done {
			break
		}
		data, ok := msg.(*pgproto3.CopyData)
		require.True(t, ok, "expected CopyData, got %T", msg)
		payload.Write(data.Data)
	}
	assert.Equal(t, "a\n1\n2\n", payload.String())

	ts.expectCommandComplete("COPY 2")
	ts.expectReady(backend.TxIdle)
}

func TestQueryErrorPoisonsNothing(t *testing.T) {
	exec := newStubExecutor()
	exec.execErr = backend.Classify(io.ErrUnexpectedEOF)
	s := newTestServer(exec, nil)
	ts := dial(t, s)
	ts.startup(map[string]string{"user": "alice"})
	ts.awaitReady()

	ts.query("SELECT broken")
	ts.expectError("XX000")
	ts.expectReady(backend.TxIdle)

	exec.mu.Lock()
	exec.execErr = nil
	exec.mu.Unlock()
	ts.query("BEGIN")
	ts.expectCommandComplete("BEGIN")
	ts.expectReady(backend.TxActive)
}
