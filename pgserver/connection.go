package pgserver

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/myirisserver/auth"
	"github.com/apecloud/myirisserver/backend"
	"github.com/apecloud/myirisserver/catalog"
	"github.com/apecloud/myirisserver/codec"
	"github.com/apecloud/myirisserver/transpiler"
)

// ConnectionHandler owns one client session from accept to close: the
// startup handshake, authentication, and the query loop.
type ConnectionHandler struct {
	server  *Server
	conn    net.Conn
	backend *pgproto3.Backend
	logger  *logrus.Entry
	typemap *codec.Map

	exec     backend.Executor
	user     string
	database string
	settings map[string]string

	processID int32
	secret    uint32
	tlsActive bool

	statements map[string]*preparedStatement
	portals    map[string]*portal

	// skipToSync is set after an extended-protocol error; everything but
	// Sync and Terminate is discarded until the client resynchronizes.
	skipToSync bool
}

func newConnectionHandler(s *Server, conn net.Conn) *ConnectionHandler {
	b := pgproto3.NewBackend(conn, conn)
	b.SetMaxBodyLen(s.cfg.MaxMessageSize)
	return &ConnectionHandler{
		server:     s,
		conn:       conn,
		backend:    b,
		logger:     s.logger.WithField("remote", conn.RemoteAddr().String()),
		typemap:    codec.NewMap(),
		settings:   map[string]string{},
		statements: map[string]*preparedStatement{},
		portals:    map[string]*portal{},
	}
}

func (h *ConnectionHandler) run() {
	h.server.metrics.ConnectionsActive.Inc()
	defer h.server.metrics.ConnectionsActive.Dec()
	defer h.conn.Close()

	startup, proceed, err := h.handshake()
	if err != nil {
		h.logger.WithError(err).Debug("handshake failed")
		return
	}
	if !proceed {
		// Cancel requests end here by design.
		return
	}

	if err := h.startSession(startup); err != nil {
		h.logger.WithError(err).Info("session start failed")
		h.send(toErrorResponse(err))
		h.flush()
		return
	}
	defer h.server.cancels.unregister(h.processID)
	defer h.exec.Close()

	h.logger = h.logger.WithFields(logrus.Fields{"user": h.user, "db": h.database})
	h.logger.Debug("session established")

	for {
		msg, err := h.backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			h.send(toErrorResponse(protocolError(err)))
			h.flush()
			return
		}
		if h.skipToSync {
			switch msg.(type) {
			case *pgproto3.Sync, *pgproto3.Terminate:
			default:
				continue
			}
		}
		if done := h.dispatch(msg); done {
			return
		}
	}
}

// handshake consumes SSLRequest/CancelRequest preambles and returns the
// startup message. proceed is false when the connection served its purpose
// already.
func (h *ConnectionHandler) handshake() (*pgproto3.StartupMessage, bool, error) {
	for {
		msg, err := h.backend.ReceiveStartupMessage()
		if err != nil {
			return nil, false, err
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if h.server.cfg.TLSConfig == nil {
				if _, err := h.conn.Write([]byte{'N'}); err != nil {
					return nil, false, err
				}
				continue
			}
			if _, err := h.conn.Write([]byte{'S'}); err != nil {
				return nil, false, err
			}
			tlsConn := tls.Server(h.conn, h.server.cfg.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				return nil, false, err
			}
			h.conn = tlsConn
			h.backend = pgproto3.NewBackend(tlsConn, tlsConn)
			h.backend.SetMaxBodyLen(h.server.cfg.MaxMessageSize)
			h.tlsActive = true

		case *pgproto3.GSSEncRequest:
			if _, err := h.conn.Write([]byte{'N'}); err != nil {
				return nil, false, err
			}

		case *pgproto3.CancelRequest:
			h.server.cancels.dispatch(int32(m.ProcessID), m.SecretKey)
			return nil, false, nil

		case *pgproto3.StartupMessage:
			return m, true, nil

		default:
			return nil, false, errors.Newf("unexpected startup message %T", msg)
		}
	}
}

// startSession authenticates, opens the executor, and sends the
// post-authentication burst.
func (h *ConnectionHandler) startSession(startup *pgproto3.StartupMessage) error {
	h.user = startup.Parameters["user"]
	h.database = startup.Parameters["database"]
	if h.database == "" {
		h.database = h.user
	}
	if h.user == "" {
		return protocolError(errors.New("startup message carries no user"))
	}
	if h.server.cfg.RequireTLS && !h.tlsActive {
		return authError(errors.New("server requires TLS"))
	}

	if err := h.authenticate(); err != nil {
		h.server.metrics.AuthFailures.Inc()
		return err
	}

	ctx := context.Background()
	exec, err := h.server.cfg.NewExecutor(ctx)
	if err != nil {
		return err
	}
	h.exec = exec

	pid, secret, err := h.server.cancels.register(func() {
		h.server.metrics.Canceled.Inc()
		exec.Cancel()
	})
	if err != nil {
		exec.Close()
		return err
	}
	h.processID = pid
	h.secret = secret

	h.send(&pgproto3.AuthenticationOk{})
	params := catalog.StartupParameters(h.user, h.database)
	if app := startup.Parameters["application_name"]; app != "" {
		params["application_name"] = app
		h.settings["application_name"] = app
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.send(&pgproto3.ParameterStatus{Name: name, Value: params[name]})
	}
	h.send(&pgproto3.BackendKeyData{ProcessID: uint32(h.processID), SecretKey: h.secret})
	h.send(&pgproto3.ReadyForQuery{TxStatus: backend.TxIdle})
	return h.flush()
}

// authenticate runs the configured method under the handshake deadline.
func (h *ConnectionHandler) authenticate() error {
	method := h.server.cfg.AuthMethod
	if method == nil {
		return nil
	}
	deadline := time.Now().Add(h.server.cfg.AuthTimeout)
	if err := h.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer h.conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	switch m := method.(type) {
	case auth.VerifierSource:
		return h.authenticateSCRAM(ctx, m)
	case auth.SecretValidator:
		return h.authenticateCleartext(ctx, m)
	default:
		return errors.Newf("unusable auth method %q", method.Name())
	}
}

func (h *ConnectionHandler) authenticateSCRAM(ctx context.Context, source auth.VerifierSource) error {
	h.send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}})
	if err := h.flush(); err != nil {
		return err
	}

	h.backend.SetAuthType(pgproto3.AuthTypeSASL)
	msg, err := h.backend.Receive()
	if err != nil {
		return protocolError(err)
	}
	initial, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok {
		return protocolError(errors.Newf("expected SASLInitialResponse, got %T", msg))
	}
	if initial.AuthMechanism != "SCRAM-SHA-256" {
		return authError(errors.Newf("unsupported SASL mechanism %q", initial.AuthMechanism))
	}

	verifier, err := source.Lookup(ctx, h.user)
	if err != nil {
		// Unknown users run the full exchange against a decoy verifier and
		// fail at the proof check, indistinguishable from a wrong password.
		h.logger.WithError(err).WithField("user", h.user).Debug("verifier lookup failed")
		verifier = auth.DecoyVerifier()
	}

	conv := auth.NewServerConversation(verifier)
	serverFirst, err := conv.HandleClientFirst(initial.Data)
	if err != nil {
		return authError(err)
	}
	h.send(&pgproto3.AuthenticationSASLContinue{Data: serverFirst})
	if err := h.flush(); err != nil {
		return err
	}

	h.backend.SetAuthType(pgproto3.AuthTypeSASLContinue)
	msg, err = h.backend.Receive()
	if err != nil {
		return protocolError(err)
	}
	final, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		return protocolError(errors.Newf("expected SASLResponse, got %T", msg))
	}
	serverFinal, err := conv.HandleClientFinal(final.Data)
	if err != nil {
		return authError(err)
	}
	h.send(&pgproto3.AuthenticationSASLFinal{Data: serverFinal})
	return nil
}

func (h *ConnectionHandler) authenticateCleartext(ctx context.Context, validator auth.SecretValidator) error {
	if !h.tlsActive {
		return authError(errors.Newf("%s authentication requires TLS", validator.Name()))
	}
	h.send(&pgproto3.AuthenticationCleartextPassword{})
	if err := h.flush(); err != nil {
		return err
	}
	h.backend.SetAuthType(pgproto3.AuthTypeCleartextPassword)
	msg, err := h.backend.Receive()
	if err != nil {
		return protocolError(err)
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return protocolError(errors.Newf("expected PasswordMessage, got %T", msg))
	}
	if err := validator.Validate(ctx, h.user, pw.Password); err != nil {
		return authError(err)
	}
	return nil
}

// dispatch routes one frontend message. It returns true when the session
// should end.
func (h *ConnectionHandler) dispatch(msg pgproto3.FrontendMessage) bool {
	var err error
	switch m := msg.(type) {
	case *pgproto3.Query:
		h.handleSimpleQuery(m.String)
	case *pgproto3.Parse:
		err = h.handleParse(m)
	case *pgproto3.Bind:
		err = h.handleBind(m)
	case *pgproto3.Describe:
		err = h.handleDescribe(m)
	case *pgproto3.Execute:
		err = h.handleExecute(m)
	case *pgproto3.Close:
		err = h.handleClose(m)
	case *pgproto3.Flush:
		h.flush()
	case *pgproto3.Sync:
		h.skipToSync = false
		h.send(&pgproto3.ReadyForQuery{TxStatus: h.exec.TxStatus()})
		h.flush()
	case *pgproto3.Terminate:
		return true
	case *pgproto3.FunctionCall:
		err = protocolError(errors.New("the function call protocol is not supported"))
	case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
		// Stray COPY traffic outside a COPY operation is dropped, per
		// protocol.
	default:
		err = protocolError(errors.Newf("unexpected message %T", msg))
	}
	if err != nil {
		h.sendError(err)
		h.skipToSync = true
		h.flush()
	}
	return false
}

// handleSimpleQuery runs a Query buffer: split, execute each statement,
// always finish with ReadyForQuery.
func (h *ConnectionHandler) handleSimpleQuery(buf string) {
	defer func() {
		h.send(&pgproto3.ReadyForQuery{TxStatus: h.exec.TxStatus()})
		h.flush()
	}()

	stmts, err := transpiler.SplitStatements(buf)
	if err != nil {
		h.sendError(syntaxError(err))
		return
	}
	if len(stmts) == 0 {
		h.send(&pgproto3.EmptyQueryResponse{})
		return
	}

	ctx := context.Background()

	// A multi-statement buffer runs as one implicit transaction: either
	// every statement commits or none do. Buffers that manage transactions
	// themselves are left alone.
	implicit := len(stmts) > 1 && h.exec.TxStatus() == backend.TxIdle && !managesTransaction(stmts)
	if implicit {
		if err := h.exec.Begin(ctx); err != nil {
			h.countError(err)
			h.sendError(err)
			return
		}
	}
	for _, stmt := range stmts {
		if err := h.executeSimple(stmt); err != nil {
			if implicit && h.exec.TxStatus() != backend.TxIdle {
				h.exec.Rollback(ctx)
			}
			h.sendError(err)
			return
		}
	}
	if implicit && h.exec.TxStatus() == backend.TxActive {
		if err := h.exec.Commit(ctx); err != nil {
			h.countError(err)
			h.sendError(err)
		}
	}
}

// managesTransaction reports whether any statement in the buffer is a
// transaction-control verb.
func managesTransaction(stmts []string) bool {
	for _, stmt := range stmts {
		switch transpiler.CommandTag(stmt) {
		case "BEGIN", "COMMIT", "END", "ROLLBACK", "SAVEPOINT", "RELEASE":
			return true
		}
	}
	return false
}

// executeSimple runs one statement of a simple query, text format results.
func (h *ConnectionHandler) executeSimple(stmt string) error {
	ctx := context.Background()

	if shim := h.handleCatalogQuery(stmt); shim != nil {
		return h.sendShimResult(shim)
	}

	tag := transpiler.CommandTag(stmt)
	if handled, err := h.handleTransaction(ctx, tag, stmt); handled {
		return err
	}
	if tag == "COPY" {
		return h.handleCopy(ctx, stmt)
	}

	res, err := h.server.translator.Translate(stmt)
	if err != nil {
		return syntaxError(err)
	}
	h.sendWarning(res.Warning)

	out, err := h.exec.Execute(ctx, res.SQL, nil)
	if err != nil {
		h.countError(err)
		return err
	}
	h.server.metrics.QueriesTotal.WithLabelValues(res.Tag).Inc()
	if out.Rows == nil {
		h.send(&pgproto3.CommandComplete{CommandTag: []byte(commandCompleteTag(res.Tag, out.RowsAffected))})
		return nil
	}
	n, err := h.streamRows(out.Rows, res.Aliases, res.ForcedOIDs, nil, 0, true)
	if err != nil {
		h.countError(err)
		return err
	}
	h.send(&pgproto3.CommandComplete{CommandTag: []byte(commandCompleteTag(res.Tag, n))})
	return nil
}

// handleTransaction intercepts transaction-control verbs.
func (h *ConnectionHandler) handleTransaction(ctx context.Context, tag, stmt string) (bool, error) {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	switch tag {
	case "BEGIN":
		return true, h.completeTx(h.exec.Begin(ctx), "BEGIN")
	case "COMMIT", "END":
		return true, h.completeTx(h.exec.Commit(ctx), "COMMIT")
	case "ROLLBACK":
		if name, ok := cutSavepoint(upper, "ROLLBACK TO"); ok {
			return true, h.completeTx(h.exec.RollbackTo(ctx, name), "ROLLBACK")
		}
		return true, h.completeTx(h.exec.Rollback(ctx), "ROLLBACK")
	case "SAVEPOINT":
		name := strings.TrimSpace(upper[len("SAVEPOINT"):])
		return true, h.completeTx(h.exec.Savepoint(ctx, name), "SAVEPOINT")
	case "RELEASE":
		// IRIS has no RELEASE SAVEPOINT; accepting it is harmless.
		return true, h.completeTx(nil, "RELEASE")
	}
	return false, nil
}

func (h *ConnectionHandler) completeTx(err error, tag string) error {
	if err != nil {
		h.countError(err)
		return err
	}
	h.server.metrics.QueriesTotal.WithLabelValues(tag).Inc()
	h.send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	return nil
}

// cutSavepoint extracts the savepoint name from "<prefix> [SAVEPOINT] name".
func cutSavepoint(upper, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(upper, prefix)
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "SAVEPOINT "))
	if rest == "" {
		return "", false
	}
	return rest, true
}

// streamRows writes RowDescription (when withDescription) and DataRow
// messages, stopping after maxRows when nonzero. It returns the row count.
func (h *ConnectionHandler) streamRows(rows backend.Rows, aliases []string, forced []uint32, formats []int16, maxRows int32, withDescription bool) (int64, error) {
	defer rows.Close()

	fields := fieldDescriptions(rows.Columns(), aliases, forced, formats)
	if withDescription {
		h.send(&pgproto3.RowDescription{Fields: fields})
	}

	var count int64
	for {
		if maxRows > 0 && count >= int64(maxRows) {
			return count, errPortalSuspended
		}
		row, err := rows.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		values := make([][]byte, len(row))
		for i, v := range row {
			encoded, err := h.typemap.Encode(fields[i].DataTypeOID, fields[i].Format, v)
			if err != nil {
				return count, &wireError{code: pgerrcode.InternalError, err: err}
			}
			values[i] = encoded
		}
		h.send(&pgproto3.DataRow{Values: values})
		count++
	}
}

func (h *ConnectionHandler) sendShimResult(r *shimResult) error {
	if len(r.cols) > 0 {
		h.send(&pgproto3.RowDescription{Fields: r.fields()})
		for _, row := range r.rows {
			values := make([][]byte, len(row))
			for i, v := range row {
				values[i] = []byte(v)
			}
			h.send(&pgproto3.DataRow{Values: values})
		}
	}
	h.send(&pgproto3.CommandComplete{CommandTag: []byte(r.tag)})
	return nil
}

func (h *ConnectionHandler) countError(err error) {
	code := pgerrcode.InternalError
	var be *backend.Error
	if errors.As(err, &be) {
		code = be.SQLState()
	}
	h.server.metrics.QueryErrors.WithLabelValues(code).Inc()
}

func (h *ConnectionHandler) send(msg pgproto3.BackendMessage) {
	h.backend.Send(msg)
}

func (h *ConnectionHandler) sendError(err error) {
	h.logger.WithError(err).Debug("statement failed")
	h.send(toErrorResponse(err))
}

// sendWarning reports a partial translation as a NOTICE, so clients see why
// a clause was left behind without the statement failing.
func (h *ConnectionHandler) sendWarning(warning string) {
	if warning == "" {
		return
	}
	h.logger.WithField("warning", warning).Debug("partial translation")
	h.send(&pgproto3.NoticeResponse{
		Severity: "NOTICE",
		Code:     pgerrcode.Warning,
		Message:  warning,
	})
}

func (h *ConnectionHandler) flush() error {
	return h.backend.Flush()
}

// commandCompleteTag renders the CommandComplete tag with its row count in
// the format clients parse.
func commandCompleteTag(tag string, rows int64) string {
	switch tag {
	case "SELECT", "UPDATE", "DELETE", "COPY", "FETCH":
		return tag + " " + strconv.FormatInt(rows, 10)
	case "INSERT":
		return "INSERT 0 " + strconv.FormatInt(rows, 10)
	case "":
		return "OK"
	}
	return tag
}

// returnsRows mirrors the executor's routing: which verbs produce result
// sets.
func returnsRows(tag string) bool {
	switch tag {
	case "SELECT", "VALUES", "WITH", "SHOW", "EXPLAIN", "CALL":
		return true
	}
	return false
}
