package pgserver

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"

	"github.com/apecloud/myirisserver/backend"
	"github.com/apecloud/myirisserver/catalog"
)

// handleCopy routes a COPY statement to its direction handler.
func (h *ConnectionHandler) handleCopy(ctx context.Context, stmt string) error {
	cs, err := parseCopy(stmt)
	if err != nil {
		return err
	}
	if cs.to {
		return h.copyTo(ctx, cs)
	}
	return h.copyFrom(ctx, cs)
}

// copyColumn pairs a target column with the OID driving its text decode.
type copyColumn struct {
	name string
	oid  uint32
}

// resolveCopyColumns fills in names and types for the COPY target. Types
// come from INFORMATION_SCHEMA when an introspection handle is configured;
// without one, every column decodes as text and IRIS does the coercion.
func (h *ConnectionHandler) resolveCopyColumns(ctx context.Context, cs *copyStatement) ([]copyColumn, error) {
	schema := cs.schema
	if schema == "" {
		schema = h.server.cfg.DefaultSchema
	}

	var known map[string]uint32
	if h.server.cfg.DB != nil {
		cols, err := catalog.Columns(ctx, h.server.cfg.DB, schema, cs.table)
		if err != nil {
			h.logger.WithError(err).Debug("column introspection failed, treating COPY fields as text")
		} else {
			known = make(map[string]uint32, len(cols))
			for _, c := range cols {
				known[strings.ToUpper(c.Name)] = typeOID(c.Type)
			}
			if len(cs.columns) == 0 {
				out := make([]copyColumn, len(cols))
				for i, c := range cols {
					out[i] = copyColumn{name: c.Name, oid: typeOID(c.Type)}
				}
				return out, nil
			}
		}
	}
	if len(cs.columns) == 0 {
		return nil, copyError(pgerrcode.UndefinedTable,
			errors.Newf("cannot resolve columns of %q; list them explicitly", cs.table))
	}
	out := make([]copyColumn, len(cs.columns))
	for i, name := range cs.columns {
		oid := uint32(pgtype.TextOID)
		if known != nil {
			if k, ok := known[strings.ToUpper(name)]; ok {
				oid = k
			}
		}
		out[i] = copyColumn{name: name, oid: oid}
	}
	return out, nil
}

// copyFrom drives the CopyInResponse sub-protocol: frames from the client
// feed a CSV decoder whose batches load through the executor inside one
// transaction.
func (h *ConnectionHandler) copyFrom(ctx context.Context, cs *copyStatement) error {
	if cs.destination != "" {
		return copyError(pgerrcode.FeatureNotSupported,
			errors.New("COPY FROM only supports STDIN"))
	}
	cols, err := h.resolveCopyColumns(ctx, cs)
	if err != nil {
		return err
	}

	schema := cs.schema
	if schema == "" {
		schema = h.server.cfg.DefaultSchema
	}
	insertSQL := buildInsert(schema, cs.table, cols)

	h.send(&pgproto3.CopyInResponse{
		OverallFormat:     0,
		ColumnFormatCodes: make([]uint16, len(cols)),
	})
	if err := h.flush(); err != nil {
		return err
	}

	// The loader runs concurrently so frames stream straight into the
	// decoder instead of accumulating in memory.
	pr, pw := io.Pipe()
	resultCh := make(chan copyLoadResult, 1)
	go func() {
		resultCh <- h.loadCopyRows(ctx, pr, cs, cols, insertSQL)
	}()

	var clientAborted error
receive:
	for {
		msg, err := h.backend.Receive()
		if err != nil {
			pw.CloseWithError(err)
			<-resultCh
			return protocolError(err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if _, err := pw.Write(m.Data); err != nil {
				// The loader already failed; drain the rest of the frames.
				continue
			}
		case *pgproto3.CopyDone:
			pw.Close()
			break receive
		case *pgproto3.CopyFail:
			clientAborted = copyError(pgerrcode.QueryCanceled,
				errors.Newf("COPY aborted by client: %s", m.Message))
			pw.CloseWithError(clientAborted)
			break receive
		case *pgproto3.Flush, *pgproto3.Sync:
			// Legal mid-COPY, nothing to do.
		default:
			err := protocolError(errors.Newf("unexpected %T during COPY FROM", msg))
			pw.CloseWithError(err)
			<-resultCh
			return err
		}
	}

	res := <-resultCh
	if clientAborted != nil {
		return clientAborted
	}
	if res.err != nil {
		return res.err
	}
	h.server.metrics.CopyRowsIn.Add(float64(res.rows))
	h.server.metrics.QueriesTotal.WithLabelValues("COPY").Inc()
	h.send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("COPY %d", res.rows))})
	return nil
}

type copyLoadResult struct {
	rows int64
	err  error
}

// loadCopyRows decodes the incoming stream and loads it in batches. The
// whole COPY is one transaction: any failure rolls back every batch.
func (h *ConnectionHandler) loadCopyRows(ctx context.Context, r io.Reader, cs *copyStatement, cols []copyColumn, insertSQL string) copyLoadResult {
	reader := csv.NewReader(r)
	reader.Comma = rune(cs.delimiter)
	reader.FieldsPerRecord = len(cols)
	reader.LazyQuotes = cs.format == formatText
	reader.ReuseRecord = true

	ownTx := h.exec.TxStatus() == backend.TxIdle
	if ownTx {
		if err := h.exec.Begin(ctx); err != nil {
			return copyLoadResult{err: err}
		}
	}
	fail := func(err error) copyLoadResult {
		if ownTx {
			h.exec.Rollback(context.Background())
		}
		return copyLoadResult{err: err}
	}

	var (
		batch [][]any
		line  int64
		total int64
		sent  int64
	)
	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, failedIdx, err := h.exec.ExecuteMany(ctx, insertSQL, batch)
		total += n
		if err != nil {
			badLine := sent + int64(failedIdx) + 1
			if cs.header {
				badLine++
			}
			// The SQLSTATE comes from the backend classification.
			return &wireError{line: int32(badLine),
				err: errors.Wrapf(err, "COPY %s, line %d", cs.table, badLine)}
		}
		sent += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			badLine := line + 1
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				badLine = int64(pe.Line)
			}
			return fail(&wireError{code: pgerrcode.BadCopyFileFormat, line: int32(badLine),
				err: errors.Wrapf(err, "COPY %s", cs.table)})
		}
		line++
		if cs.header && line == 1 {
			continue
		}
		row := make([]any, len(cols))
		for i, field := range record {
			if field == cs.null {
				row[i] = nil
				continue
			}
			v, err := h.typemap.DecodeCSV(cols[i].oid, field)
			if err != nil {
				return fail(&wireError{code: copyDecodeCode(cols[i].oid), line: int32(line),
					err: errors.Wrapf(err, "COPY %s, line %d, column %s", cs.table, line, cols[i].name)})
			}
			row[i] = v
		}
		batch = append(batch, row)
		if len(batch) >= h.server.cfg.CopyBatchSize {
			if err := flushBatch(); err != nil {
				return fail(err)
			}
		}
	}
	if err := flushBatch(); err != nil {
		return fail(err)
	}
	if ownTx {
		if err := h.exec.Commit(ctx); err != nil {
			return copyLoadResult{err: err}
		}
	}
	return copyLoadResult{rows: total}
}

// copyDecodeCode picks the SQLSTATE for a field decode failure.
func copyDecodeCode(oid uint32) string {
	switch oid {
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		return pgerrcode.DatetimeFieldOverflow
	}
	return pgerrcode.InvalidTextRepresentation
}

func buildInsert(schema, table string, cols []copyColumn) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(catalog.QualifyTable(schema, table))
	sb.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pq.QuoteIdentifier(c.name))
	}
	sb.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('?')
	}
	sb.WriteString(")")
	return sb.String()
}
