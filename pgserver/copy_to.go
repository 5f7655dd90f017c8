package pgserver

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/apecloud/myirisserver/backend"
	"github.com/apecloud/myirisserver/catalog"
)

// copyTo streams a table or query result out of the gateway, either as
// CopyData frames to the client or as an object upload for s3:// targets.
func (h *ConnectionHandler) copyTo(ctx context.Context, cs *copyStatement) error {
	query, err := h.copyToQuery(cs)
	if err != nil {
		return err
	}
	res, err := h.server.translator.Translate(query)
	if err != nil {
		return syntaxError(err)
	}
	out, err := h.exec.Execute(ctx, res.SQL, nil)
	if err != nil {
		h.countError(err)
		return err
	}
	if out.Rows == nil {
		return copyError(pgerrcode.WrongObjectType,
			errors.New("COPY TO requires a statement that returns rows"))
	}
	defer out.Rows.Close()

	fields := fieldDescriptions(out.Rows.Columns(), res.Aliases, res.ForcedOIDs, nil)

	var n int64
	if cs.destination == "" {
		n, err = h.copyToClient(cs, out.Rows, fields)
	} else {
		n, err = h.copyToObject(ctx, cs, out.Rows, fields)
	}
	if err != nil {
		return err
	}

	h.server.metrics.CopyRowsOut.Add(float64(n))
	h.server.metrics.QueriesTotal.WithLabelValues("COPY").Inc()
	h.send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("COPY %d", n))})
	return nil
}

// copyToQuery resolves the statement feeding the export: either the inner
// query of COPY (query) TO, or a SELECT over the named table.
func (h *ConnectionHandler) copyToQuery(cs *copyStatement) (string, error) {
	if cs.query != "" {
		return cs.query, nil
	}
	schema := cs.schema
	if schema == "" {
		schema = h.server.cfg.DefaultSchema
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(cs.columns) == 0 {
		sb.WriteString("*")
	} else {
		for i, c := range cs.columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(quoteCopyColumn(c))
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(catalog.QualifyTable(schema, cs.table))
	return sb.String(), nil
}

// copyToClient frames the result as a CopyOutResponse sub-protocol.
func (h *ConnectionHandler) copyToClient(cs *copyStatement, rows backend.Rows, fields []pgproto3.FieldDescription) (int64, error) {
	h.send(&pgproto3.CopyOutResponse{
		OverallFormat:     0,
		ColumnFormatCodes: make([]uint16, len(fields)),
	})

	var buf bytes.Buffer
	n, err := h.writeCopyRows(&buf, cs, rows, fields, func() error {
		if buf.Len() < copyFlushThreshold {
			return nil
		}
		h.send(&pgproto3.CopyData{Data: append([]byte(nil), buf.Bytes()...)})
		buf.Reset()
		return h.flush()
	})
	if err != nil {
		return 0, err
	}
	if buf.Len() > 0 {
		h.send(&pgproto3.CopyData{Data: append([]byte(nil), buf.Bytes()...)})
	}
	h.send(&pgproto3.CopyDone{})
	return n, nil
}

// copyToObject streams the result into the configured object store. Rows are
// produced on this goroutine while the uploader consumes the pipe, so the
// whole export never lands in memory at once.
func (h *ConnectionHandler) copyToObject(ctx context.Context, cs *copyStatement, rows backend.Rows, fields []pgproto3.FieldDescription) (int64, error) {
	store := h.server.cfg.Store
	if store == nil {
		return 0, &wireError{code: pgerrcode.FeatureNotSupported,
			hint: "start the gateway with -store-provider",
			err:  errors.Newf("no object store configured for COPY TO %q", cs.destination)}
	}

	pr, pw := io.Pipe()
	uploadErr := make(chan error, 1)
	go func() {
		uploadErr <- store.Upload(ctx, cs.destination, pr)
	}()

	n, err := h.writeCopyRows(pw, cs, rows, fields, nil)
	if err != nil {
		pw.CloseWithError(err)
		<-uploadErr
		return 0, err
	}
	pw.Close()
	if err := <-uploadErr; err != nil {
		return 0, copyError(pgerrcode.IOError,
			errors.Wrapf(err, "COPY TO %s", cs.destination))
	}
	return n, nil
}

// copyFlushThreshold bounds how much encoded output accumulates before a
// CopyData frame goes out.
const copyFlushThreshold = 64 * 1024

// writeCopyRows encodes every row in the COPY output format. checkpoint, when
// non-nil, runs after each row so the caller can drain w.
func (h *ConnectionHandler) writeCopyRows(w io.Writer, cs *copyStatement, rows backend.Rows, fields []pgproto3.FieldDescription, checkpoint func() error) (int64, error) {
	var cw *csv.Writer
	if cs.format == formatCSV {
		cw = csv.NewWriter(w)
		cw.Comma = rune(cs.delimiter)
		if cs.header {
			names := make([]string, len(fields))
			for i, f := range fields {
				names[i] = string(f.Name)
			}
			if err := cw.Write(names); err != nil {
				return 0, err
			}
		}
	}

	record := make([]string, len(fields))
	var n int64
	for {
		row, err := rows.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			h.countError(err)
			return 0, err
		}
		for i, v := range row {
			if v == nil {
				record[i] = cs.null
				continue
			}
			encoded, err := h.typemap.Encode(fields[i].DataTypeOID, 0, v)
			if err != nil {
				return 0, &wireError{code: pgerrcode.InternalError, err: err}
			}
			record[i] = string(encoded)
		}
		if cw != nil {
			if err := cw.Write(record); err != nil {
				return 0, err
			}
			cw.Flush()
			if err := cw.Error(); err != nil {
				return 0, err
			}
		} else {
			line := strings.Join(record, string(cs.delimiter)) + "\n"
			if _, err := io.WriteString(w, line); err != nil {
				return 0, err
			}
		}
		n++
		if checkpoint != nil {
			if err := checkpoint(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

// quoteCopyColumn quotes an exported column name unless it is already
// quoted.
func quoteCopyColumn(name string) string {
	if strings.HasPrefix(name, `"`) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
