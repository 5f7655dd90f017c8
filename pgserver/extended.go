package pgserver

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/myirisserver/backend"
	"github.com/apecloud/myirisserver/transpiler"
)

// errPortalSuspended is an internal signal: the row limit of an Execute was
// reached with rows remaining.
var errPortalSuspended = errors.New("portal suspended")

// preparedStatement is a named Parse result. Translation happens at Parse
// time so syntax problems surface before Bind, where clients expect them.
type preparedStatement struct {
	name string
	raw  string
	res  transpiler.Result
	// paramOIDs merges client-declared OIDs with cast-inferred ones, one
	// per client parameter.
	paramOIDs []uint32
	// fields caches the Describe row metadata once resolved.
	fields []pgproto3.FieldDescription
	shim   *shimResult
}

// portal is a bound statement, possibly mid-execution when the client uses
// row limits.
type portal struct {
	stmt          *preparedStatement
	args          []any
	resultFormats []int16
	// rows is non-nil while the portal is suspended.
	rows   backend.Rows
	fields []pgproto3.FieldDescription
	count  int64
}

func (h *ConnectionHandler) handleParse(m *pgproto3.Parse) error {
	// Only the unnamed statement may be replaced without an explicit Close.
	if m.Name != "" {
		if _, exists := h.statements[m.Name]; exists {
			return &wireError{code: pgerrcode.DuplicatePreparedStatement,
				err: errors.Newf("prepared statement %q already exists", m.Name)}
		}
	}
	res, err := h.server.translator.Translate(m.Query)
	if err != nil {
		return syntaxError(err)
	}
	h.sendWarning(res.Warning)

	nParams := len(res.ParamOIDs)
	if len(m.ParameterOIDs) > nParams {
		nParams = len(m.ParameterOIDs)
	}
	oids := make([]uint32, nParams)
	copy(oids, res.ParamOIDs)
	for i, oid := range m.ParameterOIDs {
		// The client's declaration wins over inference.
		if oid != 0 {
			oids[i] = oid
		}
	}

	stmt := &preparedStatement{
		name:      m.Name,
		raw:       m.Query,
		res:       res,
		paramOIDs: oids,
		shim:      h.handleCatalogQuery(m.Query),
	}
	h.statements[m.Name] = stmt
	h.send(&pgproto3.ParseComplete{})
	return nil
}

func (h *ConnectionHandler) handleBind(m *pgproto3.Bind) error {
	stmt, ok := h.statements[m.PreparedStatement]
	if !ok {
		return protocolError(errors.Newf("unknown prepared statement %q", m.PreparedStatement))
	}
	if len(m.Parameters) != len(stmt.paramOIDs) {
		return bindError(errors.Newf("bind supplies %d parameters, statement wants %d",
			len(m.Parameters), len(stmt.paramOIDs)))
	}
	// Format codes come as none, one for all, or one per parameter.
	if n := len(m.ParameterFormatCodes); n > 1 && n != len(m.Parameters) {
		return protocolError(errors.Newf("bind supplies %d parameter format codes for %d parameters",
			n, len(m.Parameters)))
	}

	// Decode the client's parameter bytes into backend values.
	decoded := make([]any, len(m.Parameters))
	for i, data := range m.Parameters {
		oid := stmt.paramOIDs[i]
		if oid == 0 {
			oid = pgtype.TextOID
		}
		format := columnFormat(m.ParameterFormatCodes, i)
		v, err := h.typemap.Decode(oid, format, data)
		if err != nil {
			return bindError(err)
		}
		decoded[i] = v
	}

	// Expand to the statement's positional ? markers.
	args := make([]any, len(stmt.res.ParamMap))
	for i, idx := range stmt.res.ParamMap {
		if idx < 0 || idx >= len(decoded) {
			return bindError(errors.Newf("statement references parameter $%d", idx+1))
		}
		args[i] = decoded[idx]
	}

	if old, ok := h.portals[m.DestinationPortal]; ok && old.rows != nil {
		old.rows.Close()
	}
	h.portals[m.DestinationPortal] = &portal{
		stmt:          stmt,
		args:          args,
		resultFormats: m.ResultFormatCodes,
	}
	h.send(&pgproto3.BindComplete{})
	return nil
}

func (h *ConnectionHandler) handleDescribe(m *pgproto3.Describe) error {
	switch m.ObjectType {
	case 'S':
		stmt, ok := h.statements[m.Name]
		if !ok {
			return protocolError(errors.Newf("unknown prepared statement %q", m.Name))
		}
		oids := make([]uint32, len(stmt.paramOIDs))
		for i, oid := range stmt.paramOIDs {
			if oid == 0 {
				oid = pgtype.TextOID
			}
			oids[i] = oid
		}
		h.send(&pgproto3.ParameterDescription{ParameterOIDs: oids})

		fields, err := h.describeFields(stmt, nil)
		if err != nil {
			return err
		}
		if fields == nil {
			h.send(&pgproto3.NoData{})
		} else {
			h.send(&pgproto3.RowDescription{Fields: fields})
		}
		return nil

	case 'P':
		p, ok := h.portals[m.Name]
		if !ok {
			return protocolError(errors.Newf("unknown portal %q", m.Name))
		}
		fields, err := h.describeFields(p.stmt, p.resultFormats)
		if err != nil {
			return err
		}
		if fields == nil {
			h.send(&pgproto3.NoData{})
		} else {
			h.send(&pgproto3.RowDescription{Fields: fields})
		}
		return nil
	}
	return protocolError(errors.Newf("unknown describe target %q", m.ObjectType))
}

// describeFields resolves result metadata for a statement. Statements that
// return no rows yield nil. Metadata comes from a bounded dry run: the
// translated query is executed with every parameter NULL and TOP 0 applied
// by the driver's own prepare path, then the cursor is discarded. IRIS
// reports column metadata before any row is materialized, which keeps the
// dry run cheap.
func (h *ConnectionHandler) describeFields(stmt *preparedStatement, formats []int16) ([]pgproto3.FieldDescription, error) {
	if stmt.shim != nil {
		if len(stmt.shim.cols) == 0 {
			return nil, nil
		}
		return stmt.shim.fields(), nil
	}
	if !returnsRows(stmt.res.Tag) {
		return nil, nil
	}
	if stmt.fields == nil {
		nulls := make([]any, len(stmt.res.ParamMap))
		out, err := h.exec.Execute(context.Background(), stmt.res.SQL, nulls)
		if err != nil {
			h.countError(err)
			return nil, err
		}
		cols := out.Rows.Columns()
		out.Rows.Close()
		stmt.fields = fieldDescriptions(cols, stmt.res.Aliases, stmt.res.ForcedOIDs, nil)
	}
	fields := make([]pgproto3.FieldDescription, len(stmt.fields))
	copy(fields, stmt.fields)
	for i := range fields {
		fields[i].Format = columnFormat(formats, i)
	}
	return fields, nil
}

func (h *ConnectionHandler) handleExecute(m *pgproto3.Execute) error {
	p, ok := h.portals[m.Portal]
	if !ok {
		return protocolError(errors.Newf("unknown portal %q", m.Portal))
	}
	err := h.runPortal(p, m)
	// The unnamed portal only lives until it executes to completion;
	// suspension keeps it for the next Execute.
	if m.Portal == "" && p.rows == nil {
		delete(h.portals, "")
	}
	return err
}

func (h *ConnectionHandler) runPortal(p *portal, m *pgproto3.Execute) error {
	ctx := context.Background()

	// Resuming a suspended portal.
	if p.rows != nil {
		return h.continuePortal(p, m.MaxRows)
	}

	if p.stmt.shim != nil {
		shim := *p.stmt.shim
		r := &shim
		if len(r.cols) > 0 {
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

	tag := p.stmt.res.Tag
	if handled, err := h.handleTransaction(ctx, tag, p.stmt.raw); handled {
		return err
	}
	if tag == "COPY" {
		return h.handleCopy(ctx, p.stmt.raw)
	}

	out, err := h.exec.Execute(ctx, p.stmt.res.SQL, p.args)
	if err != nil {
		h.countError(err)
		return err
	}
	h.server.metrics.QueriesTotal.WithLabelValues(tag).Inc()

	if out.Rows == nil {
		h.send(&pgproto3.CommandComplete{CommandTag: []byte(commandCompleteTag(tag, out.RowsAffected))})
		return nil
	}

	// Extended protocol: the client already has the RowDescription from
	// Describe, so only data rows flow here.
	p.fields = fieldDescriptions(out.Rows.Columns(), p.stmt.res.Aliases, p.stmt.res.ForcedOIDs, p.resultFormats)
	p.rows = out.Rows
	p.count = 0
	return h.continuePortal(p, m.MaxRows)
}

// continuePortal streams rows from a portal's open cursor, honoring the
// Execute row limit.
func (h *ConnectionHandler) continuePortal(p *portal, maxRows uint32) error {
	n, err := h.streamPortalRows(p, maxRows)
	p.count += n
	if err == errPortalSuspended {
		h.send(&pgproto3.PortalSuspended{})
		return nil
	}
	rows := p.rows
	p.rows = nil
	if rows != nil {
		rows.Close()
	}
	if err != nil {
		h.countError(err)
		return err
	}
	h.send(&pgproto3.CommandComplete{CommandTag: []byte(commandCompleteTag(p.stmt.res.Tag, p.count))})
	return nil
}

func (h *ConnectionHandler) streamPortalRows(p *portal, maxRows uint32) (int64, error) {
	var count int64
	for {
		if maxRows > 0 && count >= int64(maxRows) {
			return count, errPortalSuspended
		}
		row, err := p.rows.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		values := make([][]byte, len(row))
		for i, v := range row {
			encoded, err := h.typemap.Encode(p.fields[i].DataTypeOID, p.fields[i].Format, v)
			if err != nil {
				return count, &wireError{code: pgerrcode.InternalError, err: err}
			}
			values[i] = encoded
		}
		h.send(&pgproto3.DataRow{Values: values})
		count++
	}
}

func (h *ConnectionHandler) handleClose(m *pgproto3.Close) error {
	switch m.ObjectType {
	case 'S':
		delete(h.statements, m.Name)
	case 'P':
		if p, ok := h.portals[m.Name]; ok && p.rows != nil {
			p.rows.Close()
		}
		delete(h.portals, m.Name)
	default:
		return protocolError(errors.Newf("unknown close target %q", m.ObjectType))
	}
	h.send(&pgproto3.CloseComplete{})
	return nil
}
