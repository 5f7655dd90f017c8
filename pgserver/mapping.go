package pgserver

import (
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/myirisserver/backend"
	"github.com/apecloud/myirisserver/codec"
)

// irisToPostgresOID maps the type names IRIS drivers report to the wire OID
// clients decode by. IRIS exposes ODBC type names; a few legacy spellings
// show up depending on driver build.
var irisToPostgresOID = map[string]uint32{
	"BIT":              pgtype.BoolOID,
	"BOOLEAN":          pgtype.BoolOID,
	"TINYINT":          pgtype.Int2OID,
	"SMALLINT":         pgtype.Int2OID,
	"INTEGER":          pgtype.Int4OID,
	"INT":              pgtype.Int4OID,
	"BIGINT":           pgtype.Int8OID,
	"REAL":             pgtype.Float4OID,
	"FLOAT":            pgtype.Float8OID,
	"DOUBLE":           pgtype.Float8OID,
	"DOUBLE PRECISION": pgtype.Float8OID,
	"NUMERIC":          pgtype.NumericOID,
	"DECIMAL":          pgtype.NumericOID,
	"MONEY":            pgtype.NumericOID,
	"CHAR":             pgtype.BPCharOID,
	"CHARACTER":        pgtype.BPCharOID,
	"NCHAR":            pgtype.BPCharOID,
	"VARCHAR":          pgtype.VarcharOID,
	"NVARCHAR":         pgtype.VarcharOID,
	"LONGVARCHAR":      pgtype.TextOID,
	"TEXT":             pgtype.TextOID,
	"CLOB":             pgtype.TextOID,
	"BINARY":           pgtype.ByteaOID,
	"VARBINARY":        pgtype.ByteaOID,
	"LONGVARBINARY":    pgtype.ByteaOID,
	"DATE":             pgtype.DateOID,
	"TIME":             pgtype.TimeOID,
	"TIMESTAMP":        pgtype.TimestampOID,
	"DATETIME":         pgtype.TimestampOID,
	"POSIXTIME":        pgtype.TimestampOID,
	"UNIQUEIDENTIFIER": pgtype.UUIDOID,
	"VECTOR":           codec.VectorOID,
	"EMBEDDING":        codec.VectorOID,
}

// typeOID resolves a driver-reported type name. Unknown names degrade to
// text, which every client can at least display.
func typeOID(name string) uint32 {
	if oid, ok := irisToPostgresOID[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return oid
	}
	return pgtype.TextOID
}

// typeSize returns the fixed binary width for an OID, -1 for variable types.
func typeSize(oid uint32) int16 {
	switch oid {
	case pgtype.BoolOID:
		return 1
	case pgtype.Int2OID:
		return 2
	case pgtype.Int4OID, pgtype.Float4OID, pgtype.DateOID:
		return 4
	case pgtype.Int8OID, pgtype.Float8OID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		return 8
	}
	return -1
}

// fieldDescriptions builds the RowDescription fields for a result set.
// aliases and forced override driver metadata positionally when their length
// matches; formats assigns the per-column result format the client asked for.
func fieldDescriptions(cols []backend.Column, aliases []string, forced []uint32, formats []int16) []pgproto3.FieldDescription {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, col := range cols {
		name := col.Name
		if len(aliases) == len(cols) && aliases[i] != "" {
			name = aliases[i]
		}
		oid := typeOID(col.TypeName)
		if len(forced) == len(cols) && forced[i] != 0 {
			oid = forced[i]
		}
		mod := int32(-1)
		if col.Size > 0 && (oid == pgtype.VarcharOID || oid == pgtype.BPCharOID) {
			// varlena typmod carries the declared length plus header.
			mod = col.Size + 4
		}
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  oid,
			DataTypeSize: typeSize(oid),
			TypeModifier: mod,
			Format:       columnFormat(formats, i),
		}
	}
	return fields
}

// columnFormat resolves the Bind-message result format list for column i:
// empty means all text, a single entry applies to every column.
func columnFormat(formats []int16, i int) int16 {
	switch len(formats) {
	case 0:
		return codec.TextFormat
	case 1:
		return formats[0]
	default:
		if i < len(formats) {
			return formats[i]
		}
		return codec.TextFormat
	}
}
