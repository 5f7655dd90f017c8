// Package codec encodes and decodes column values and bound parameters for
// the PostgreSQL wire protocol, converting between IRIS-native representations
// and the text/binary forms PostgreSQL clients expect.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

// VectorOID is the object identifier advertised for the vector type. It sits
// above the range PostgreSQL reserves for built-in types, matching the OID the
// pgvector extension typically receives on a fresh database.
const VectorOID = 16388

// Format codes on the wire.
const (
	TextFormat   = pgproto3.TextFormat
	BinaryFormat = pgproto3.BinaryFormat
)

// ErrInvalidBinary is the kind of failure reported when a binary parameter
// arrives with an unexpected byte length for its declared type.
type ErrInvalidBinary struct {
	OID  uint32
	Want int
	Got  int
}

func (e *ErrInvalidBinary) Error() string {
	return fmt.Sprintf("invalid binary parameter for oid %d: expected %d bytes, got %d", e.OID, e.Want, e.Got)
}

// Map performs value encoding and decoding keyed by (OID, format code).
// It is stateless apart from the embedded pgtype registry and safe for
// concurrent use.
type Map struct {
	pg *pgtype.Map
}

func NewMap() *Map {
	return &Map{pg: pgtype.NewMap()}
}

// Encode renders v as the wire form of the given OID and format. A nil value
// returns (nil, nil); the caller writes the -1 length itself.
func (m *Map) Encode(oid uint32, format int16, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch oid {
	case pgtype.BoolOID:
		return encodeBool(v, format)
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return encodeInt(oid, v, format)
	case pgtype.Float4OID, pgtype.Float8OID:
		return encodeFloat(oid, v, format)
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.NameOID, pgtype.UnknownOID:
		return []byte(asString(v)), nil
	case pgtype.DateOID:
		return encodeDate(v, format)
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return encodeTimestamp(v, format)
	case pgtype.NumericOID:
		return encodeNumeric(v, format)
	case pgtype.UUIDOID:
		return encodeUUID(v, format)
	case VectorOID:
		return encodeVector(v, format)
	default:
		// Anything else flows through the pgtype registry in text form.
		return m.pg.Encode(oid, pgproto3.TextFormat, v, nil)
	}
}

// Decode converts a bound parameter from its wire form into a value suitable
// for passing to the backend executor. A nil buffer is a SQL NULL.
func (m *Map) Decode(oid uint32, format int16, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	switch oid {
	case pgtype.BoolOID:
		return decodeBool(data, format)
	case pgtype.Int2OID:
		return decodeInt(oid, data, format, 2)
	case pgtype.Int4OID:
		return decodeInt(oid, data, format, 4)
	case pgtype.Int8OID:
		return decodeInt(oid, data, format, 8)
	case pgtype.Float4OID:
		return decodeFloat(oid, data, format, 4)
	case pgtype.Float8OID:
		return decodeFloat(oid, data, format, 8)
	case pgtype.DateOID:
		return decodeDate(data, format)
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return decodeTimestamp(data, format)
	case pgtype.NumericOID:
		return decodeNumeric(data, format)
	case pgtype.UUIDOID:
		return decodeUUID(data, format)
	case VectorOID:
		return decodeVector(data, format)
	default:
		return string(data), nil
	}
}

// DecodeCSV converts a CSV field (COPY text mode) into an executor value for
// the target column type. Empty handling and the NULL sentinel are applied by
// the COPY handler before this is called.
func (m *Map) DecodeCSV(oid uint32, field string) (any, error) {
	return m.Decode(oid, TextFormat, []byte(field))
}

func encodeBool(v any, format int16) ([]byte, error) {
	b, err := asBool(v)
	if err != nil {
		return nil, err
	}
	if format == BinaryFormat {
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}
	if b {
		return []byte{'t'}, nil
	}
	return []byte{'f'}, nil
}

func decodeBool(data []byte, format int16) (any, error) {
	if format == BinaryFormat {
		if len(data) != 1 {
			return nil, &ErrInvalidBinary{OID: pgtype.BoolOID, Want: 1, Got: len(data)}
		}
		return data[0] != 0, nil
	}
	switch strings.TrimSpace(string(data)) {
	case "t", "true", "1", "T", "TRUE":
		return true, nil
	case "f", "false", "0", "F", "FALSE":
		return false, nil
	}
	return nil, fmt.Errorf("invalid bool value %q", data)
}

func encodeInt(oid uint32, v any, format int16) ([]byte, error) {
	n, err := asInt64(v)
	if err != nil {
		return nil, err
	}
	if format == TextFormat {
		return strconv.AppendInt(nil, n, 10), nil
	}
	switch oid {
	case pgtype.Int2OID:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(n)))
		return buf, nil
	case pgtype.Int4OID:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(n)))
		return buf, nil
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		return buf, nil
	}
}

func decodeInt(oid uint32, data []byte, format int16, width int) (any, error) {
	if format == TextFormat {
		n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value %q", data)
		}
		return n, nil
	}
	if len(data) != width {
		return nil, &ErrInvalidBinary{OID: oid, Want: width, Got: len(data)}
	}
	switch width {
	case 2:
		return int64(int16(binary.BigEndian.Uint16(data))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(data))), nil
	default:
		return int64(binary.BigEndian.Uint64(data)), nil
	}
}

func encodeFloat(oid uint32, v any, format int16) ([]byte, error) {
	f, err := asFloat64(v)
	if err != nil {
		return nil, err
	}
	if format == TextFormat {
		if oid == pgtype.Float4OID {
			return strconv.AppendFloat(nil, f, 'g', -1, 32), nil
		}
		return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
	}
	if oid == pgtype.Float4OID {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	return buf, nil
}

func decodeFloat(oid uint32, data []byte, format int16, width int) (any, error) {
	if format == TextFormat {
		f, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float value %q", data)
		}
		return f, nil
	}
	if len(data) != width {
		return nil, &ErrInvalidBinary{OID: oid, Want: width, Got: len(data)}
	}
	if width == 4 {
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data))), nil
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

func encodeDate(v any, format int16) ([]byte, error) {
	t, err := asDate(v)
	if err != nil {
		return nil, err
	}
	if format == TextFormat {
		return []byte(t.Format("2006-01-02")), nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(int32(DaysSinceJ2000(t))))
	return buf, nil
}

func decodeDate(data []byte, format int16) (any, error) {
	if format == TextFormat {
		t, err := ParseDate(string(data))
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	if len(data) != 4 {
		return nil, &ErrInvalidBinary{OID: pgtype.DateOID, Want: 4, Got: len(data)}
	}
	days := int32(binary.BigEndian.Uint32(data))
	return DateFromJ2000(int(days)), nil
}

func encodeTimestamp(v any, format int16) ([]byte, error) {
	t, err := asTimestamp(v)
	if err != nil {
		return nil, err
	}
	if format == TextFormat {
		return []byte(FormatTimestamp(t)), nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(MicrosSinceJ2000(t)))
	return buf, nil
}

func decodeTimestamp(data []byte, format int16) (any, error) {
	if format == TextFormat {
		t, err := ParseTimestamp(string(data))
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	if len(data) != 8 {
		return nil, &ErrInvalidBinary{OID: pgtype.TimestampOID, Want: 8, Got: len(data)}
	}
	return TimestampFromJ2000(int64(binary.BigEndian.Uint64(data))), nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

func asBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int64:
		// IRIS reports booleans as 0/1 integers.
		return b != 0, nil
	case string:
		r, err := decodeBool([]byte(b), TextFormat)
		if err != nil {
			return false, err
		}
		return r.(bool), nil
	case []byte:
		r, err := decodeBool(b, TextFormat)
		if err != nil {
			return false, err
		}
		return r.(bool), nil
	default:
		return false, fmt.Errorf("cannot convert %T to bool", v)
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	case int64:
		return float64(f), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(f), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(f)), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}
