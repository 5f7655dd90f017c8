package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Vector is a parsed vector value. IRIS returns vectors as their textual
// bracket form; clients may bind them in either format.
type Vector []float32

// String renders the pgvector text form: [f1,f2,...].
func (v Vector) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// ParseVector parses the bracket text form.
func ParseVector(s string) (Vector, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("invalid vector value %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return Vector{}, nil
	}
	parts := strings.Split(inner, ",")
	v := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector element %q", p)
		}
		v[i] = float32(f)
	}
	return v, nil
}

// Binary vector layout, matching pgvector's wire format:
// int16 dimension count, int16 unused, then dimension float32s, big-endian.
func encodeVector(val any, format int16) ([]byte, error) {
	v, err := asVector(val)
	if err != nil {
		return nil, err
	}
	if format == TextFormat {
		return []byte(v.String()), nil
	}
	buf := make([]byte, 4+4*len(v))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(v)))
	for i, f := range v {
		binary.BigEndian.PutUint32(buf[4+4*i:], math.Float32bits(f))
	}
	return buf, nil
}

func decodeVector(data []byte, format int16) (any, error) {
	if format == TextFormat {
		return ParseVector(string(data))
	}
	if len(data) < 4 {
		return nil, &ErrInvalidBinary{OID: VectorOID, Want: 4, Got: len(data)}
	}
	dims := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) != 4+4*dims {
		return nil, &ErrInvalidBinary{OID: VectorOID, Want: 4 + 4*dims, Got: len(data)}
	}
	v := make(Vector, dims)
	for i := range v {
		v[i] = math.Float32frombits(binary.BigEndian.Uint32(data[4+4*i:]))
	}
	return v, nil
}

func asVector(val any) (Vector, error) {
	switch v := val.(type) {
	case Vector:
		return v, nil
	case []float32:
		return Vector(v), nil
	case string:
		return ParseVector(v)
	case []byte:
		return ParseVector(string(v))
	default:
		return nil, fmt.Errorf("cannot convert %T to vector", val)
	}
}
