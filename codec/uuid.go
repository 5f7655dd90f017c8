package codec

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// IRIS stores UNIQUEIDENTIFIER columns as canonical text, so decoded UUIDs
// are handed to the driver as strings.

func encodeUUID(v any, format int16) ([]byte, error) {
	u, err := asUUID(v)
	if err != nil {
		return nil, err
	}
	if format == TextFormat {
		return []byte(u.String()), nil
	}
	buf := make([]byte, 16)
	copy(buf, u[:])
	return buf, nil
}

func decodeUUID(data []byte, format int16) (any, error) {
	if format == TextFormat {
		u, err := uuid.Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("invalid uuid value %q", data)
		}
		return u.String(), nil
	}
	if len(data) != 16 {
		return nil, &ErrInvalidBinary{OID: pgtype.UUIDOID, Want: 16, Got: len(data)}
	}
	u, err := uuid.FromBytes(data)
	if err != nil {
		return nil, err
	}
	return u.String(), nil
}

func asUUID(v any) (uuid.UUID, error) {
	switch u := v.(type) {
	case uuid.UUID:
		return u, nil
	case string:
		parsed, err := uuid.Parse(u)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid uuid value %q", u)
		}
		return parsed, nil
	case []byte:
		if len(u) == 16 {
			return uuid.FromBytes(u)
		}
		parsed, err := uuid.Parse(string(u))
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid uuid value %q", u)
		}
		return parsed, nil
	default:
		return uuid.Nil, fmt.Errorf("cannot convert %T to uuid", v)
	}
}
