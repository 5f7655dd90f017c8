package codec

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PostgreSQL numeric binary layout: ndigits, weight, sign, dscale as int16s,
// followed by ndigits base-10000 digit groups.
const (
	numericPositive = 0x0000
	numericNegative = 0x4000
	numericNaN      = 0xC000
)

func encodeNumeric(v any, format int16) ([]byte, error) {
	d, err := asDecimal(v)
	if err != nil {
		return nil, err
	}
	if format == TextFormat {
		return []byte(d.String()), nil
	}
	return numericToBinary(d), nil
}

func decodeNumeric(data []byte, format int16) (any, error) {
	if format == TextFormat {
		d, err := decimal.NewFromString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("invalid numeric value %q", data)
		}
		return d, nil
	}
	return numericFromBinary(data)
}

func numericToBinary(d decimal.Decimal) []byte {
	sign := numericPositive
	if d.IsNegative() {
		sign = numericNegative
	}
	abs := d.Abs()

	s := abs.String()
	intPart, fracPart, _ := strings.Cut(s, ".")
	dscale := len(fracPart)

	// Pad both sides out to whole base-10000 groups.
	for len(intPart)%4 != 0 {
		intPart = "0" + intPart
	}
	for len(fracPart)%4 != 0 {
		fracPart += "0"
	}
	weight := len(intPart)/4 - 1

	var digits []uint16
	all := intPart + fracPart
	for i := 0; i < len(all); i += 4 {
		var g uint16
		for j := 0; j < 4; j++ {
			g = g*10 + uint16(all[i+j]-'0')
		}
		digits = append(digits, g)
	}

	// Strip leading and trailing zero groups; leading strips lower the weight.
	for len(digits) > 0 && digits[0] == 0 {
		digits = digits[1:]
		weight--
	}
	for len(digits) > 0 && digits[len(digits)-1] == 0 {
		digits = digits[:len(digits)-1]
	}
	if len(digits) == 0 {
		weight = 0
		sign = numericPositive
	}

	buf := make([]byte, 8+2*len(digits))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(digits)))
	binary.BigEndian.PutUint16(buf[2:4], uint16(int16(weight)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(sign))
	binary.BigEndian.PutUint16(buf[6:8], uint16(dscale))
	for i, g := range digits {
		binary.BigEndian.PutUint16(buf[8+2*i:], g)
	}
	return buf
}

func numericFromBinary(data []byte) (decimal.Decimal, error) {
	if len(data) < 8 {
		return decimal.Zero, &ErrInvalidBinary{OID: 1700, Want: 8, Got: len(data)}
	}
	ndigits := int(binary.BigEndian.Uint16(data[0:2]))
	weight := int(int16(binary.BigEndian.Uint16(data[2:4])))
	sign := binary.BigEndian.Uint16(data[4:6])
	dscale := int(binary.BigEndian.Uint16(data[6:8]))
	if sign == numericNaN {
		return decimal.Zero, fmt.Errorf("NaN numeric is not supported")
	}
	if len(data) != 8+2*ndigits {
		return decimal.Zero, &ErrInvalidBinary{OID: 1700, Want: 8 + 2*ndigits, Got: len(data)}
	}

	var sb strings.Builder
	if sign == numericNegative {
		sb.WriteByte('-')
	}
	// Render every group, then place the decimal point from the weight.
	intGroups := weight + 1
	if intGroups <= 0 {
		sb.WriteString("0.")
		for i := 0; i < -intGroups; i++ {
			sb.WriteString("0000")
		}
		for i := 0; i < ndigits; i++ {
			g := binary.BigEndian.Uint16(data[8+2*i:])
			fmt.Fprintf(&sb, "%04d", g)
		}
	} else {
		for i := 0; i < intGroups || i < ndigits; i++ {
			if i == intGroups {
				sb.WriteByte('.')
			}
			var g uint16
			if i < ndigits {
				g = binary.BigEndian.Uint16(data[8+2*i:])
			}
			if i == 0 {
				fmt.Fprintf(&sb, "%d", g)
			} else {
				fmt.Fprintf(&sb, "%04d", g)
			}
		}
	}

	d, err := decimal.NewFromString(sb.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed numeric: %v", err)
	}
	// Reapply the declared display scale so round-trips are stable.
	return d.Round(int32(dscale)), nil
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case []byte:
		return decimal.NewFromString(strings.TrimSpace(string(n)))
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Zero, fmt.Errorf("cannot convert %T to numeric", v)
	}
}
