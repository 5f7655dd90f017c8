package backend

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/apecloud/myirisserver/codec"
)

// Some IRIS driver builds reject bound parameters of temporal and vector
// types. When a statement carries such arguments the executors fall back to
// inlining them as literals; everything else still binds normally.

// needsInline reports whether any argument requires the literal fallback.
func needsInline(args []any) bool {
	for _, a := range args {
		switch a.(type) {
		case time.Time, codec.Vector, decimal.Decimal:
			return true
		}
	}
	return false
}

// quoteLiteral renders one argument as an IRIS SQL literal.
func quoteLiteral(v any) string {
	switch a := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if a {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(a, 10)
	case int:
		return strconv.Itoa(a)
	case float64:
		return strconv.FormatFloat(a, 'g', -1, 64)
	case decimal.Decimal:
		return a.String()
	case time.Time:
		if a.Hour() == 0 && a.Minute() == 0 && a.Second() == 0 && a.Nanosecond() == 0 {
			return "'" + a.Format("2006-01-02") + "'"
		}
		return "'" + codec.FormatTimestamp(a) + "'"
	case codec.Vector:
		return "TO_VECTOR(" + quoteString(a.String()) + ", FLOAT)"
	case []byte:
		return quoteString(string(a))
	case string:
		return quoteString(a)
	default:
		return quoteString(fmt.Sprint(v))
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
