// Package transpiler rewrites PostgreSQL-dialect SQL into IRIS-dialect SQL
// while preserving the client-observable result shape: column names, column
// count, parameter positions.
package transpiler

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/myirisserver/codec"
)

// Translate runs the fixed sequence of stages, each of which is pure and
// idempotent, so translating already-translated SQL is a no-op:
//
//	trim trailing semicolons
//	$n -> ? parameter markers (cast forms become CAST(? AS <iris type>))
//	pgvector operator rewrites
//	LIMIT n -> TOP n
//	select-list alias extraction
//	parameter OID inference
//	identifier case policy
func Translate(sql string, policy Policy) (Result, error) {
	res := Result{SQL: sql, Tag: CommandTag(sql)}

	trimmed := trimSemicolons(sql)
	mask, err := codeMask(trimmed)
	if err != nil {
		// Lexically broken input (unterminated literal or comment): nothing
		// downstream can run. The caller reports a syntax error.
		res.SQL = sql
		return res, err
	}

	out, oids, paramMap := rewriteParams(trimmed, mask)
	res.ParamOIDs = oids
	res.ParamMap = paramMap

	out, warn := rewriteVectorOps(out)
	if warn != "" {
		res.Warning = warn
	}

	out, warn = rewriteLimit(out)
	if warn != "" && res.Warning == "" {
		res.Warning = warn
	}

	aliases, forced := extractAliases(out)
	res.Aliases = aliases
	res.ForcedOIDs = forced

	out = applyCasePolicy(out, policy)

	res.SQL = out
	return res, nil
}

// Policy is the identifier-case policy applied as the final stage. IRIS is
// case-sensitive and conventionally uppercase.
type Policy int

const (
	PreserveCase Policy = iota
	UpperCase
	LowerCase
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "preserve":
		return PreserveCase, nil
	case "upper":
		return UpperCase, nil
	case "lower":
		return LowerCase, nil
	}
	return PreserveCase, errors.Newf("unknown identifier case policy %q", s)
}

// Result is the output of a translation.
type Result struct {
	// SQL is the IRIS-dialect statement. On error it is the input unchanged.
	SQL string
	// ParamOIDs holds one inferred type OID per client parameter ($1 is
	// index 0); zero means no cast constrained the parameter.
	ParamOIDs []uint32
	// ParamMap maps each ? in SQL, in order, to the client parameter index
	// whose bytes it consumes. PostgreSQL $n markers may repeat; IRIS ?
	// markers are strictly positional.
	ParamMap []int
	// Aliases holds the user-visible select-list column names, "" where the
	// executor's reported name should be used.
	Aliases []string
	// ForcedOIDs overrides the result-column OID where a cast makes the type
	// unambiguous and IRIS metadata would report something a binary-frame
	// client refuses to decode; zero means no override.
	ForcedOIDs []uint32
	// Tag is the leading command verb, uppercased.
	Tag string
	// Warning is set when a stage could not produce an IRIS-legal rewrite and
	// left the statement untouched; the executor surfaces IRIS's error, if
	// any.
	Warning string
}

// trimSemicolons strips all trailing semicolons and whitespace. IRIS rejects
// a trailing semicolon; clients routinely send one. A semicolon inside a
// string literal can never be the final byte (its closing quote follows), so
// a right trim is safe and idempotent.
func trimSemicolons(sql string) string {
	return strings.TrimRight(sql, "; \t\n\r")
}

// castTypes maps PostgreSQL cast type names to their IRIS spelling and the
// parameter OID the cast pins down.
var castTypes = map[string]struct {
	iris string
	oid  uint32
}{
	"int":              {"INTEGER", pgtype.Int4OID},
	"int4":             {"INTEGER", pgtype.Int4OID},
	"integer":          {"INTEGER", pgtype.Int4OID},
	"int2":             {"SMALLINT", pgtype.Int2OID},
	"smallint":         {"SMALLINT", pgtype.Int2OID},
	"int8":             {"BIGINT", pgtype.Int8OID},
	"bigint":           {"BIGINT", pgtype.Int8OID},
	"bool":             {"BIT", pgtype.BoolOID},
	"boolean":          {"BIT", pgtype.BoolOID},
	"text":             {"VARCHAR", pgtype.TextOID},
	"varchar":          {"VARCHAR", pgtype.VarcharOID},
	"date":             {"DATE", pgtype.DateOID},
	"timestamp":        {"TIMESTAMP", pgtype.TimestampOID},
	"timestamptz":      {"TIMESTAMP", pgtype.TimestamptzOID},
	"float4":           {"DOUBLE", pgtype.Float4OID},
	"real":             {"DOUBLE", pgtype.Float4OID},
	"float8":           {"DOUBLE", pgtype.Float8OID},
	"double precision": {"DOUBLE", pgtype.Float8OID},
	"numeric":          {"NUMERIC", pgtype.NumericOID},
	"decimal":          {"NUMERIC", pgtype.NumericOID},
	"vector":           {"VECTOR", codec.VectorOID},
}

// rewriteParams replaces $n with ? in positional order and normalizes
// $n::type into CAST(? AS <iris type>). Markers inside literals and comments
// are untouched (the mask guarantees it).
func rewriteParams(sql string, mask []bool) (string, []uint32, []int) {
	var (
		sb       strings.Builder
		oids     []uint32
		paramMap []int
	)
	recordOID := func(idx int, oid uint32) {
		for len(oids) <= idx {
			oids = append(oids, 0)
		}
		if oid != 0 {
			// An explicit cast wins over a bare occurrence.
			oids[idx] = oid
		}
	}

	i := 0
	for i < len(sql) {
		if !mask[i] || sql[i] != '$' || !followedByDigit(sql, i) {
			sb.WriteByte(sql[i])
			i++
			continue
		}
		j := i + 1
		for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
			j++
		}
		n, _ := strconv.Atoi(sql[i+1 : j])
		idx := n - 1
		paramMap = append(paramMap, idx)

		// $n::type becomes CAST(? AS <iris type>).
		if castName, end, ok := castSuffix(sql, mask, j); ok {
			if ct, known := castTypes[strings.ToLower(castName)]; known {
				sb.WriteString("CAST(? AS ")
				sb.WriteString(ct.iris)
				sb.WriteString(")")
				recordOID(idx, ct.oid)
				i = end
				continue
			}
		}
		sb.WriteByte('?')
		recordOID(idx, 0)
		i = j
	}
	return sb.String(), oids, paramMap
}

// castSuffix parses an optional ::type suffix beginning at i. It returns the
// type name, the index just past it, and whether a cast was present.
func castSuffix(sql string, mask []bool, i int) (string, int, bool) {
	j := skipSpace(sql, i)
	if j+1 >= len(sql) || sql[j] != ':' || sql[j+1] != ':' || !mask[j] {
		return "", 0, false
	}
	j = skipSpace(sql, j+2)
	start := j
	for j < len(sql) && (isIdentChar(sql[j]) || sql[j] == ' ') {
		// Allow the two-word "double precision".
		if sql[j] == ' ' && !wordAt(sql, mask, j+1, "precision") {
			break
		}
		j++
	}
	if j == start {
		return "", 0, false
	}
	return strings.TrimRight(sql[start:j], " "), j, true
}

// applyCasePolicy folds the case of code text only; strings, comments, and
// quoted identifiers keep their spelling.
func applyCasePolicy(sql string, policy Policy) string {
	if policy == PreserveCase {
		return sql
	}
	mask, err := codeMask(sql)
	if err != nil {
		return sql
	}
	b := []byte(sql)
	for i := range b {
		if !mask[i] {
			continue
		}
		if policy == UpperCase && b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		} else if policy == LowerCase && b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// ReplacePlaceholders rewrites each code-position ? in sql with the string
// returned by fn for its ordinal. The executors use it to inline parameters
// that IRIS cannot bind as proper values.
func ReplacePlaceholders(sql string, fn func(i int) string) string {
	mask, err := codeMask(sql)
	if err != nil {
		return sql
	}
	var sb strings.Builder
	ord := 0
	for i := 0; i < len(sql); i++ {
		if mask[i] && sql[i] == '?' {
			sb.WriteString(fn(ord))
			ord++
			continue
		}
		sb.WriteByte(sql[i])
	}
	return sb.String()
}

// CountPlaceholders returns the number of code-position ? markers.
func CountPlaceholders(sql string) int {
	mask, err := codeMask(sql)
	if err != nil {
		return 0
	}
	n := 0
	for i := 0; i < len(sql); i++ {
		if mask[i] && sql[i] == '?' {
			n++
		}
	}
	return n
}
