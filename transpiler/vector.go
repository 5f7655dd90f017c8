package transpiler

import "strings"

// pgvector distance operators and the IRIS functions they map to. pgvector's
// <#> is negative inner product, so ORDER BY direction is preserved by
// negating VECTOR_DOT_PRODUCT.
var vectorOps = []struct {
	op  string
	fn  string
	neg bool
}{
	{"<->", "VECTOR_L2", false},
	{"<=>", "VECTOR_COSINE", false},
	{"<#>", "VECTOR_DOT_PRODUCT", true},
}

// rewriteVectorOps replaces every pgvector distance operator with the matching
// IRIS function call. Operands that are vector text literals or parameter
// markers are wrapped in TO_VECTOR so IRIS receives a typed value. When an
// operand cannot be delimited the statement is left untouched and a warning
// returned; IRIS reports the operator as a syntax error if it is reached.
func rewriteVectorOps(sql string) (string, string) {
	for {
		mask, err := codeMask(sql)
		if err != nil {
			return sql, ""
		}
		pos, op := findVectorOp(sql, mask)
		if pos < 0 {
			return sql, ""
		}
		ls, le, ok := operandLeft(sql, mask, pos)
		if !ok {
			return sql, "cannot delimit left operand of " + op.op
		}
		rs, re, ok := operandRight(sql, mask, pos+len(op.op))
		if !ok {
			return sql, "cannot delimit right operand of " + op.op
		}

		var sb strings.Builder
		sb.WriteString(sql[:ls])
		if op.neg {
			sb.WriteByte('-')
		}
		sb.WriteString(op.fn)
		sb.WriteByte('(')
		sb.WriteString(wrapVectorOperand(sql[ls:le]))
		sb.WriteString(", ")
		sb.WriteString(wrapVectorOperand(sql[rs:re]))
		sb.WriteByte(')')
		sb.WriteString(sql[re:])
		sql = sb.String()
	}
}

func findVectorOp(sql string, mask []bool) (int, struct {
	op  string
	fn  string
	neg bool
}) {
	for i := 0; i+2 < len(sql); i++ {
		if !mask[i] {
			continue
		}
		for _, op := range vectorOps {
			if sql[i:i+3] == op.op {
				return i, op
			}
		}
	}
	return -1, vectorOps[0]
}

// wrapVectorOperand wraps literals and parameter markers in TO_VECTOR; column
// references and expressions already carry vector type in IRIS.
func wrapVectorOperand(operand string) string {
	t := strings.TrimSpace(operand)
	if t == "?" {
		return "TO_VECTOR(?, FLOAT)"
	}
	if len(t) >= 2 && t[0] == '\'' && t[len(t)-1] == '\'' {
		return "TO_VECTOR(" + t + ", FLOAT)"
	}
	return t
}

// operandLeft finds the expression immediately left of the operator at pos.
// It recognizes a string literal, a parenthesized group with an optional
// function name, a parameter marker, and a dotted identifier chain.
func operandLeft(sql string, mask []bool, pos int) (int, int, bool) {
	e := skipSpaceBack(sql, pos-1)
	if e < 0 {
		return 0, 0, false
	}
	end := e + 1
	switch {
	case sql[e] == '\'':
		// The literal body is masked off; walk back to its opening quote.
		s := e
		for s > 0 && !mask[s-1] {
			s--
		}
		if s == e {
			return 0, 0, false
		}
		return s, end, true
	case sql[e] == ')':
		depth := 0
		s := e
		for s >= 0 {
			if mask[s] {
				if sql[s] == ')' {
					depth++
				} else if sql[s] == '(' {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			s--
		}
		if s < 0 {
			return 0, 0, false
		}
		// Pull in a function name if one precedes the group.
		t := skipSpaceBack(sql, s-1)
		if t >= 0 && mask[t] && isIdentChar(sql[t]) {
			for t > 0 && mask[t-1] && (isIdentChar(sql[t-1]) || sql[t-1] == '.') {
				t--
			}
			s = t
		}
		return s, end, true
	case sql[e] == '?':
		return e, end, true
	case isIdentChar(sql[e]) || sql[e] == '"':
		s := e
		for s > 0 && (quotedOrIdent(sql, mask, s-1) || sql[s-1] == '.') {
			s--
		}
		return s, end, true
	}
	return 0, 0, false
}

// operandRight finds the expression immediately right of the operator.
func operandRight(sql string, mask []bool, pos int) (int, int, bool) {
	s := skipSpace(sql, pos)
	if s >= len(sql) {
		return 0, 0, false
	}
	switch {
	case sql[s] == '\'':
		e := s + 1
		for e < len(sql) && !mask[e] {
			e++
		}
		if e > len(sql) {
			return 0, 0, false
		}
		return s, e, true
	case sql[s] == '?':
		return s, s + 1, true
	case sql[s] == '(':
		e, ok := matchParen(sql, mask, s)
		if !ok {
			return 0, 0, false
		}
		return s, e + 1, true
	case isIdentStart(sql[s]) || sql[s] == '"':
		e := s
		for e < len(sql) && (quotedOrIdent(sql, mask, e) || sql[e] == '.') {
			e++
		}
		// Function call: include the argument list.
		j := skipSpace(sql, e)
		if j < len(sql) && sql[j] == '(' && mask[j] {
			k, ok := matchParen(sql, mask, j)
			if !ok {
				return 0, 0, false
			}
			return s, k + 1, true
		}
		return s, e, true
	}
	return 0, 0, false
}

func matchParen(sql string, mask []bool, open int) (int, bool) {
	depth := 0
	for i := open; i < len(sql); i++ {
		if !mask[i] {
			continue
		}
		if sql[i] == '(' {
			depth++
		} else if sql[i] == ')' {
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// quotedOrIdent reports whether byte i belongs to an identifier, quoted or
// bare. Quoted identifier bodies are masked off, their delimiters are not.
func quotedOrIdent(sql string, mask []bool, i int) bool {
	if i < 0 || i >= len(sql) {
		return false
	}
	if sql[i] == '"' {
		return true
	}
	if !mask[i] {
		// Inside a quoted identifier or a string literal; identifiers only.
		return insideDoubleQuotes(sql, i)
	}
	return isIdentChar(sql[i])
}

func insideDoubleQuotes(sql string, i int) bool {
	// Scan back for the nearest unmasked delimiter.
	for j := i; j >= 0; j-- {
		if sql[j] == '"' {
			return true
		}
		if sql[j] == '\'' {
			return false
		}
	}
	return false
}
