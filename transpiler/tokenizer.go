package transpiler

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// The rewrite stages must never touch text inside string literals, quoted
// identifiers, or comments. The scanner produces a byte mask marking which
// positions are rewritable code; every stage consults it.

var errUnterminated = errors.New("unterminated string or comment")

// codeMask returns a bool per byte of sql, true where the byte is plain code.
// Handles '...' with '' escapes, "..." identifiers with "" escapes, line and
// nested block comments, and $tag$...$tag$ dollar quoting. A parameter marker
// ($ followed by a digit) is code, not a dollar-quote opener.
func codeMask(sql string) ([]bool, error) {
	mask := make([]bool, len(sql))
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == '\'':
			j := i + 1
			for {
				if j >= len(sql) {
					return nil, errors.Wrapf(errUnterminated, "at byte %d", i)
				}
				if sql[j] == '\'' {
					if j+1 < len(sql) && sql[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			i = j + 1
		case c == '"':
			j := i + 1
			for {
				if j >= len(sql) {
					return nil, errors.Wrapf(errUnterminated, "at byte %d", i)
				}
				if sql[j] == '"' {
					if j+1 < len(sql) && sql[j+1] == '"' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			i = j + 1
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			j := i + 2
			for j < len(sql) && sql[j] != '\n' {
				j++
			}
			i = j
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			depth := 1
			j := i + 2
			for depth > 0 {
				if j+1 >= len(sql) {
					return nil, errors.Wrapf(errUnterminated, "at byte %d", i)
				}
				switch {
				case sql[j] == '*' && sql[j+1] == '/':
					depth--
					j += 2
				case sql[j] == '/' && sql[j+1] == '*':
					depth++
					j += 2
				default:
					j++
				}
			}
			i = j
		case c == '$' && !followedByDigit(sql, i):
			tagEnd := dollarTagEnd(sql, i)
			if tagEnd < 0 {
				// A lone $ that opens no quote; treat as code.
				mask[i] = true
				i++
				continue
			}
			tag := sql[i : tagEnd+1]
			end := strings.Index(sql[tagEnd+1:], tag)
			if end < 0 {
				return nil, errors.Wrapf(errUnterminated, "at byte %d", i)
			}
			i = tagEnd + 1 + end + len(tag)
		default:
			mask[i] = true
			i++
		}
	}
	return mask, nil
}

func followedByDigit(sql string, i int) bool {
	return i+1 < len(sql) && sql[i+1] >= '0' && sql[i+1] <= '9'
}

// dollarTagEnd returns the index of the closing $ of a dollar-quote tag
// starting at i, or -1 if sql[i:] does not open a dollar quote.
func dollarTagEnd(sql string, i int) int {
	j := i + 1
	for j < len(sql) {
		c := sql[j]
		if c == '$' {
			return j
		}
		if !isIdentChar(c) || (j == i+1 && c >= '0' && c <= '9') {
			return -1
		}
		j++
	}
	return -1
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// wordAt reports whether the case-insensitive keyword w starts at position i
// of sql with word boundaries on both sides, entirely within code.
func wordAt(sql string, mask []bool, i int, w string) bool {
	if i+len(w) > len(sql) {
		return false
	}
	for k := 0; k < len(w); k++ {
		if !mask[i+k] || !equalFoldByte(sql[i+k], w[k]) {
			return false
		}
	}
	if i > 0 && isIdentChar(sql[i-1]) && mask[i-1] {
		return false
	}
	if i+len(w) < len(sql) && isIdentChar(sql[i+len(w)]) {
		return false
	}
	return true
}

func equalFoldByte(a, b byte) bool {
	if a >= 'a' && a <= 'z' {
		a -= 'a' - 'A'
	}
	if b >= 'a' && b <= 'z' {
		b -= 'a' - 'A'
	}
	return a == b
}

func skipSpace(sql string, i int) int {
	for i < len(sql) && (sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n' || sql[i] == '\r') {
		i++
	}
	return i
}

func skipSpaceBack(sql string, i int) int {
	for i >= 0 && (sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n' || sql[i] == '\r') {
		i--
	}
	return i
}
