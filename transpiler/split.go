package transpiler

import "strings"

// SplitStatements splits a simple-query buffer on top-level semicolons.
// Semicolons inside literals, comments, and dollar quotes do not split.
// Empty statements are dropped; an entirely empty buffer yields nil.
func SplitStatements(sql string) ([]string, error) {
	mask, err := codeMask(sql)
	if err != nil {
		return nil, err
	}
	var (
		stmts []string
		start int
	)
	for i := 0; i < len(sql); i++ {
		if mask[i] && sql[i] == ';' {
			if s := strings.TrimSpace(sql[start:i]); s != "" {
				stmts = append(stmts, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(sql[start:]); s != "" {
		stmts = append(stmts, s)
	}
	return stmts, nil
}

// CommandTag returns the uppercased leading verb of a statement, skipping
// comments. Compound verbs collapse to the tag PostgreSQL clients expect.
func CommandTag(sql string) string {
	mask, err := codeMask(sql)
	if err != nil {
		mask = nil
	}
	i := skipSpace(sql, 0)
	for i < len(sql) && (mask == nil || !mask[i]) {
		// Leading comment bytes are unmasked; step over them.
		if mask == nil {
			break
		}
		i++
		i = skipSpace(sql, i)
	}
	start := i
	for i < len(sql) && isIdentChar(sql[i]) {
		i++
	}
	verb := strings.ToUpper(sql[start:i])
	switch verb {
	case "START":
		return "BEGIN"
	case "":
		return ""
	}
	return verb
}
