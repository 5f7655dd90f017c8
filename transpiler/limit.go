package transpiler

import "strings"

// rewriteLimit moves each LIMIT n clause into the governing SELECT as TOP n,
// which is where IRIS wants row limits. LIMIT ALL is dropped. Forms IRIS has
// no equivalent for (OFFSET, a parameter as the limit) are left in place with
// a warning so IRIS's own error reaches the client.
func rewriteLimit(sql string) (string, string) {
	for {
		mask, err := codeMask(sql)
		if err != nil {
			return sql, ""
		}
		pos := -1
		for i := 0; i < len(sql); i++ {
			if mask[i] && (sql[i] == 'l' || sql[i] == 'L') && wordAt(sql, mask, i, "LIMIT") {
				pos = i
				break
			}
		}
		if pos < 0 {
			return sql, ""
		}

		j := skipSpace(sql, pos+len("LIMIT"))
		if wordAt(sql, mask, j, "ALL") {
			sql = spliceOut(sql, pos, j+len("ALL"))
			continue
		}
		numStart := j
		for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
			j++
		}
		if j == numStart {
			return sql, "LIMIT requires an integer literal"
		}
		count := sql[numStart:j]
		k := skipSpace(sql, j)
		if wordAt(sql, mask, k, "OFFSET") {
			return sql, "OFFSET has no IRIS equivalent"
		}

		selPos := governingSelect(sql, mask, pos)
		if selPos < 0 {
			return sql, "LIMIT outside a SELECT"
		}
		ins := skipSpace(sql, selPos+len("SELECT"))
		if wordAt(sql, mask, ins, "DISTINCT") {
			ins = skipSpace(sql, ins+len("DISTINCT"))
		}
		if wordAt(sql, mask, ins, "TOP") {
			// Already carries a TOP; just drop the LIMIT.
			sql = spliceOut(sql, pos, j)
			continue
		}

		var sb strings.Builder
		sb.WriteString(sql[:ins])
		sb.WriteString("TOP ")
		sb.WriteString(count)
		sb.WriteByte(' ')
		sb.WriteString(spliceOut(sql, pos, j)[ins:])
		sql = sb.String()
	}
}

// governingSelect returns the position of the SELECT keyword at the same
// parenthesis depth as pos, or -1.
func governingSelect(sql string, mask []bool, pos int) int {
	depth := 0
	selectAt := map[int]int{}
	for i := 0; i < pos; i++ {
		if !mask[i] {
			continue
		}
		switch {
		case sql[i] == '(':
			depth++
		case sql[i] == ')':
			// Subqueries at the closed depth are out of scope again.
			delete(selectAt, depth)
			depth--
		case (sql[i] == 's' || sql[i] == 'S') && wordAt(sql, mask, i, "SELECT"):
			selectAt[depth] = i
		}
	}
	if p, ok := selectAt[depth]; ok {
		return p
	}
	return -1
}

// spliceOut removes sql[s:e] and collapses surrounding whitespace, keeping a
// single space only where dropping it would fuse two tokens.
func spliceOut(sql string, s, e int) string {
	left := strings.TrimRight(sql[:s], " \t\n\r")
	right := strings.TrimLeft(sql[e:], " \t\n\r")
	if left != "" && right != "" && isIdentChar(left[len(left)-1]) && isIdentChar(right[0]) {
		return left + " " + right
	}
	return left + right
}
