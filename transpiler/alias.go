package transpiler

import "strings"

// extractAliases walks the outermost select list and records the column name
// each item presents to the client. IRIS reports its own generated labels for
// expressions, so the handler substitutes these when building row metadata.
// An empty string means keep the executor's reported name. The second return
// carries a result-type OID per item where a top-level CAST pins the type
// down, zero elsewhere.
//
// The two slices are positional and only meaningful when their length matches
// the executor's column count; SELECT * makes them shorter and the handler
// falls back to executor metadata.
func extractAliases(sql string) ([]string, []uint32) {
	mask, err := codeMask(sql)
	if err != nil {
		return nil, nil
	}
	sel := -1
	for i := 0; i < len(sql); i++ {
		if mask[i] && (sql[i] == 's' || sql[i] == 'S') && wordAt(sql, mask, i, "SELECT") {
			sel = i
			break
		}
	}
	if sel < 0 {
		return nil, nil
	}
	i := skipSpace(sql, sel+len("SELECT"))
	if wordAt(sql, mask, i, "DISTINCT") {
		i = skipSpace(sql, i+len("DISTINCT"))
	}
	if wordAt(sql, mask, i, "TOP") {
		i = skipSpace(sql, i+len("TOP"))
		for i < len(sql) && sql[i] >= '0' && sql[i] <= '9' {
			i++
		}
		i = skipSpace(sql, i)
	}

	var (
		aliases []string
		forced  []uint32
		depth   int
		start   = i
	)
	flush := func(end int) {
		item := strings.TrimSpace(sql[start:end])
		if item == "" {
			return
		}
		aliases = append(aliases, itemAlias(item))
		forced = append(forced, itemForcedOID(item))
	}
	for ; i < len(sql); i++ {
		if !mask[i] {
			continue
		}
		switch {
		case sql[i] == '(':
			depth++
		case sql[i] == ')':
			depth--
		case sql[i] == ',' && depth == 0:
			flush(i)
			start = i + 1
		case depth == 0 && (sql[i] == 'f' || sql[i] == 'F') && wordAt(sql, mask, i, "FROM"):
			flush(i)
			return aliases, forced
		}
	}
	flush(len(sql))
	return aliases, forced
}

// itemAlias returns the name a select item exposes: an explicit AS alias, a
// trailing bare-identifier alias, a plain column reference's own name, or ""
// when IRIS's label should stand.
func itemAlias(item string) string {
	mask, err := codeMask(item)
	if err != nil {
		return ""
	}
	end := skipSpaceBack(item, len(item)-1)
	if end < 0 {
		return ""
	}

	// Quoted alias keeps its exact spelling. The quoted run is contiguous
	// unmasked bytes; its first byte is the opening quote.
	if item[end] == '"' {
		s := end
		for s > 0 && !mask[s-1] {
			s--
		}
		if s == end || item[s] != '"' {
			return ""
		}
		return strings.ReplaceAll(item[s+1:end], `""`, `"`)
	}
	if !isIdentChar(item[end]) {
		return ""
	}
	s := end
	for s > 0 && isIdentChar(item[s-1]) && mask[s-1] {
		s--
	}
	word := item[s:end+1]
	prev := skipSpaceBack(item, s-1)
	if prev < 0 {
		// A single bare identifier is a column reference named after itself.
		return word
	}
	if wordEnd(item, mask, prev, "AS") {
		return word
	}
	switch item[prev] {
	case '.':
		// Qualified column reference: the final segment is the name.
		return word
	case ')', '\'', '?':
		// Implicit alias after an expression.
		return word
	}
	if isIdentChar(item[prev]) {
		// Two adjacent identifiers: expression followed by implicit alias,
		// unless the first is a keyword operand like CASE ... END.
		if !strings.EqualFold(word, "END") && !strings.EqualFold(word, "NULL") {
			return word
		}
	}
	return ""
}

// isArithByte reports bytes that can appear in a numeric arithmetic operand
// or operator around a cast.
func isArithByte(c byte) bool {
	return c == '+' || c == '-' || c == '*' || c == '/' || c == '.' ||
		(c >= '0' && c <= '9')
}

// wordEnd reports whether the case-insensitive keyword w ends at position i.
func wordEnd(item string, mask []bool, i int, w string) bool {
	s := i - len(w) + 1
	if s < 0 {
		return false
	}
	return wordAt(item, mask, s, w)
}

// irisTypeOIDs maps cast type spellings, both the IRIS forms the parameter
// stage emits and the PostgreSQL forms clients write, back to result OIDs.
var irisTypeOIDs = func() map[string]uint32 {
	m := make(map[string]uint32, 2*len(castTypes))
	for pg, ct := range castTypes {
		m[strings.ToUpper(pg)] = ct.oid
		if _, dup := m[ct.iris]; !dup {
			m[ct.iris] = ct.oid
		}
	}
	// The ambiguous spellings resolve to the wider PostgreSQL type.
	m["INTEGER"] = castTypes["int4"].oid
	m["DOUBLE"] = castTypes["float8"].oid
	m["VARCHAR"] = castTypes["varchar"].oid
	m["TIMESTAMP"] = castTypes["timestamp"].oid
	return m
}()

// itemForcedOID returns the OID a top-level CAST forces onto the item, or 0.
// Numeric arithmetic around the cast (CAST(? AS INTEGER) + 1) keeps the
// forced OID; IRIS would otherwise describe the whole expression with
// NUMERIC-shaped metadata.
func itemForcedOID(item string) uint32 {
	mask, err := codeMask(item)
	if err != nil {
		return 0
	}
	i := skipSpace(item, 0)
	for i < len(item) && mask[i] && isArithByte(item[i]) {
		i = skipSpace(item, i+1)
	}
	if !wordAt(item, mask, i, "CAST") {
		return 0
	}
	open := skipSpace(item, i+len("CAST"))
	if open >= len(item) || item[open] != '(' {
		return 0
	}
	end, ok := matchParen(item, mask, open)
	if !ok {
		return 0
	}
	// After the cast only arithmetic continuation and an optional alias are
	// allowed; anything else means the cast is not the item's outermost
	// typed expression.
	rest := skipSpace(item, end+1)
	for rest < len(item) && mask[rest] && isArithByte(item[rest]) {
		rest = skipSpace(item, rest+1)
	}
	if rest < len(item) && !wordAt(item, mask, rest, "AS") && !isIdentStart(item[rest]) && item[rest] != '"' {
		return 0
	}
	// The type name is the last identifier run before the closing paren,
	// just past the final AS.
	inner := item[open+1 : end]
	innerMask := mask[open+1 : end]
	asPos := -1
	for k := 0; k < len(inner); k++ {
		if innerMask[k] && (inner[k] == 'a' || inner[k] == 'A') && wordAt(inner, innerMask, k, "AS") {
			asPos = k
		}
	}
	if asPos < 0 {
		return 0
	}
	typ := strings.ToUpper(strings.TrimSpace(inner[asPos+2:]))
	// Strip a precision suffix like VARCHAR(50).
	if p := strings.IndexByte(typ, '('); p > 0 {
		typ = strings.TrimSpace(typ[:p])
	}
	return irisTypeOIDs[typ]
}
