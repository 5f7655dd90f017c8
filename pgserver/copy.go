package pgserver

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/cockroachdb-parser/pkg/sql/parser"
	"github.com/cockroachdb/cockroachdb-parser/pkg/sql/sem/tree"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"

	"github.com/apecloud/myirisserver/catalog"
)

// copyStatement is a normalized COPY command.
type copyStatement struct {
	// to is true for COPY ... TO, false for COPY ... FROM.
	to bool
	// schema and table identify the target; for COPY (query) TO, table is
	// empty and query holds the inner statement.
	schema  string
	table   string
	columns []string
	query   string
	// destination is "" for STDIN/STDOUT, otherwise a file target such as
	// an s3:// URL.
	destination string

	format    copyFormat
	delimiter byte
	null      string
	header    bool
}

type copyFormat int

const (
	formatText copyFormat = iota
	formatCSV
)

// parseCopy parses a COPY statement, preferring the full parser and falling
// back to a tolerant scan for shapes the parser rejects.
func parseCopy(sql string) (*copyStatement, error) {
	stmt, err := parser.ParseOne(sql)
	if err != nil {
		return parseCopyFallback(sql)
	}
	switch n := stmt.AST.(type) {
	case *tree.CopyFrom:
		cs := &copyStatement{to: false}
		if !n.Stdin {
			return nil, copyError(pgerrcode.FeatureNotSupported,
				errors.New("COPY FROM only supports STDIN"))
		}
		cs.schema, cs.table = tableParts(n.Table)
		cs.columns = nameList(n.Columns)
		if err := cs.applyOptions(&n.Options); err != nil {
			return nil, err
		}
		return cs, nil

	case *tree.CopyTo:
		cs := &copyStatement{to: true}
		cs.schema, cs.table = tableParts(n.Table)
		cs.columns = nameList(n.Columns)
		if n.Statement != nil {
			cs.table = ""
			cs.query = n.Statement.String()
		}
		if err := cs.applyOptions(&n.Options); err != nil {
			return nil, err
		}
		return cs, nil
	}
	return nil, copyError(pgerrcode.SyntaxError, errors.New("not a COPY statement"))
}

func tableParts(t tree.TableName) (schema, table string) {
	if t.ExplicitSchema {
		schema = string(t.SchemaName)
	}
	return schema, string(t.ObjectName)
}

func nameList(names tree.NameList) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

func (cs *copyStatement) applyOptions(opts *tree.CopyOptions) error {
	switch opts.CopyFormat {
	case tree.CopyFormatCSV:
		cs.format = formatCSV
		cs.delimiter = ','
		cs.null = ""
	case tree.CopyFormatBinary:
		return &wireError{code: pgerrcode.FeatureNotSupported, hint: "use FORMAT text or csv",
			err: errors.New("BINARY format is not supported for COPY")}
	default:
		cs.format = formatText
		cs.delimiter = '\t'
		cs.null = `\N`
	}
	if opts.Destination != nil {
		if s, ok := opts.Destination.(*tree.StrVal); ok {
			cs.destination = s.RawString()
		}
	}
	if opts.Delimiter != nil {
		if s, ok := opts.Delimiter.(*tree.StrVal); ok && len(s.RawString()) == 1 {
			cs.delimiter = s.RawString()[0]
		} else {
			return copyError(pgerrcode.InvalidParameterValue,
				errors.New("COPY delimiter must be a single character"))
		}
	}
	if opts.Null != nil {
		if s, ok := opts.Null.(*tree.StrVal); ok {
			cs.null = s.RawString()
		}
	}
	cs.header = opts.Header
	return nil
}

// copyRegexes back up the parser for dialect corners it refuses, the most
// common being unquoted option lists from older drivers.
var (
	copyFromRe = regexp.MustCompile(
		`(?is)^COPY\s+([^\s(]+)\s*(?:\(([^)]*)\))?\s+FROM\s+STDIN\s*(?:WITH\s*)?(?:\((.*)\))?\s*$`)
	copyToRe = regexp.MustCompile(
		`(?is)^COPY\s+(?:\((.+)\)|([^\s(]+)\s*(?:\(([^)]*)\))?)\s+TO\s+(STDOUT|'[^']*')\s*(?:WITH\s*)?(?:\((.*)\))?\s*$`)
)

func parseCopyFallback(sql string) (*copyStatement, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(sql), ";")
	if m := copyFromRe.FindStringSubmatch(trimmed); m != nil {
		cs := &copyStatement{format: formatText, delimiter: '\t', null: `\N`}
		cs.schema, cs.table = catalog.SplitQualified(m[1])
		cs.columns = splitColumns(m[2])
		if err := cs.applyRawOptions(m[3]); err != nil {
			return nil, err
		}
		return cs, nil
	}
	if m := copyToRe.FindStringSubmatch(trimmed); m != nil {
		cs := &copyStatement{to: true, format: formatText, delimiter: '\t', null: `\N`}
		if m[1] != "" {
			cs.query = m[1]
		} else {
			cs.schema, cs.table = catalog.SplitQualified(m[2])
			cs.columns = splitColumns(m[3])
		}
		if dest := m[4]; dest != "STDOUT" && !strings.EqualFold(dest, "STDOUT") {
			cs.destination = strings.Trim(dest, "'")
		}
		if err := cs.applyRawOptions(m[5]); err != nil {
			return nil, err
		}
		return cs, nil
	}
	return nil, copyError(pgerrcode.SyntaxError, errors.New("malformed COPY statement"))
}

func splitColumns(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyRawOptions parses the parenthesized option list of the fallback
// grammar: FORMAT CSV, DELIMITER ';', NULL '', HEADER.
func (cs *copyStatement) applyRawOptions(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, opt := range strings.Split(raw, ",") {
		fields := strings.Fields(strings.TrimSpace(opt))
		if len(fields) == 0 {
			continue
		}
		key := strings.ToUpper(fields[0])
		value := ""
		if len(fields) > 1 {
			value = strings.Trim(strings.Join(fields[1:], " "), "'")
		}
		switch key {
		case "FORMAT":
			switch strings.ToUpper(value) {
			case "CSV":
				cs.format = formatCSV
				cs.delimiter = ','
				cs.null = ""
			case "TEXT":
				cs.format = formatText
			case "BINARY":
				return &wireError{code: pgerrcode.FeatureNotSupported, hint: "use FORMAT text or csv",
					err: errors.New("BINARY format is not supported for COPY")}
			default:
				return copyError(pgerrcode.InvalidParameterValue,
					errors.Newf("unknown COPY format %q", value))
			}
		case "DELIMITER":
			if len(value) != 1 {
				return copyError(pgerrcode.InvalidParameterValue,
					errors.New("COPY delimiter must be a single character"))
			}
			cs.delimiter = value[0]
		case "NULL":
			cs.null = value
		case "HEADER":
			cs.header = value == "" || strings.EqualFold(value, "true") || strings.EqualFold(value, "on")
		default:
			return copyError(pgerrcode.FeatureNotSupported,
				errors.Newf("unsupported COPY option %q", key))
		}
	}
	return nil
}
