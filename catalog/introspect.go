package catalog

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Table is one INFORMATION_SCHEMA.TABLES row, reshaped for pg_class-style
// answers.
type Table struct {
	Schema string `db:"TABLE_SCHEMA"`
	Name   string `db:"TABLE_NAME"`
	Kind   string `db:"TABLE_TYPE"`
}

// TableColumn is one INFORMATION_SCHEMA.COLUMNS row.
type TableColumn struct {
	Name     string `db:"COLUMN_NAME"`
	Type     string `db:"DATA_TYPE"`
	Nullable string `db:"IS_NULLABLE"`
	Position int    `db:"ORDINAL_POSITION"`
}

// Tables lists relations in a schema through IRIS's INFORMATION_SCHEMA.
func Tables(ctx context.Context, db *sqlx.DB, schema string) ([]Table, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	var tables []Table
	err := db.SelectContext(ctx, &tables,
		"SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ? ORDER BY TABLE_NAME",
		schema)
	return tables, err
}

// Columns lists a table's columns in ordinal order.
func Columns(ctx context.Context, db *sqlx.DB, schema, table string) ([]TableColumn, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	var cols []TableColumn
	err := db.SelectContext(ctx, &cols,
		"SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, ORDINAL_POSITION FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION",
		schema, table)
	return cols, err
}

// QualifyTable renders a safely quoted schema-qualified table reference.
func QualifyTable(schema, table string) string {
	if schema == "" {
		return pq.QuoteIdentifier(table)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

// SplitQualified splits "schema.table" into its parts, tolerating quoted
// segments the way clients write them.
func SplitQualified(name string) (schema, table string) {
	unquote := func(s string) string {
		if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
			return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
		}
		return s
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return unquote(name[:i]), unquote(name[i+1:])
	}
	return "", unquote(name)
}
