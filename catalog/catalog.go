// Package catalog answers the PostgreSQL-flavored introspection queries
// clients send at connect time. IRIS has no pg_catalog, so the answers come
// from a small static table plus INFORMATION_SCHEMA lookups against the
// backend.
package catalog

import (
	"sort"

	"github.com/jackc/pgx/v5/pgtype"
)

// ServerVersion is the PostgreSQL version the gateway impersonates. Old
// enough that no client expects features the gateway cannot fake, new
// enough that SCRAM and extended protocol are assumed.
const ServerVersion = "16.3"

// VersionString is what SELECT version() reports.
const VersionString = "PostgreSQL " + ServerVersion + " (IRIS SQL Gateway)"

// DefaultSchema is IRIS's default relational schema.
const DefaultSchema = "SQLUser"

// VectorOID is the assigned OID for the vector type, chosen above the
// user-defined range floor the way pgvector installs typically land.
const VectorOID = 16388

// StartupParameters are the ParameterStatus values sent after
// authentication. Clients cache these; integer_datetimes in particular
// gates binary timestamp handling.
func StartupParameters(user, database string) map[string]string {
	return map[string]string{
		"server_version":              ServerVersion,
		"server_encoding":             "UTF8",
		"client_encoding":             "UTF8",
		"application_name":            "",
		"DateStyle":                   "ISO, MDY",
		"integer_datetimes":           "on",
		"IntervalStyle":               "postgres",
		"is_superuser":                "off",
		"session_authorization":       user,
		"standard_conforming_strings": "on",
		"TimeZone":                    "UTC",
	}
}

// showValues serves SHOW <name>. Keys are lowercased.
var showValues = map[string]string{
	"server_version":              ServerVersion,
	"server_encoding":             "UTF8",
	"client_encoding":             "UTF8",
	"datestyle":                   "ISO, MDY",
	"timezone":                    "UTC",
	"integer_datetimes":           "on",
	"standard_conforming_strings": "on",
	"max_connections":             "100",
	"transaction_isolation":       "read committed",
	"search_path":                 DefaultSchema,
}

// ShowValue resolves a SHOW variable name.
func ShowValue(name string) (string, bool) {
	v, ok := showValues[name]
	return v, ok
}

// TypeRow is one static pg_type entry.
type TypeRow struct {
	OID      uint32
	Name     string
	Category string
	// Elem is the element OID for array types, zero otherwise.
	Elem uint32
}

var typeRows = []TypeRow{
	{pgtype.BoolOID, "bool", "B", 0},
	{pgtype.ByteaOID, "bytea", "U", 0},
	{pgtype.NameOID, "name", "S", 0},
	{pgtype.Int8OID, "int8", "N", 0},
	{pgtype.Int2OID, "int2", "N", 0},
	{pgtype.Int4OID, "int4", "N", 0},
	{pgtype.TextOID, "text", "S", 0},
	{pgtype.OIDOID, "oid", "N", 0},
	{pgtype.Float4OID, "float4", "N", 0},
	{pgtype.Float8OID, "float8", "N", 0},
	{pgtype.UnknownOID, "unknown", "X", 0},
	{pgtype.BPCharOID, "bpchar", "S", 0},
	{pgtype.VarcharOID, "varchar", "S", 0},
	{pgtype.DateOID, "date", "D", 0},
	{pgtype.TimeOID, "time", "D", 0},
	{pgtype.TimestampOID, "timestamp", "D", 0},
	{pgtype.TimestamptzOID, "timestamptz", "D", 0},
	{pgtype.NumericOID, "numeric", "N", 0},
	{pgtype.UUIDOID, "uuid", "U", 0},
	{VectorOID, "vector", "U", 0},
}

// Types returns the static pg_type rows, OID ascending.
func Types() []TypeRow {
	out := make([]TypeRow, len(typeRows))
	copy(out, typeRows)
	sort.Slice(out, func(i, j int) bool { return out[i].OID < out[j].OID })
	return out
}

// TypeByName finds a static type row by pg_type name.
func TypeByName(name string) (TypeRow, bool) {
	for _, t := range typeRows {
		if t.Name == name {
			return t, true
		}
	}
	return TypeRow{}, false
}
