package pgserver

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/apecloud/myirisserver/catalog"
)

// The shim intercepts the PostgreSQL-specific queries clients fire on
// connect, which IRIS can never answer. Handling every pg_catalog shape is
// not feasible; the patterns below cover what common drivers and psql
// actually send, and anything unmatched flows through to the backend to
// fail with IRIS's own error.

// shimResult is a synthetic result set.
type shimResult struct {
	cols []string
	oids []uint32
	rows [][]string
	tag  string
}

func (r *shimResult) fields() []pgproto3.FieldDescription {
	fields := make([]pgproto3.FieldDescription, len(r.cols))
	for i, name := range r.cols {
		oid := uint32(pgtype.TextOID)
		if i < len(r.oids) {
			oid = r.oids[i]
		}
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  oid,
			DataTypeSize: typeSize(oid),
			TypeModifier: -1,
		}
	}
	return fields
}

var (
	versionRegex      = regexp.MustCompile(`(?i)^SELECT\s+version\s*\(\s*\)\s*;?\s*$`)
	showRegex         = regexp.MustCompile(`(?i)^SHOW\s+([a-zA-Z_.\s]+?)\s*;?\s*$`)
	setRegex          = regexp.MustCompile(`(?i)^SET\s+(?:SESSION\s+|LOCAL\s+)?([a-zA-Z_]+)\s*(?:=|TO)\s*(.+?)\s*;?\s*$`)
	currentSchemaRe   = regexp.MustCompile(`(?i)^SELECT\s+current_schema\s*\(\s*\)\s*;?\s*$`)
	currentDatabaseRe = regexp.MustCompile(`(?i)^SELECT\s+current_database\s*\(\s*\)\s*;?\s*$`)
	currentUserRe     = regexp.MustCompile(`(?i)^SELECT\s+(?:current_user|session_user|user)\s*;?\s*$`)
	typeLookupRe      = regexp.MustCompile(`(?i)^SELECT\s+oid,\s*typname\s+FROM\s+pg_(?:catalog\.)?pg_type|^SELECT\s+t\.oid,\s*t\.typname\s+FROM\s+pg_(?:catalog\.)?type\s+t`)
	pgTypeRe          = regexp.MustCompile(`(?i)\bpg_(?:catalog\.)?type\b|\bpg_type\b`)
	setConfigRe       = regexp.MustCompile(`(?i)^SELECT\s+(?:pg_catalog\.)?set_config\s*\(\s*'([^']*)'\s*,\s*'([^']*)'.*\)\s*;?\s*$`)
)

// handleCatalogQuery serves a statement locally when it matches a known
// client introspection shape. A nil return means the statement goes to the
// backend.
func (h *ConnectionHandler) handleCatalogQuery(sql string) *shimResult {
	trimmed := strings.TrimSpace(sql)
	switch {
	case versionRegex.MatchString(trimmed):
		return &shimResult{
			cols: []string{"version"},
			rows: [][]string{{catalog.VersionString}},
			tag:  "SELECT 1",
		}

	case currentSchemaRe.MatchString(trimmed):
		return &shimResult{
			cols: []string{"current_schema"},
			oids: []uint32{pgtype.NameOID},
			rows: [][]string{{h.server.cfg.DefaultSchema}},
			tag:  "SELECT 1",
		}

	case currentDatabaseRe.MatchString(trimmed):
		return &shimResult{
			cols: []string{"current_database"},
			oids: []uint32{pgtype.NameOID},
			rows: [][]string{{h.database}},
			tag:  "SELECT 1",
		}

	case currentUserRe.MatchString(trimmed):
		return &shimResult{
			cols: []string{"current_user"},
			oids: []uint32{pgtype.NameOID},
			rows: [][]string{{h.user}},
			tag:  "SELECT 1",
		}

	case showRegex.MatchString(trimmed):
		name := strings.ToLower(strings.TrimSpace(showRegex.FindStringSubmatch(trimmed)[1]))
		if name == "transaction isolation level" {
			name = "transaction_isolation"
		}
		if v, ok := catalog.ShowValue(name); ok {
			return &shimResult{
				cols: []string{name},
				rows: [][]string{{v}},
				tag:  "SHOW",
			}
		}
		return nil

	case setConfigRe.MatchString(trimmed):
		m := setConfigRe.FindStringSubmatch(trimmed)
		h.rememberSetting(m[1], m[2])
		return &shimResult{
			cols: []string{"set_config"},
			rows: [][]string{{m[2]}},
			tag:  "SELECT 1",
		}

	case setRegex.MatchString(trimmed):
		// Settings are accepted and remembered but nothing is pushed to
		// IRIS; clients mostly set search_path and application_name.
		m := setRegex.FindStringSubmatch(trimmed)
		h.rememberSetting(m[1], strings.Trim(m[2], `'"`))
		return &shimResult{tag: "SET"}

	case typeLookupRe.MatchString(trimmed):
		rows := make([][]string, 0, len(catalog.Types()))
		for _, t := range catalog.Types() {
			rows = append(rows, []string{strconv.FormatUint(uint64(t.OID), 10), t.Name})
		}
		return &shimResult{
			cols: []string{"oid", "typname"},
			oids: []uint32{pgtype.OIDOID, pgtype.NameOID},
			rows: rows,
			tag:  "SELECT " + strconv.Itoa(len(rows)),
		}

	case strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") && pgTypeRe.MatchString(trimmed):
		// An unrecognized pg_type shape: answer with the full static table
		// in the two-column form rather than erroring out of the handshake.
		rows := make([][]string, 0, len(catalog.Types()))
		for _, t := range catalog.Types() {
			rows = append(rows, []string{strconv.FormatUint(uint64(t.OID), 10), t.Name})
		}
		return &shimResult{
			cols: []string{"oid", "typname"},
			oids: []uint32{pgtype.OIDOID, pgtype.NameOID},
			rows: rows,
			tag:  "SELECT " + strconv.Itoa(len(rows)),
		}
	}
	return nil
}

// rememberSetting tracks session settings and reflects the ones clients
// observe through ParameterStatus.
func (h *ConnectionHandler) rememberSetting(name, value string) {
	lower := strings.ToLower(name)
	h.settings[lower] = value
	if lower == "application_name" || lower == "client_encoding" {
		h.send(&pgproto3.ParameterStatus{Name: lower, Value: value})
	}
}
