package backend

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
)

// Kind buckets backend failures into the categories the protocol layer
// reports differently.
type Kind int

const (
	KindInternal Kind = iota
	KindSyntax
	KindConstraint
	KindConnection
	KindCanceled
	KindUnsupported
	KindData
)

// Error carries a classified backend failure with the SQLSTATE the client
// sees.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.cause }

// SQLState returns the five-byte code for the error class.
func (e *Error) SQLState() string { return e.Code }

func newError(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: cause.Error(), cause: cause}
}

// Classify wraps a raw driver error with the SQLSTATE the protocol layer
// reports. IRIS drivers surface errors as text with a leading [SQLCODE],
// so classification goes by SQLCODE where present and message content
// otherwise.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindCanceled, pgerrcode.QueryCanceled, err)
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		return newError(KindConnection, pgerrcode.ConnectionFailure, err)
	}

	msg := err.Error()
	switch {
	case hasSQLCode(msg, "-1") || hasSQLCode(msg, "-25") || hasSQLCode(msg, "-37"):
		// -1 parse error, -25 input past end, -37 invalid SQL.
		return newError(KindSyntax, pgerrcode.SyntaxError, err)
	case hasSQLCode(msg, "-119") || hasSQLCode(msg, "-120") || hasSQLCode(msg, "-121") || hasSQLCode(msg, "-122"):
		// Uniqueness and referential constraint failures.
		return newError(KindConstraint, pgerrcode.UniqueViolation, err)
	case hasSQLCode(msg, "-104"):
		return newError(KindData, pgerrcode.InvalidTextRepresentation, err)
	case containsAny(msg, "connection refused", "connection reset", "broken pipe", "i/o timeout", "driver: bad connection"):
		return newError(KindConnection, pgerrcode.ConnectionFailure, err)
	case containsAny(msg, "not supported", "unsupported"):
		return newError(KindUnsupported, pgerrcode.FeatureNotSupported, err)
	}
	return newError(KindInternal, pgerrcode.InternalError, err)
}

// hasSQLCode reports whether msg carries the given IRIS SQLCODE in the
// conventional [SQLCODE: <n>...] prefix.
func hasSQLCode(msg, code string) bool {
	i := strings.Index(msg, "[SQLCODE: <")
	if i < 0 {
		return false
	}
	rest := msg[i+len("[SQLCODE: <"):]
	j := strings.IndexByte(rest, '>')
	if j < 0 {
		return false
	}
	return rest[:j] == code
}

func containsAny(msg string, subs ...string) bool {
	lower := strings.ToLower(msg)
	for _, s := range subs {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
