package pgserver

import (
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/apecloud/myirisserver/backend"
)

// toErrorResponse maps any error onto the wire ErrorResponse. Classified
// backend errors carry their own SQLSTATE; everything else reports as an
// internal error.
func toErrorResponse(err error) *pgproto3.ErrorResponse {
	resp := &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     pgerrcode.InternalError,
		Message:  err.Error(),
	}
	var be *backend.Error
	if errors.As(err, &be) {
		resp.Code = be.SQLState()
	}
	var we *wireError
	if errors.As(err, &we) {
		if we.code != "" {
			resp.Code = we.code
		}
		resp.Detail = we.detail
		resp.Hint = we.hint
		resp.Position = we.position
		resp.Line = we.line
	}
	return resp
}

// wireError is a protocol-level failure with a fixed SQLSTATE. An empty code
// defers to the classification of the wrapped backend error. line carries the
// 1-based input line for COPY failures; position the byte offset for syntax
// errors. Zero values stay off the wire.
type wireError struct {
	code     string
	detail   string
	hint     string
	position int32
	line     int32
	err      error
}

func (e *wireError) Error() string { return e.err.Error() }
func (e *wireError) Unwrap() error { return e.err }

func protocolError(err error) error {
	return &wireError{code: pgerrcode.ProtocolViolation, err: err}
}

func syntaxError(err error) error {
	return &wireError{code: pgerrcode.SyntaxError, err: err}
}

func authError(err error) error {
	return &wireError{code: pgerrcode.InvalidPassword, err: err}
}

func bindError(err error) error {
	return &wireError{code: pgerrcode.InvalidBinaryRepresentation, err: err}
}

func copyError(code string, err error) error {
	return &wireError{code: code, err: err}
}
