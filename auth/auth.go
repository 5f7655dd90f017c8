// Package auth bridges PostgreSQL client authentication onto credential
// stores IRIS deployments already run. SCRAM-SHA-256 is the primary
// mechanism; methods that can only validate an opaque secret (OAuth tokens,
// Kerberos service tickets) fall back to the cleartext-password message,
// which the server only offers on TLS-protected connections.
package auth

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnknownUser means the store has no credentials for the role.
	ErrUnknownUser = errors.New("unknown user")
	// ErrDenied means credentials were present but did not verify.
	ErrDenied = errors.New("authentication failed")
)

// Method is a configured authentication backend.
type Method interface {
	Name() string
}

// VerifierSource is a Method that can produce a stored SCRAM verifier for a
// user; the server then runs the SCRAM exchange itself.
type VerifierSource interface {
	Method
	Lookup(ctx context.Context, user string) (*Verifier, error)
}

// SecretValidator is a Method that checks an opaque secret the client sends
// in a cleartext password message.
type SecretValidator interface {
	Method
	Validate(ctx context.Context, user, secret string) error
}
