package auth

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// TicketValidator checks a serialized Kerberos service ticket and returns
// the authenticated principal. Deployments plug in their GSSAPI binding of
// choice; the gateway only does principal-to-role mapping.
type TicketValidator func(ctx context.Context, ticket []byte) (principal string, err error)

// Kerberos accepts a base64 service ticket in the password message and maps
// the resulting principal onto the startup user. A SecretValidator for the
// same reason OAuth is: the ticket rides inside the TLS channel.
type Kerberos struct {
	validate TicketValidator
	// realm is stripped from principals before comparison when set, so
	// "ana@EXAMPLE.COM" logs in as role "ana".
	realm string
	// mapping overrides individual principals, full form, case-sensitive.
	mapping map[string]string
}

func NewKerberos(validate TicketValidator, realm string, mapping map[string]string) *Kerberos {
	if mapping == nil {
		mapping = map[string]string{}
	}
	return &Kerberos{validate: validate, realm: realm, mapping: mapping}
}

func (k *Kerberos) Name() string { return "kerberos" }

func (k *Kerberos) Validate(ctx context.Context, user, secret string) error {
	if k.validate == nil {
		return errors.New("no kerberos validator configured")
	}
	principal, err := k.validate(ctx, []byte(secret))
	if err != nil {
		return errors.CombineErrors(ErrDenied, err)
	}
	if mapped, ok := k.mapping[principal]; ok {
		principal = mapped
	} else if k.realm != "" {
		principal = strings.TrimSuffix(principal, "@"+k.realm)
	}
	if principal != user {
		return ErrDenied
	}
	return nil
}
