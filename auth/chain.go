package auth

import (
	"context"

	"github.com/cockroachdb/errors"
)

// SourceChain consults verifier sources in order. A source that does not
// know the user defers to the next one; any other failure stops the chain,
// so an unreachable Vault does not silently fall through to stale static
// entries.
type SourceChain []VerifierSource

func (c SourceChain) Name() string { return "chain" }

func (c SourceChain) Lookup(ctx context.Context, user string) (*Verifier, error) {
	if len(c) == 0 {
		return nil, ErrUnknownUser
	}
	for _, source := range c {
		v, err := source.Lookup(ctx, user)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrUnknownUser) {
			continue
		}
		return nil, err
	}
	return nil, ErrUnknownUser
}
