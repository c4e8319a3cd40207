// Package identity resolves a scout's owning user id to a notification
// email address. The identity/auth provider itself is an external
// collaborator that issues the stable user id in the first place; this
// package only answers the one question the agent loop needs of it once
// that id is in hand, backed by the same per-user row the credential
// resolver already reads.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/scoutforge/scoutd/internal/scout"
)

// Store is the subset of internal/store.Store this resolver needs.
type Store interface {
	GetUserEmail(ctx context.Context, userID string) (string, error)
}

// Resolver implements internal/executor.IdentityProvider against Store.
type Resolver struct {
	store Store
}

// New constructs a Resolver.
func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveEmail returns userID's notification address, or an empty string
// if none is on file. A missing row is not an error: the run should still
// complete, it simply has no one to notify.
func (r *Resolver) ResolveEmail(ctx context.Context, userID string) (string, error) {
	email, err := r.store.GetUserEmail(ctx, userID)
	if err != nil {
		if errors.Is(err, scout.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("identity: resolve email: %w", err)
	}
	return email, nil
}
