package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/tasksync/project/internal/platform/auth"
)

var ErrUserNotFound = errors.New("user not found")

// Resolver authenticates callers against the local replica, so a token for
// a user this service has never heard of is refused.
type Resolver struct {
	Store Store
}

func (r Resolver) ResolvePrincipal(ctx context.Context, publicID string) (auth.Principal, error) {
	u, err := r.Store.FindByStableID(ctx, publicID)
	if errors.Is(err, ErrNotFound) || (err == nil && u.Stub) {
		return auth.Principal{}, fmt.Errorf("%w: %w", auth.ErrForbidden, ErrUserNotFound)
	}
	if err != nil {
		return auth.Principal{}, err
	}
	if !u.Active {
		return auth.Principal{}, fmt.Errorf("%w: user inactive", auth.ErrForbidden)
	}
	return auth.Principal{PublicID: u.PublicID, Role: u.Role}, nil
}
