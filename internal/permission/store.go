package permission

import (
	"context"

	"github.com/pitabwire/ledgerly/model"
)

// Store persists permissions keyed by (userID, module, entity).
type Store interface {
	// Get returns the stored permission. Returns NOT_FOUND if none is stored.
	Get(ctx context.Context, userID, module, entity string) (*model.Permission, error)

	// Put replaces the permission for (p.UserID, p.Module, p.Entity) wholesale.
	Put(ctx context.Context, p *model.Permission) error

	// ListForUser returns every stored permission of a user.
	ListForUser(ctx context.Context, userID string) ([]*model.Permission, error)
}
