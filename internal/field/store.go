package field

import (
	"context"

	"github.com/pitabwire/ledgerly/model"
)

// Store persists field definitions per (module, entity).
type Store interface {
	// List returns every field of the entity, enabled or not, sorted by Order.
	List(ctx context.Context, module, entity string) ([]model.FieldDefinition, error)

	// Get returns one field by key. Returns NOT_FOUND if it does not exist.
	Get(ctx context.Context, module, entity, key string) (model.FieldDefinition, error)

	// Put inserts or replaces a field definition keyed by (module, entity, key).
	Put(ctx context.Context, def model.FieldDefinition) error

	// SetOrder assigns the given order values in one atomic step. Keys not in
	// order keep their current value.
	SetOrder(ctx context.Context, module, entity string, order map[string]int) error
}
