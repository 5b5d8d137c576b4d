// Package store provides the namespaced key-value persistence layer used by
// the connection and queue registries.
//
// A Store holds JSON-serialized configuration records addressed by generated
// identifiers, grouped under flat namespaces ("redis-configs", "queues").
// The control plane only requires get-all, get-one, set, conditional-set and
// delete semantics with read-your-writes consistency on a single node.
//
// Two backends are provided: Redis (one hash per namespace, the default) and
// etcd (one key prefix per namespace).
package store

import "context"

// Default namespaces used by the control plane.
const (
	// NamespaceConnections holds connection configs, keyed by connection id.
	NamespaceConnections = "redis-configs"

	// NamespaceQueues holds queue configs, keyed by queue id.
	NamespaceQueues = "queues"

	// NamespaceQueueNames is the uniqueness index for queue friendly names,
	// mapping friendly name to queue id. Writes to it go through SetNX so
	// concurrent creations with the same name cannot both win.
	NamespaceQueueNames = "queues:names"
)

// Store is the persistence contract consumed by the registries.
// Implementations must be safe for concurrent use.
type Store interface {
	// All returns every record in the namespace, keyed by id.
	// A missing namespace yields an empty map, not an error.
	All(ctx context.Context, namespace string) (map[string]string, error)

	// Get returns the record for id, or an error satisfying regerr.IsNotFound.
	Get(ctx context.Context, namespace, id string) (string, error)

	// Set writes the record for id, replacing any previous value.
	Set(ctx context.Context, namespace, id, value string) error

	// SetNX writes the record only if id is absent. It reports whether the
	// write happened. This is the atomic compare-and-insert the registries
	// use for uniqueness checks.
	SetNX(ctx context.Context, namespace, id, value string) (bool, error)

	// Delete removes the record for id. Deleting an absent id is not an error.
	Delete(ctx context.Context, namespace, id string) error

	// Close releases the backing client.
	Close() error
}

var (
	_ Store = (*Redis)(nil)
	_ Store = (*Etcd)(nil)
)
