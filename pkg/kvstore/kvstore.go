// Package kvstore provides the opaque persistent key-value container that
// backs every durable build storage.
//
// A container holds any number of independent named maps. Values are opaque
// byte slices; encoding is the caller's concern. Two implementations exist:
// a SQLite file (the default for build workers) and an in-memory container
// used by tests and dry runs.
package kvstore

import "errors"

// Sentinel errors.
var (
	// ErrClosed is returned by any operation on a closed container.
	ErrClosed = errors.New("container closed")

	// ErrCorrupted marks an inconsistent read from the container. Callers
	// must not retry; the data it guards has to be rebuilt.
	ErrCorrupted = errors.New("container corrupted")
)

// Container is a persistent key-value container with named maps.
type Container interface {
	// Map returns the named map, creating it on first use.
	Map(name string) (Map, error)

	// Flush makes every applied write durable.
	Flush() error

	// Close releases the container. Further calls return ErrClosed.
	Close() error
}

// Map is one independent key space inside a container.
type Map interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)
	Clear() error

	// Apply writes a batch atomically.
	Apply(batch Batch) error
}

// Batch is a set of writes applied as one unit. Deletes run after puts.
type Batch struct {
	Puts    map[string][]byte
	Deletes []string
}

// Len returns the number of operations in the batch.
func (b Batch) Len() int {
	return len(b.Puts) + len(b.Deletes)
}
