// Package blobstore defines the abstract contract the archival engine
// uses to persist compressed segments, independent of the concrete
// object-store backend.
package blobstore

// Store is opaque byte storage addressed by string key. Implementations
// must make Get distinguish "not found" from a transport error, and
// Delete must succeed whether or not the key existed.
type Store interface {
	// Put writes data under key, overwriting any existing value.
	Put(key string, data []byte) error

	// Get returns the bytes stored under key, or (nil, false, nil) if
	// the key does not exist. A non-nil error indicates a transport
	// failure, never absence.
	Get(key string) (data []byte, found bool, err error)

	// Delete removes key. It is idempotent: deleting an absent key is
	// not an error.
	Delete(key string) error

	// List returns every key with the given prefix.
	List(prefix string) ([]string, error)

	// Health reports whether the store is reachable.
	Health() error
}
