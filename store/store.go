// Package store provides the durable named key-value stores backing the
// offline proxy. One store holds serialized static-asset responses, another
// the offline write queue. The worker process may be recycled between
// events, so nothing outside these stores may be relied upon to survive.
package store

// Storage is a collection of named stores.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(name string) (Store, error)
	// Names returns the identifiers of all stores ever opened.
	Names() ([]string, error)
	// Delete drops the named store and all of its entries.
	// It reports whether the store existed.
	Delete(name string) (bool, error)
}

// Store is a single named key-value store.
//
// Writes to the same key are last-write-wins; atomicity is per key only.
type Store interface {
	// Get returns the value for the given key, if it exists.
	Get(key string) ([]byte, bool, error)
	// Put stores the value under the given key, overwriting any
	// previous value.
	Put(key string, value []byte) error
	// Delete removes the entry for the given key.
	// Deleting a missing key is not an error.
	Delete(key string) error
	// Keys returns all keys with the given prefix.
	Keys(prefix string) ([]string, error)
}
