// Package kv models the cluster filesystem (§6) as a linearisable
// key/value store: atomic per-key reads and writes, prefix listing for
// the lock directory and per-node LRM status documents, and a delete for
// expiring entries. Two backends implement Store: BoltStore for a real
// single-process deployment and MemStore for the deterministic simulated
// environment used by the property tests (§8).
package kv

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is the cluster filesystem contract every document (manager
// status, lrm status, command queue, config, lock entries) is read
// from and written to.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put writes value at key, replacing any existing value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// List returns every key/value pair whose key has the given
	// prefix, e.g. "lrm_status/" or "priv/lock/".
	List(prefix string) (map[string][]byte, error)

	// CompareAndSwap atomically replaces key's value with next, but
	// only if its current value equals want (nil want means "key must
	// be absent"). It reports whether the swap happened. This is the
	// linearisable primitive the lock manager (C2) builds acquire and
	// refresh on top of.
	CompareAndSwap(key string, want, next []byte) (bool, error)

	// Close releases backend resources.
	Close() error
}
