// Package kangaroo implements a flash-based small-object cache engine. The
// device is divided into fixed-size buckets forming an on-device hash
// table: every item hashes to one bucket and lookups read the full bucket,
// so there is no in-memory key index. A front-of-house log absorbs inserts
// and a background cleaner consolidates them into hot and cold set regions
// managed by zone writers.
package kangaroo

import (
	"github.com/cespare/xxhash/v2"

	"github.com/kangaroocache/kangaroo/pkg/bucket"
)

// HashedKey is a key plus its caller-computed 64-bit digest.
type HashedKey = bucket.HashedKey

// MakeHashedKey hashes key with xxhash, the engine's default digest.
// Callers with their own uniformly distributed 64-bit hash can build a
// HashedKey directly.
func MakeHashedKey(key []byte) HashedKey {
	return HashedKey{Key: key, Hash: xxhash.Sum64(key)}
}

// Status is the outcome of an engine operation.
type Status int

const (
	// Ok means the operation succeeded.
	Ok Status = iota
	// NotFound means the key is not in the cache.
	NotFound
	// Rejected means admission was declined.
	Rejected
	// DeviceError means an IO failure reached the caller.
	DeviceError
	// BadState means an engine invariant was violated; the engine is no
	// longer usable.
	BadState
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case NotFound:
		return "NotFound"
	case Rejected:
		return "Rejected"
	case DeviceError:
		return "DeviceError"
	case BadState:
		return "BadState"
	default:
		return "Unknown"
	}
}

// Reason says why an entry left the cache.
type Reason int

const (
	// Evicted means the entry lost an eviction decision.
	Evicted Reason = iota
	// Removed means the caller removed the entry.
	Removed
	// Replaced means a newer value for the same key displaced it.
	Replaced
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case Evicted:
		return "Evicted"
	case Removed:
		return "Removed"
	case Replaced:
		return "Replaced"
	default:
		return "Unknown"
	}
}

// DestructorCallback is invoked exactly once per entry that leaves the
// cache for any reason other than orderly shutdown. It runs with no engine
// lock held and must not re-enter the engine.
type DestructorCallback func(hk HashedKey, value []byte, reason Reason)

// CounterVisitor receives one engine counter per call from GetCounters.
type CounterVisitor func(name string, value uint64)

// departure is a pending destructor invocation, buffered until the bucket
// lock is released.
type departure struct {
	hk     HashedKey
	value  []byte
	reason Reason
}
