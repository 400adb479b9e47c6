package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("key not found")
	ErrExists      = errors.New("key already exists")
	ErrClosed      = errors.New("store closed")
	ErrLockHeld    = errors.New("lock already held")
	ErrLockNotHeld = errors.New("lock not held")
	ErrLockExpired = errors.New("lock expired")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidTTL  = errors.New("invalid TTL")
)

// Operation represents the type of change to a key.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted or expired.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyValue is a change notification delivered by Watch.
type KeyValue struct {
	Key       string
	Value     []byte
	Revision  uint64
	Operation Operation
	Modified  time.Time
}

// StateStore is a key-value store with per-entry TTL and advisory locks.
// All implementations are safe for concurrent use.
type StateStore interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value. If ttl is 0 the backend default applies
	// (no expiry for MemoryStore, the bucket TTL for NATSStore).
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Create stores a value only if the key is absent.
	// Returns ErrExists otherwise.
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Watch streams changes to keys matching pattern until ctx is done or the
	// store closes. Pattern supports a trailing * wildcard.
	Watch(ctx context.Context, pattern string) (<-chan *KeyValue, error)

	// Lock acquires an advisory lock that expires after ttl.
	// Returns ErrLockHeld if another holder has it.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// Lock is an advisory lock obtained from a StateStore.
type Lock interface {
	// Unlock releases the lock. Returns ErrLockNotHeld if already released.
	Unlock() error

	// Refresh extends the lock TTL. Returns ErrLockExpired if it lapsed.
	Refresh() error

	// Key returns the lock key.
	Key() string
}

// ValidateKey checks if a key is valid for every backend.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\n*>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "context.*" matches "context.abc").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

const lockPrefix = "_lock."
