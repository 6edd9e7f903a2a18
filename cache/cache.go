package cache

import (
	"context"
	"errors"
	"strings"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for store operations.
var (
	ErrNilStore   = errors.New("cache: store is nil")
	ErrNilEntry   = errors.New("cache: entry is nil")
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
)

// Usage reports a store's current footprint.
type Usage struct {
	Entries int
	Bytes   int64
}

// Store is the persistence contract the engine writes through. The physical
// backend lives outside the engine; MemoryStore is the reference
// implementation.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: methods should honor cancellation/deadlines where applicable.
// - Errors: Get returns (nil, nil) on miss, never an error for absence.
type Store interface {
	// Get retrieves an entry. Returns (nil, nil) on miss or TTL expiry.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores an entry under entry.Key, replacing any existing one.
	Set(ctx context.Context, entry *Entry) error

	// Invalidate removes entries matching the key or pattern.
	// Returns the number removed. Idempotent.
	Invalidate(ctx context.Context, keyOrPattern string) (int, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Size reports current entry count and byte footprint.
	Size(ctx context.Context) (Usage, error)

	// Cleanup purges only TTL-expired entries and returns the count removed.
	Cleanup(ctx context.Context) (int, error)

	// Keys lists keys matching the pattern; empty pattern matches all.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	// Reject keys with newlines or carriage returns
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

// MatchPattern reports whether key matches pattern. A pattern is either a
// literal key, a trailing-asterisk prefix match ("receipt:*"), or empty/"*"
// which matches everything.
func MatchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
