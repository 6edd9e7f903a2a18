package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation with byte accounting.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	bytes   int64

	// now is swappable for tests.
	now func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithNowFunc overrides the store's time source.
func WithNowFunc(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves an entry. Returns (nil, nil) on miss or TTL expiry;
// expired entries are removed lazily.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	if entry.Expired(s.now()) {
		// Expired - clean up lazily
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur == entry {
			s.removeLocked(key)
		}
		s.mu.Unlock()
		return nil, nil
	}

	return entry.Clone(), nil
}

// Set stores an entry under entry.Key, replacing any existing one.
func (s *MemoryStore) Set(_ context.Context, entry *Entry) error {
	if entry == nil {
		return ErrNilEntry
	}
	if err := ValidateKey(entry.Key); err != nil {
		return err
	}

	stored := entry.Clone()

	s.mu.Lock()
	if old, ok := s.entries[stored.Key]; ok {
		s.bytes -= int64(old.SizeBytes())
	}
	s.entries[stored.Key] = stored
	s.bytes += int64(stored.SizeBytes())
	s.mu.Unlock()

	return nil
}

// Invalidate removes entries matching the key or pattern. Idempotent.
func (s *MemoryStore) Invalidate(_ context.Context, keyOrPattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if MatchPattern(keyOrPattern, key) {
			s.removeLocked(key)
			removed++
		}
	}
	return removed, nil
}

// Clear removes all entries.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.bytes = 0
	s.mu.Unlock()
	return nil
}

// Size reports current entry count and byte footprint.
func (s *MemoryStore) Size(_ context.Context) (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Usage{Entries: len(s.entries), Bytes: s.bytes}, nil
}

// Cleanup purges only TTL-expired entries and returns the count removed.
func (s *MemoryStore) Cleanup(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			s.removeLocked(key)
			removed++
		}
	}
	return removed, nil
}

// Keys lists keys matching the pattern; empty pattern matches all.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryStore) removeLocked(key string) {
	if entry, ok := s.entries[key]; ok {
		s.bytes -= int64(entry.SizeBytes())
		delete(s.entries, key)
	}
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
