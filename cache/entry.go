package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies where an entry's data came from.
type Source string

const (
	// SourceServer marks data confirmed by the remote service.
	SourceServer Source = "server"
	// SourceOptimistic marks a speculative write awaiting confirmation.
	SourceOptimistic Source = "optimistic"
	// SourceOffline marks data written while disconnected.
	SourceOffline Source = "offline"
)

// SyncStatus tracks an entry's reconciliation state.
type SyncStatus string

const (
	// StatusSynced means the entry reflects server truth.
	StatusSynced SyncStatus = "synced"
	// StatusPending means the entry awaits reconciliation.
	StatusPending SyncStatus = "pending"
	// StatusFailed means the last reconciliation attempt failed.
	StatusFailed SyncStatus = "failed"
)

// Entry is a single cached item. Data is the serialized value; use Encode
// and Decode to cross the typed boundary.
//
// Invariants:
// - Timestamp is refreshed on every write.
// - Source=optimistic implies SyncStatus=pending until confirmed or rolled back.
type Entry struct {
	Key        string        `json:"key"`
	Data       []byte        `json:"data"`
	Timestamp  time.Time     `json:"timestamp"`
	TTL        time.Duration `json:"ttl,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	ETag       string        `json:"etag,omitempty"`
	Source     Source        `json:"source"`
	SyncStatus SyncStatus    `json:"syncStatus"`
}

// Expired reports whether the entry's TTL has elapsed at now.
// Entries without a TTL never expire.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.TTL))
}

// Age returns how long ago the entry was last written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Stale reports whether the entry needs reconciliation: its age exceeds
// maxStale, or its sync status is not synced.
func (e *Entry) Stale(now time.Time, maxStale time.Duration) bool {
	if e.SyncStatus == StatusPending || e.SyncStatus == StatusFailed {
		return true
	}
	return e.Age(now) > maxStale
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SizeBytes approximates the entry's storage footprint for byte accounting.
func (e *Entry) SizeBytes() int {
	n := len(e.Key) + len(e.Data) + len(e.ETag)
	for _, t := range e.Tags {
		n += len(t)
	}
	// Fixed overhead for timestamps, status fields and map bookkeeping.
	return n + 64
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Data != nil {
		c.Data = make([]byte, len(e.Data))
		copy(c.Data, e.Data)
	}
	if e.Tags != nil {
		c.Tags = make([]string, len(e.Tags))
		copy(c.Tags, e.Tags)
	}
	return &c
}

// Encode serializes v into a new entry for key. The entry is stamped with
// the given time and carries the provided provenance.
func Encode[T any](key string, v T, now time.Time, source Source, status SyncStatus) (*Entry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode %q: %w", key, err)
	}
	return &Entry{
		Key:        key,
		Data:       data,
		Timestamp:  now,
		Source:     source,
		SyncStatus: status,
	}, nil
}

// Decode deserializes the entry's data into a value of type T.
func Decode[T any](e *Entry) (T, error) {
	var v T
	if e == nil {
		return v, ErrNilEntry
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("cache: decode %q: %w", e.Key, err)
	}
	return v, nil
}
