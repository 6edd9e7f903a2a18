// Package syncer reconciles cache entries with the remote source of truth.
// It detects stale entries, fetches authoritative data in bounded
// concurrent batches, resolves client/server conflicts through a pluggable
// strategy, and reacts to connectivity transitions.
package syncer
