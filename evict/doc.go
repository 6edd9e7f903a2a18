// Package evict keeps the storage backend within configured byte and entry
// ceilings. It ranks candidates per pass (LRU by last access, or age by
// entry timestamp), always purges TTL-expired entries, and reacts to
// memory pressure without discarding data more aggressively than necessary.
package evict
