// Package engine wires the cache consistency components into one
// lifecycle: storage, eviction, synchronization, optimistic updates and
// error recovery, each constructed from a single typed configuration and
// torn down together.
package engine
