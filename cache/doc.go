// Package cache defines the entry model and storage contract shared by the
// offline engine: timestamped, optionally tagged entries addressed by string
// keys, with a JSON serialization contract between typed values and the
// bytes a Store persists.
package cache
