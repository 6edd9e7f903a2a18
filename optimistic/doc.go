// Package optimistic gives callers immediate cache feedback for mutations:
// speculative data lands in the cache and the durable write queue at the
// same time, then is confirmed or rolled back when the server outcome
// arrives — or when the rollback timer fires first.
package optimistic
