// Package resilience provides the failure-handling primitives the engine
// composes around storage and network calls.
//
// # Patterns
//
//   - Circuit Breaker: stops calling a failing dependency after a failure
//     threshold, probes it again after a cooldown, and requires several
//     consecutive successes before trusting it.
//
//   - Retry: re-attempts failed operations with capped exponential backoff.
//
//   - Bulkhead: bounds concurrent operations; excess work is queued by the
//     caller rather than dropped.
//
//   - Timeout: bounds the duration of a single operation.
//
// Each primitive is independent; the recovery package composes them
// per error category and per caller context.
package resilience
