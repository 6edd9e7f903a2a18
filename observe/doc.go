// Package observe provides the engine's telemetry surface: a minimal
// structured logging interface with a JSON implementation, OpenTelemetry
// metrics for cache/sync/recovery activity, and tracing for sync passes.
//
// All engine components accept these primitives by injection; a nil or
// noop instance disables the concern without branching at call sites.
package observe
