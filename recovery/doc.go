// Package recovery wraps risky operations in a uniform retry, fallback and
// circuit-breaking envelope keyed by a caller-supplied context string.
// Errors are classified by message pattern into a small taxonomy; each
// category maps to a fixed recovery strategy.
package recovery
