package recovery

import (
	"context"
	"errors"
	"strings"
)

// ErrorType is the recovery taxonomy. Classification is pattern-based on
// the error text, not type identity: errors cross the storage and network
// boundaries as opaque values.
type ErrorType string

const (
	ErrorNetwork    ErrorType = "network_error"
	ErrorTimeout    ErrorType = "timeout_error"
	ErrorStorage    ErrorType = "storage_error"
	ErrorValidation ErrorType = "validation_error"
	ErrorQuota      ErrorType = "quota_exceeded"
	ErrorPermission ErrorType = "permission_error"
	ErrorServer     ErrorType = "server_error"
	ErrorUnknown    ErrorType = "unknown_error"
)

// Strategy is what the manager does about a classified failure.
type Strategy string

const (
	StrategyRetry           Strategy = "retry"
	StrategyCircuitBreaker  Strategy = "circuit_breaker"
	StrategyFallback        Strategy = "fallback"
	StrategyGracefulDegrade Strategy = "graceful_degrade"
	StrategyIgnore          Strategy = "ignore"
	StrategyManual          Strategy = "manual"
)

// serverRetryLimit caps retries for server errors before escalating to
// the circuit breaker.
const serverRetryLimit = 2

// Classify maps an error to its recovery category.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrorTimeout
	case containsAny(msg, "network", "offline", "connection", "unreachable", "dns", "no such host"):
		return ErrorNetwork
	case containsAny(msg, "quota", "no space", "storage full"):
		return ErrorQuota
	// Validation before storage: the cache's own sentinels share the
	// "cache:" prefix with its storage failures.
	case containsAny(msg, "validation", "invalid", "malformed", "unable to parse"):
		return ErrorValidation
	case containsAny(msg, "storage", "cache:", "database", "disk", "persist"):
		return ErrorStorage
	case containsAny(msg, "permission", "forbidden", "unauthorized", "status 401", "status 403"):
		return ErrorPermission
	case containsAny(msg, "server error", "internal server", "status 500", "status 502", "status 503", "status 504", "bad gateway"):
		return ErrorServer
	default:
		return ErrorUnknown
	}
}

// StrategyFor maps an error type to its recovery strategy. The context's
// prior failure count breaks ties for network and server errors: past
// the retry budget they escalate to the circuit breaker.
func StrategyFor(t ErrorType, failures, maxRetries int) Strategy {
	switch t {
	case ErrorNetwork, ErrorTimeout:
		if failures > maxRetries {
			return StrategyCircuitBreaker
		}
		return StrategyRetry
	case ErrorQuota:
		return StrategyGracefulDegrade
	case ErrorStorage:
		return StrategyFallback
	case ErrorValidation:
		return StrategyIgnore
	case ErrorPermission:
		return StrategyManual
	case ErrorServer:
		if failures > serverRetryLimit {
			return StrategyCircuitBreaker
		}
		return StrategyRetry
	default:
		return StrategyManual
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
