package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
	"github.com/a-cube-io/ereceipts-go-sdk/clock"
	"github.com/a-cube-io/ereceipts-go-sdk/events"
	"github.com/a-cube-io/ereceipts-go-sdk/evict"
	"github.com/a-cube-io/ereceipts-go-sdk/observe"
	"github.com/a-cube-io/ereceipts-go-sdk/resilience"
)

// ErrCircuitOpen is re-exported so callers can branch on rejections
// without importing resilience.
var ErrCircuitOpen = resilience.ErrCircuitOpen

// ErrNoOptimisticManager is returned when optimistic recovery is requested
// but no rollbacker is wired.
var ErrNoOptimisticManager = errors.New("recovery: no optimistic manager wired")

// ErrStillOffline is returned when network recovery exhausts its probes.
var ErrStillOffline = errors.New("recovery: network still unreachable")

// staleHorizon is the age past which entries are deleted when cleanup
// frees nothing during quota recovery.
const staleHorizon = time.Hour

// Operation is a unit of risky work run under recovery.
type Operation func(ctx context.Context) error

// Rollbacker is the slice of the optimistic manager recovery needs.
type Rollbacker interface {
	Rollback(ctx context.Context, id, reason string) error
}

// Cleaner is the slice of the eviction manager recovery needs for quota
// handling.
type Cleaner interface {
	PerformCleanup(ctx context.Context, strategy evict.Strategy, reason string) (evict.CleanupResult, error)
}

// Prober checks reachability on demand.
type Prober interface {
	CheckNow(ctx context.Context) bool
}

// Config configures the recovery manager.
type Config struct {
	// MaxRetries bounds retry attempts per failure.
	// Default: 3
	MaxRetries int

	// BaseRetryDelay seeds the exponential backoff.
	// Default: 1 second
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the backoff.
	// Default: 30 seconds
	MaxRetryDelay time.Duration

	// CircuitBreakerThreshold is consecutive failures before a context's
	// circuit opens.
	// Default: 5
	CircuitBreakerThreshold int

	// CircuitBreakerResetTimeout is the open-state cooldown.
	// Default: 60 seconds
	CircuitBreakerResetTimeout time.Duration

	// Store is used for quota recovery (horizon deletes, full clear).
	// Optional.
	Store cache.Store

	// Cleaner triggers storage cleanup for quota recovery. Optional.
	Cleaner Cleaner

	// Rollbacker rolls back optimistic operations. Optional.
	Rollbacker Rollbacker

	// Prober checks reachability for network recovery. Optional.
	Prober Prober

	// Clock overrides the time source. Default: system clock.
	Clock clock.Clock

	// Logger receives recovery activity. Default: discard.
	Logger observe.Logger

	// Metrics records retry and circuit counters. Optional.
	Metrics *observe.Metrics

	// Bus receives circuit transition events. Optional.
	Bus *events.Bus
}

// ContextStats is per-context recovery bookkeeping for observability.
type ContextStats struct {
	Attempts      int
	Failures      int
	Retries       int
	LastError     string
	LastErrorType ErrorType
	CircuitState  string
}

// Manager is the error recovery manager. Circuit breakers and counters
// are owned by the instance and keyed by context string; separate
// contexts are fully independent.
type Manager struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	stats    map[string]*ContextStats
}

// NewManager creates a recovery manager.
func NewManager(config Config) *Manager {
	// Apply defaults
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BaseRetryDelay <= 0 {
		config.BaseRetryDelay = time.Second
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = 30 * time.Second
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerResetTimeout <= 0 {
		config.CircuitBreakerResetTimeout = 60 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	config.Logger = config.Logger.WithComponent("recovery")

	return &Manager{
		config:   config,
		breakers: make(map[string]*resilience.CircuitBreaker),
		stats:    make(map[string]*ContextStats),
	}
}

// ExecuteWithRecovery runs op through recoveryContext's circuit breaker.
// On failure the error is classified and the category's strategy applies:
// retry with exponential backoff, fallback invocation, quota degradation,
// or propagation for the non-recoverable categories. A rejection from an
// open circuit propagates immediately as ErrCircuitOpen.
func (m *Manager) ExecuteWithRecovery(ctx context.Context, op Operation, recoveryContext string, fallback Operation) error {
	cb := m.breaker(recoveryContext)

	m.bump(recoveryContext, func(s *ContextStats) { s.Attempts++ })

	err := cb.Execute(ctx, op)
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("recovery: context %q: %w", recoveryContext, err)
	}

	errType := Classify(err)
	failures := m.noteFailure(recoveryContext, errType, err)
	strategy := StrategyFor(errType, failures, m.config.MaxRetries)

	m.config.Logger.Debug(ctx, "recovering from failure",
		observe.F("context", recoveryContext),
		observe.F("type", string(errType)),
		observe.F("strategy", string(strategy)),
	)

	switch strategy {
	case StrategyRetry:
		attempts := m.config.MaxRetries
		if errType == ErrorServer {
			attempts = serverRetryLimit
		}
		retryErr := m.retry(ctx, cb, op, recoveryContext, errType, attempts)
		if retryErr == nil {
			return nil
		}
		// Retries exhausted; the accumulated failures open the breaker
		// so subsequent calls are rejected fast.
		return retryErr

	case StrategyGracefulDegrade:
		if errType == ErrorQuota {
			if qerr := m.RecoverFromQuotaExceeded(ctx); qerr != nil {
				m.config.Logger.Warn(ctx, "quota recovery failed", observe.F("error", qerr.Error()))
			}
		}
		if fallback != nil {
			return fallback(ctx)
		}
		return err

	case StrategyFallback:
		if fallback != nil {
			return fallback(ctx)
		}
		return err

	default:
		// ignore, manual, circuit_breaker: nothing recoverable here;
		// the original error propagates unchanged.
		return err
	}
}

// retry re-attempts op through the breaker with capped exponential backoff.
func (m *Manager) retry(ctx context.Context, cb *resilience.CircuitBreaker, op Operation, recoveryContext string, errType ErrorType, attempts int) error {
	r := resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   m.config.BaseRetryDelay,
		MaxDelay:    m.config.MaxRetryDelay,
		Sleep:       m.sleep,
		RetryIf: func(err error) bool {
			// A circuit that opened mid-retry means stop immediately.
			return err != nil && !errors.Is(err, resilience.ErrCircuitOpen)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			m.bump(recoveryContext, func(s *ContextStats) { s.Retries++ })
			m.config.Metrics.RecordRetry(ctx, recoveryContext)
			m.config.Logger.Debug(ctx, "retrying",
				observe.F("context", recoveryContext),
				observe.F("type", string(errType)),
				observe.F("attempt", attempt),
				observe.F("delay_ms", delay.Milliseconds()),
			)
		},
	})

	return r.Execute(ctx, func(ctx context.Context) error {
		err := cb.Execute(ctx, op)
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			m.noteFailure(recoveryContext, errType, err)
		}
		return err
	})
}

// RecoverCacheOperation runs a storage operation under recovery and, on
// exhaustion, resolves to the operation's safe default instead of
// propagating: reads act as a miss, writes succeed silently. Callers keep
// their liveness; the entry just isn't there.
func (m *Manager) RecoverCacheOperation(ctx context.Context, op Operation, opName, key string) error {
	err := m.ExecuteWithRecovery(ctx, op, "cache_"+opName, nil)
	if err == nil {
		return nil
	}

	switch opName {
	case "get", "set", "setItem":
		m.config.Logger.Warn(ctx, "cache operation degraded to default",
			observe.F("op", opName),
			observe.F("key", key),
			observe.F("error", err.Error()),
		)
		return nil
	default:
		return err
	}
}

// RecoverOptimisticOperation rolls back the optimistic operation that
// caused the error.
func (m *Manager) RecoverOptimisticOperation(ctx context.Context, id string, cause error) error {
	if m.config.Rollbacker == nil {
		return ErrNoOptimisticManager
	}
	if err := m.config.Rollbacker.Rollback(ctx, id, "error_recovery"); err != nil {
		return fmt.Errorf("recovery: rollback %q after %v: %w", id, cause, err)
	}
	return nil
}

// RecoverFromQuotaExceeded frees storage in escalating steps: a cleanup
// pass, then deleting entries older than one hour, and as a last resort
// clearing the entire cache.
func (m *Manager) RecoverFromQuotaExceeded(ctx context.Context) error {
	if m.config.Cleaner != nil {
		result, err := m.config.Cleaner.PerformCleanup(ctx, evict.StrategyAge, evict.ReasonQuotaExceeded)
		if err == nil && result.EntriesRemoved > 0 {
			return nil
		}
		if err != nil {
			m.config.Logger.Warn(ctx, "quota cleanup pass failed", observe.F("error", err.Error()))
		}
	}

	if m.config.Store == nil {
		return errors.New("recovery: no store wired for quota recovery")
	}

	removed, err := m.deleteOlderThan(ctx, staleHorizon)
	if err != nil {
		return err
	}
	if removed > 0 {
		return nil
	}

	m.config.Logger.Warn(ctx, "quota recovery clearing entire cache")
	return m.config.Store.Clear(ctx)
}

// RecoverFromNetworkError polls the reachability probe with exponential
// backoff until it reports online or the retry budget runs out.
func (m *Manager) RecoverFromNetworkError(ctx context.Context, recoveryContext string) error {
	if m.config.Prober == nil {
		return ErrStillOffline
	}

	delay := m.config.BaseRetryDelay
	for attempt := 1; attempt <= m.config.MaxRetries; attempt++ {
		if m.config.Prober.CheckNow(ctx) {
			m.config.Logger.Info(ctx, "network recovered",
				observe.F("context", recoveryContext),
				observe.F("attempt", attempt),
			)
			return nil
		}

		m.bump(recoveryContext, func(s *ContextStats) { s.Retries++ })
		m.config.Metrics.RecordRetry(ctx, recoveryContext)

		if attempt == m.config.MaxRetries {
			break
		}
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > m.config.MaxRetryDelay {
			delay = m.config.MaxRetryDelay
		}
	}

	return fmt.Errorf("recovery: context %q: %w", recoveryContext, ErrStillOffline)
}

// Stats returns a snapshot of per-context recovery bookkeeping.
func (m *Manager) Stats() map[string]ContextStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ContextStats, len(m.stats))
	for name, s := range m.stats {
		snapshot := *s
		if cb, ok := m.breakers[name]; ok {
			snapshot.CircuitState = cb.State().String()
		}
		out[name] = snapshot
	}
	return out
}

// Reset clears recovery state for one context, or for all contexts when
// the name is empty. Intended for observability tooling and test
// isolation.
func (m *Manager) Reset(recoveryContext string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if recoveryContext == "" {
		for _, cb := range m.breakers {
			cb.Reset()
		}
		m.stats = make(map[string]*ContextStats)
		return
	}

	if cb, ok := m.breakers[recoveryContext]; ok {
		cb.Reset()
	}
	delete(m.stats, recoveryContext)
}

// breaker returns the context's circuit breaker, creating it on first use.
func (m *Manager) breaker(recoveryContext string) *resilience.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[recoveryContext]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: m.config.CircuitBreakerThreshold,
			ResetTimeout:     m.config.CircuitBreakerResetTimeout,
			Now:              m.config.Clock.Now,
			OnStateChange: func(from, to resilience.State) {
				ctx := context.Background()
				m.config.Metrics.RecordCircuitTransition(ctx, recoveryContext, from.String(), to.String())
				m.config.Bus.Publish(events.Event{
					Kind:    events.KindCircuitStateChanged,
					Key:     recoveryContext,
					Time:    m.config.Clock.Now(),
					Payload: to.String(),
				})
				m.config.Logger.Info(ctx, "circuit state changed",
					observe.F("context", recoveryContext),
					observe.F("from", from.String()),
					observe.F("to", to.String()),
				)
			},
		})
		m.breakers[recoveryContext] = cb
	}
	return cb
}

func (m *Manager) bump(recoveryContext string, f func(*ContextStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(m.statsLocked(recoveryContext))
}

func (m *Manager) noteFailure(recoveryContext string, t ErrorType, err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.statsLocked(recoveryContext)
	s.Failures++
	s.LastError = err.Error()
	s.LastErrorType = t
	return s.Failures
}

func (m *Manager) statsLocked(recoveryContext string) *ContextStats {
	s, ok := m.stats[recoveryContext]
	if !ok {
		s = &ContextStats{}
		m.stats[recoveryContext] = s
	}
	return s
}

// deleteOlderThan removes entries written before now-horizon.
func (m *Manager) deleteOlderThan(ctx context.Context, horizon time.Duration) (int, error) {
	keys, err := m.config.Store.Keys(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("recovery: list keys: %w", err)
	}

	cutoff := m.config.Clock.Now().Add(-horizon)
	removed := 0
	for _, key := range keys {
		entry, err := m.config.Store.Get(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("recovery: get %q: %w", key, err)
		}
		if entry == nil || !entry.Timestamp.Before(cutoff) {
			continue
		}
		n, err := m.config.Store.Invalidate(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("recovery: invalidate %q: %w", key, err)
		}
		removed += n
	}
	return removed, nil
}

// sleep waits on the manager's clock so tests can drive it virtually.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	ch := make(chan struct{})
	timer := m.config.Clock.AfterFunc(d, func() { close(ch) })
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
