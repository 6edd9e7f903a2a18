package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
	"github.com/a-cube-io/ereceipts-go-sdk/clock"
	"github.com/a-cube-io/ereceipts-go-sdk/events"
	"github.com/a-cube-io/ereceipts-go-sdk/evict"
	"github.com/a-cube-io/ereceipts-go-sdk/netmon"
	"github.com/a-cube-io/ereceipts-go-sdk/observe"
	"github.com/a-cube-io/ereceipts-go-sdk/optimistic"
	"github.com/a-cube-io/ereceipts-go-sdk/queue"
	"github.com/a-cube-io/ereceipts-go-sdk/recovery"
	"github.com/a-cube-io/ereceipts-go-sdk/syncer"
	"github.com/a-cube-io/ereceipts-go-sdk/transport"
)

// Engine owns the four consistency managers and their collaborators.
type Engine struct {
	config   Config
	store    cache.Store
	monitor  netmon.Monitor
	trans    transport.Transport
	enqueuer queue.Enqueuer
	observer observe.Observer
	clk      clock.Clock
	bus      *events.Bus
	resolver syncer.Resolver

	Eviction   *evict.Manager
	Sync       *syncer.Manager
	Optimistic *optimistic.Manager
	Recovery   *recovery.Manager

	probe *netmon.Probe

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Option customizes engine construction.
type Option func(*Engine)

// WithStore replaces the default in-memory store.
func WithStore(s cache.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithMonitor replaces the default probe monitor.
func WithMonitor(m netmon.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// WithTransport replaces the default HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(e *Engine) { e.trans = t }
}

// WithQueue replaces the default in-memory write queue. Callers providing
// their own queue must bridge its completions to HandleSyncCompletion.
func WithQueue(q queue.Enqueuer) Option {
	return func(e *Engine) { e.enqueuer = q }
}

// WithObserver installs telemetry.
func WithObserver(o observe.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the time source for all managers.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clk = c }
}

// WithResolver overrides the conflict resolution policy.
func WithResolver(r syncer.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// New constructs an engine. Managers exist after New; timers and probes
// only run once Start is called.
func New(config Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		config: config,
		bus:    events.NewBus(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.clk == nil {
		e.clk = clock.System()
	}
	if e.observer == nil {
		e.observer = observe.Nop()
	}
	if e.store == nil {
		e.store = cache.NewMemoryStore()
	}
	if e.resolver == nil {
		e.resolver = syncer.ServerWins{}
	}

	if e.trans == nil {
		if config.BaseURL == "" {
			return nil, errors.New("engine: base URL or transport is required")
		}
		t, err := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: config.BaseURL})
		if err != nil {
			return nil, err
		}
		e.trans = t
	}

	if e.monitor == nil {
		e.probe = netmon.NewProbe(e.trans, netmon.ProbeConfig{
			Endpoint: config.HealthEndpoint,
			Clock:    e.clk,
		})
		e.monitor = e.probe
	}

	logger := e.observer.Logger()
	metrics, err := observe.NewMetrics(e.observer.Meter())
	if err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}

	if e.enqueuer == nil {
		e.enqueuer = queue.NewMemory(nil)
	}

	e.Eviction = evict.NewManager(e.store, evict.Config{
		MaxBytes:          config.Eviction.MaxCacheSize,
		MaxEntries:        config.Eviction.MaxEntries,
		CleanupInterval:   config.Eviction.CleanupInterval.Std(),
		PressureThreshold: config.Eviction.PressureThreshold,
		CleanupPercentage: config.Eviction.CleanupPercentage,
		MinAgeForRemoval:  config.Eviction.MinAgeForRemoval.Std(),
		Clock:             e.clk,
		Logger:            logger,
		Metrics:           metrics,
		Bus:               e.bus,
	})

	e.Sync = syncer.NewManager(e.store, e.trans, e.monitor, syncer.Config{
		MaxStaleTime:        config.Sync.MaxStaleTime.Std(),
		SyncInterval:        config.Sync.SyncInterval.Std(),
		AutoSyncOnReconnect: config.Sync.AutoSyncOnReconnect,
		MaxConcurrentSyncs:  config.Sync.MaxConcurrentSyncs,
		SyncBatchSize:       config.Sync.SyncBatchSize,
		Resolver:            e.resolver,
		Clock:               e.clk,
		Logger:              logger,
		Metrics:             metrics,
		Tracer:              e.observer.Tracer(),
		Bus:                 e.bus,
	})

	e.Optimistic = optimistic.NewManager(e.store, e.enqueuer, optimistic.Config{
		RollbackTimeout: config.Optimistic.RollbackTimeout.Std(),
		MaxOperations:   config.Optimistic.MaxOperations,
		Clock:           e.clk,
		Logger:          logger,
		Metrics:         metrics,
		Bus:             e.bus,
	})

	recoveryCfg := recovery.Config{
		MaxRetries:                 config.Recovery.MaxRetries,
		BaseRetryDelay:             config.Recovery.BaseRetryDelay.Std(),
		MaxRetryDelay:              config.Recovery.MaxRetryDelay.Std(),
		CircuitBreakerThreshold:    config.Recovery.CircuitBreakerThreshold,
		CircuitBreakerResetTimeout: config.Recovery.CircuitBreakerResetTimeout.Std(),
		Store:                      e.store,
		Cleaner:                    e.Eviction,
		Rollbacker:                 e.Optimistic,
		Clock:                      e.clk,
		Logger:                     logger,
		Metrics:                    metrics,
		Bus:                        e.bus,
	}
	if e.probe != nil {
		recoveryCfg.Prober = e.probe
	}
	e.Recovery = recovery.NewManager(recoveryCfg)

	// Bridge the in-process queue's outcomes back to the optimistic
	// manager. External queues do this wiring themselves.
	if mq, ok := e.enqueuer.(*queue.Memory); ok {
		mq.OnComplete(func(queueOpID string, success bool, result []byte, err error) {
			_ = e.Optimistic.HandleSyncCompletion(context.Background(), queueOpID, success, result, err)
		})
	}

	return e, nil
}

// Start launches the timer loops and the reachability probe.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		if e.probe != nil {
			e.probe.Start(ctx)
		}
		go e.Eviction.Run(ctx)
		e.Sync.Start(ctx)
	})
}

// Close stops timers, probes and tracked operations. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.Sync.Stop()
		e.Eviction.Stop()
		if e.probe != nil {
			e.probe.Stop()
		}
		e.Optimistic.Destroy()
	})
}

// Events exposes the engine's event bus for subscriptions.
func (e *Engine) Events() *events.Bus { return e.bus }

// Store exposes the underlying store.
func (e *Engine) Store() cache.Store { return e.store }

// Get reads an entry under error recovery, tracking the access for LRU.
// Exhausted storage failures degrade to a miss rather than an error.
func (e *Engine) Get(ctx context.Context, key string) (*cache.Entry, error) {
	var entry *cache.Entry
	err := e.Recovery.RecoverCacheOperation(ctx, func(ctx context.Context) error {
		var opErr error
		entry, opErr = e.store.Get(ctx, key)
		return opErr
	}, "get", key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		e.Eviction.TrackAccess(key)
	}
	return entry, nil
}

// Set writes an entry under error recovery. Exhausted storage failures
// degrade to silent success.
func (e *Engine) Set(ctx context.Context, entry *cache.Entry) error {
	return e.Recovery.RecoverCacheOperation(ctx, func(ctx context.Context) error {
		return e.store.Set(ctx, entry)
	}, "set", entry.Key)
}

// Mutate performs an optimistic mutation: speculative data is visible in
// the cache immediately while the durable mutation travels the queue.
func (e *Engine) Mutate(ctx context.Context, req optimistic.Request) (string, error) {
	return e.Optimistic.Create(ctx, req)
}
