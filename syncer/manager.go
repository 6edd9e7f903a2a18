package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
	"github.com/a-cube-io/ereceipts-go-sdk/clock"
	"github.com/a-cube-io/ereceipts-go-sdk/events"
	"github.com/a-cube-io/ereceipts-go-sdk/netmon"
	"github.com/a-cube-io/ereceipts-go-sdk/observe"
	"github.com/a-cube-io/ereceipts-go-sdk/resilience"
	"github.com/a-cube-io/ereceipts-go-sdk/transport"
)

// ErrOffline is returned as the synthetic "network" error when a sync is
// requested while disconnected.
var ErrOffline = errors.New("syncer: network offline")

// overflowRetryDelay is how long a key parks in the overflow queue before
// retrying for a sync slot.
const overflowRetryDelay = 100 * time.Millisecond

// Config configures the sync manager.
type Config struct {
	// MaxStaleTime is the freshness window; older synced entries are stale.
	// Default: 5 minutes
	MaxStaleTime time.Duration

	// SyncInterval is the periodic sync period. Zero or negative disables
	// periodic sync.
	SyncInterval time.Duration

	// AutoSyncOnReconnect refreshes stale entries on an offline to online
	// transition. DefaultConfig enables it.
	AutoSyncOnReconnect bool

	// MaxConcurrentSyncs bounds in-flight key syncs.
	// Default: 3
	MaxConcurrentSyncs int

	// SyncBatchSize is the number of keys per batch.
	// Default: 10
	SyncBatchSize int

	// Resolver is the conflict resolution policy.
	// Default: ServerWins
	Resolver Resolver

	// Resources maps cache keys to endpoints.
	// Default: NewResourceMap()
	Resources *ResourceMap

	// Clock overrides the time source. Default: system clock.
	Clock clock.Clock

	// Logger receives sync activity. Default: discard.
	Logger observe.Logger

	// Metrics records sync counters. Optional.
	Metrics *observe.Metrics

	// Tracer traces sync passes. Default: noop.
	Tracer trace.Tracer

	// Bus receives sync events. Optional.
	Bus *events.Bus
}

// DefaultConfig returns the sync defaults: 5 minute staleness window,
// 30 second periodic sync, auto-sync on reconnect.
func DefaultConfig() Config {
	return Config{
		MaxStaleTime:        5 * time.Minute,
		SyncInterval:        30 * time.Second,
		AutoSyncOnReconnect: true,
		MaxConcurrentSyncs:  3,
		SyncBatchSize:       10,
	}
}

// KeyError records a per-key sync failure.
type KeyError struct {
	Key string
	Err error
}

// Result summarizes one sync pass. It is a return value only, never
// persisted; partial progress is always reported rather than hidden.
type Result struct {
	Synced            int
	Failed            int
	ConflictsResolved int
	Duration          time.Duration
	Errors            []KeyError
}

// Manager is the sync manager.
type Manager struct {
	store     cache.Store
	transport transport.Transport
	monitor   netmon.Monitor
	config    Config
	slots     *resilience.Bulkhead

	mu          sync.Mutex
	unsubscribe func()

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a sync manager.
func NewManager(store cache.Store, t transport.Transport, monitor netmon.Monitor, config Config) *Manager {
	// Apply defaults
	if config.MaxStaleTime <= 0 {
		config.MaxStaleTime = 5 * time.Minute
	}
	if config.MaxConcurrentSyncs <= 0 {
		config.MaxConcurrentSyncs = 3
	}
	if config.SyncBatchSize <= 0 {
		config.SyncBatchSize = 10
	}
	if config.Resolver == nil {
		config.Resolver = ServerWins{}
	}
	if config.Resources == nil {
		config.Resources = NewResourceMap()
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	config.Logger = config.Logger.WithComponent("syncer")
	if config.Tracer == nil {
		config.Tracer = tracenoop.NewTracerProvider().Tracer("noop")
	}

	return &Manager{
		store:     store,
		transport: t,
		monitor:   monitor,
		config:    config,
		slots:     resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: config.MaxConcurrentSyncs}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RefreshStale reconciles every stale entry: age beyond the freshness
// window, or sync status pending/failed. Offline, it fails fast with a
// single synthetic "network" error.
func (m *Manager) RefreshStale(ctx context.Context) (Result, error) {
	if !m.monitor.IsOnline() {
		return Result{
			Failed: 1,
			Errors: []KeyError{{Key: "network", Err: ErrOffline}},
		}, nil
	}

	keys, err := m.store.Keys(ctx, "")
	if err != nil {
		return Result{}, fmt.Errorf("syncer: list keys: %w", err)
	}

	now := m.config.Clock.Now()
	stale := make([]string, 0, len(keys))
	for _, key := range keys {
		entry, err := m.store.Get(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("syncer: get %q: %w", key, err)
		}
		if entry != nil && entry.Stale(now, m.config.MaxStaleTime) {
			stale = append(stale, key)
		}
	}

	return m.SyncKeys(ctx, stale)
}

// SyncKeys reconciles the given keys in batches. Within a batch keys sync
// concurrently; per-key failures are isolated and collected, never
// propagated. Keys that cannot take a slot immediately park in an
// overflow queue and retry once a slot frees.
func (m *Manager) SyncKeys(ctx context.Context, keys []string) (Result, error) {
	start := m.config.Clock.Now()

	ctx, span := m.config.Tracer.Start(ctx, "syncer.sync",
		trace.WithAttributes(attribute.Int("keys", len(keys))))
	defer span.End()

	var (
		resMu  sync.Mutex
		result Result
	)
	record := func(key string, conflict bool, err error) {
		resMu.Lock()
		defer resMu.Unlock()
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, KeyError{Key: key, Err: err})
			return
		}
		result.Synced++
		if conflict {
			result.ConflictsResolved++
		}
	}

	batches(keys, m.config.SyncBatchSize)(func(batch []string) bool {
		var overflow []string

		g := new(errgroup.Group)
		for _, key := range batch {
			key := key
			if err := m.slots.TryAcquire(); err != nil {
				overflow = append(overflow, key)
				continue
			}
			g.Go(func() error {
				defer m.slots.Release()
				conflict, err := m.syncKey(ctx, key)
				record(key, conflict, err)
				return nil
			})
		}
		_ = g.Wait()

		// Cooperative backpressure: parked keys retry after a short
		// delay, waiting for a freed slot rather than being rejected.
		for _, key := range overflow {
			if err := m.sleep(ctx, overflowRetryDelay); err != nil {
				record(key, false, err)
				continue
			}
			if err := m.slots.Acquire(ctx); err != nil {
				record(key, false, err)
				continue
			}
			conflict, err := m.syncKey(ctx, key)
			m.slots.Release()
			record(key, conflict, err)
		}
		return true
	})

	result.Duration = m.config.Clock.Now().Sub(start)

	m.config.Metrics.RecordSync(ctx, result.Synced, result.Failed, result.ConflictsResolved, result.Duration)
	m.config.Bus.Publish(events.Event{
		Kind:    events.KindSyncCompleted,
		Time:    m.config.Clock.Now(),
		Payload: result,
	})
	m.config.Logger.Debug(ctx, "sync pass completed",
		observe.F("synced", result.Synced),
		observe.F("failed", result.Failed),
		observe.F("conflicts", result.ConflictsResolved),
	)

	return result, nil
}

// syncKey reconciles a single key and reports whether it resolved a
// conflict.
func (m *Manager) syncKey(ctx context.Context, key string) (bool, error) {
	entry, err := m.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("syncer: get %q: %w", key, err)
	}

	endpoint, err := m.config.Resources.Endpoint(key)
	if err != nil {
		return false, err
	}

	body, err := m.transport.Get(ctx, endpoint)
	if err != nil {
		m.markFailed(ctx, entry)
		return false, err
	}

	etag := serverETag(body)
	conflict := detectConflict(entry, etag)

	data, newETag := body, etag
	if conflict {
		resolution, err := m.config.Resolver.Resolve(ctx, Conflict{
			Key:        key,
			Local:      entry,
			ServerData: body,
			ServerETag: etag,
		})
		if err != nil {
			return false, fmt.Errorf("syncer: resolve %q: %w", key, err)
		}
		data, newETag = resolution.Data, resolution.ETag

		m.config.Bus.Publish(events.Event{
			Kind:    events.KindConflictResolved,
			Key:     key,
			Time:    m.config.Clock.Now(),
			Payload: resolution,
		})
		m.config.Logger.Info(ctx, "conflict resolved",
			observe.F("key", key),
			observe.F("policy", m.config.Resolver.Name()),
		)
	}

	merged := &cache.Entry{
		Key:        key,
		Data:       data,
		Timestamp:  m.config.Clock.Now(),
		ETag:       newETag,
		Source:     cache.SourceServer,
		SyncStatus: cache.StatusSynced,
	}
	if entry != nil {
		merged.TTL = entry.TTL
		merged.Tags = entry.Tags
	}
	if err := m.store.Set(ctx, merged); err != nil {
		return false, fmt.Errorf("syncer: set %q: %w", key, err)
	}

	return conflict, nil
}

// detectConflict reports whether cached and server state diverge. The
// rules are fixed; swapping the Resolver does not change them.
func detectConflict(entry *cache.Entry, serverETag string) bool {
	if entry == nil {
		return false
	}
	if entry.Source == cache.SourceOptimistic || entry.SyncStatus == cache.StatusPending {
		return true
	}
	return entry.ETag != "" && serverETag != "" && entry.ETag != serverETag
}

// markFailed records a failed reconciliation on the entry so the next
// pass selects it again. Optimistic entries are left alone: they stay
// pending until the optimistic manager confirms or rolls them back, and
// pending already selects them on the next pass.
func (m *Manager) markFailed(ctx context.Context, entry *cache.Entry) {
	if entry == nil || entry.Source == cache.SourceOptimistic {
		return
	}
	failed := entry.Clone()
	failed.SyncStatus = cache.StatusFailed
	if err := m.store.Set(ctx, failed); err != nil {
		m.config.Logger.Warn(ctx, "mark failed entry", observe.F("key", entry.Key), observe.F("error", err.Error()))
	}
}

// Start subscribes to connectivity transitions and, when a sync interval
// is configured, launches the periodic loop. Stop undoes both.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.unsubscribe == nil {
		m.unsubscribe = m.monitor.OnStatusChange(func(online bool) {
			if online && m.config.AutoSyncOnReconnect {
				go m.refreshQuietly(ctx, "reconnect")
			}
		})
	}
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the periodic loop and drops the reconnect subscription.
// Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	if m.config.SyncInterval <= 0 {
		<-m.stop
		return
	}

	ticker := m.config.Clock.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if m.monitor.IsOnline() {
				m.refreshQuietly(ctx, "periodic")
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refreshQuietly runs RefreshStale and reports errors instead of
// propagating them; reconnect and timer syncs have no caller to throw to.
func (m *Manager) refreshQuietly(ctx context.Context, trigger string) {
	result, err := m.RefreshStale(ctx)
	if err != nil {
		m.config.Logger.Error(ctx, "auto sync failed",
			observe.F("trigger", trigger),
			observe.F("error", err.Error()),
		)
		return
	}
	if result.Failed > 0 {
		m.config.Logger.Warn(ctx, "auto sync completed with failures",
			observe.F("trigger", trigger),
			observe.F("synced", result.Synced),
			observe.F("failed", result.Failed),
		)
	}
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

// batches yields keys in chunks of size.
func batches(keys []string, size int) func(yield func([]string) bool) {
	return func(yield func([]string) bool) {
		for start := 0; start < len(keys); start += size {
			end := start + size
			if end > len(keys) {
				end = len(keys)
			}
			if !yield(keys[start:end]) {
				return
			}
		}
	}
}
