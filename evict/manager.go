package evict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
	"github.com/a-cube-io/ereceipts-go-sdk/clock"
	"github.com/a-cube-io/ereceipts-go-sdk/events"
	"github.com/a-cube-io/ereceipts-go-sdk/observe"
)

// Strategy selects how eviction candidates are ranked.
type Strategy string

const (
	// StrategyLRU evicts the least recently accessed entries first.
	StrategyLRU Strategy = "lru"
	// StrategyAge evicts the entries with the oldest write timestamps first.
	StrategyAge Strategy = "age_based"
)

// Cleanup reasons reported in results and events.
const (
	ReasonScheduled      = "scheduled"
	ReasonPreventive     = "preventive"
	ReasonMemoryPressure = "memory_pressure"
	ReasonManual         = "manual"
	ReasonQuotaExceeded  = "quota_exceeded"
)

// preventiveThreshold is the share of either ceiling at which the timer
// loop runs a preventive LRU pass.
const preventiveThreshold = 0.7

// Config configures the eviction manager.
type Config struct {
	// MaxBytes is the storage byte ceiling.
	// Default: 100 MiB
	MaxBytes int64

	// MaxEntries is the storage entry ceiling.
	// Default: 10000
	MaxEntries int

	// CleanupInterval is the period of the background cleanup loop.
	// Default: 5 minutes
	CleanupInterval time.Duration

	// PressureThreshold is the byte usage fraction that counts as
	// memory pressure.
	// Default: 0.8
	PressureThreshold float64

	// CleanupPercentage is the share of entries a cleanup pass evicts.
	// Default: 30
	CleanupPercentage int

	// MinAgeForRemoval exempts recently written entries from age-based
	// eviction.
	// Default: 60 seconds
	MinAgeForRemoval time.Duration

	// Clock overrides the time source. Default: system clock.
	Clock clock.Clock

	// Logger receives cleanup activity. Default: discard.
	Logger observe.Logger

	// Metrics records eviction counters. Optional.
	Metrics *observe.Metrics

	// Bus receives eviction events. Optional.
	Bus *events.Bus
}

// MemoryStats describes current storage usage and what to do about it.
type MemoryStats struct {
	Current             cache.Usage
	UsagePercent        float64
	Pressure            bool
	RecommendedStrategy Strategy
}

// CleanupResult summarizes one cleanup pass.
type CleanupResult struct {
	EntriesRemoved int
	BytesFreed     int64
	Duration       time.Duration
	Strategy       Strategy
	Reason         string
}

// Manager is the eviction manager. It owns the last-access map used for
// LRU ranking; readers call TrackAccess so their reads count.
type Manager struct {
	store  cache.Store
	config Config

	mu     sync.Mutex
	access map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates an eviction manager over the store.
func NewManager(store cache.Store, config Config) *Manager {
	// Apply defaults
	if config.MaxBytes <= 0 {
		config.MaxBytes = 100 * 1024 * 1024
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.PressureThreshold <= 0 || config.PressureThreshold > 1 {
		config.PressureThreshold = 0.8
	}
	if config.CleanupPercentage <= 0 || config.CleanupPercentage > 100 {
		config.CleanupPercentage = 30
	}
	if config.MinAgeForRemoval <= 0 {
		config.MinAgeForRemoval = 60 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.System()
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	config.Logger = config.Logger.WithComponent("evict")

	return &Manager{
		store:  store,
		config: config,
		access: make(map[string]time.Time),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// TrackAccess records an access to key for LRU ranking.
func (m *Manager) TrackAccess(key string) {
	now := m.config.Clock.Now()
	m.mu.Lock()
	m.access[key] = now
	m.mu.Unlock()
}

// MemoryStats reports current usage, whether the store is under memory
// pressure, and the strategy a cleanup pass should use.
func (m *Manager) MemoryStats(ctx context.Context) (MemoryStats, error) {
	usage, err := m.store.Size(ctx)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("evict: size: %w", err)
	}

	pct := float64(usage.Bytes) / float64(m.config.MaxBytes)
	pressure := pct >= m.config.PressureThreshold

	strategy := StrategyLRU
	if pressure || usage.Entries >= m.config.MaxEntries*9/10 {
		strategy = StrategyAge
	}

	return MemoryStats{
		Current:             usage,
		UsagePercent:        pct,
		Pressure:            pressure,
		RecommendedStrategy: strategy,
	}, nil
}

// PerformCleanup runs one cleanup pass with the given strategy. Expired
// entries are always purged in addition to the strategy's selection.
// Storage errors propagate to the caller; wrapping the call in error
// recovery is the caller's choice.
func (m *Manager) PerformCleanup(ctx context.Context, strategy Strategy, reason string) (CleanupResult, error) {
	start := m.config.Clock.Now()

	before, err := m.store.Size(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("evict: size before cleanup: %w", err)
	}

	expired, err := m.store.Cleanup(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("evict: purge expired: %w", err)
	}

	victims, err := m.selectVictims(ctx, strategy)
	if err != nil {
		return CleanupResult{}, err
	}

	for _, key := range victims {
		if _, err := m.store.Invalidate(ctx, key); err != nil {
			return CleanupResult{}, fmt.Errorf("evict: invalidate %q: %w", key, err)
		}
		m.config.Bus.Publish(events.Event{
			Kind: events.KindEntryEvicted,
			Key:  key,
			Time: m.config.Clock.Now(),
		})
	}

	after, err := m.store.Size(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("evict: size after cleanup: %w", err)
	}

	m.pruneAccess(ctx)

	result := CleanupResult{
		EntriesRemoved: expired + len(victims),
		BytesFreed:     before.Bytes - after.Bytes,
		Duration:       m.config.Clock.Now().Sub(start),
		Strategy:       strategy,
		Reason:         reason,
	}

	m.config.Logger.Info(ctx, "cleanup completed",
		observe.F("strategy", string(strategy)),
		observe.F("reason", reason),
		observe.F("removed", result.EntriesRemoved),
		observe.F("bytes_freed", result.BytesFreed),
	)
	m.config.Metrics.RecordCleanup(ctx, string(strategy), reason, result.EntriesRemoved, result.BytesFreed)
	m.config.Bus.Publish(events.Event{
		Kind:    events.KindCleanupCompleted,
		Time:    m.config.Clock.Now(),
		Payload: result,
	})

	return result, nil
}

// HandleMemoryPressure runs a cleanup with the recommended strategy, or
// does nothing if the store is not under pressure.
func (m *Manager) HandleMemoryPressure(ctx context.Context) (CleanupResult, error) {
	stats, err := m.MemoryStats(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	if !stats.Pressure {
		return CleanupResult{Reason: ReasonMemoryPressure}, nil
	}
	return m.PerformCleanup(ctx, stats.RecommendedStrategy, ReasonMemoryPressure)
}

// Run executes the periodic cleanup loop until Stop is called or ctx ends.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	ticker := m.config.Clock.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if err := m.tick(ctx); err != nil {
				m.config.Logger.Warn(ctx, "scheduled cleanup failed", observe.F("error", err.Error()))
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the cleanup loop started by Run. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager) tick(ctx context.Context) error {
	stats, err := m.MemoryStats(ctx)
	if err != nil {
		return err
	}

	switch {
	case stats.Pressure:
		_, err = m.PerformCleanup(ctx, stats.RecommendedStrategy, ReasonMemoryPressure)
	case m.approachingCeiling(stats.Current):
		_, err = m.PerformCleanup(ctx, StrategyLRU, ReasonPreventive)
	default:
		_, err = m.store.Cleanup(ctx)
	}
	return err
}

func (m *Manager) approachingCeiling(usage cache.Usage) bool {
	return float64(usage.Bytes) >= preventiveThreshold*float64(m.config.MaxBytes) ||
		float64(usage.Entries) >= preventiveThreshold*float64(m.config.MaxEntries)
}

// candidate is one entry's ranking input, derived per pass and not stored.
type candidate struct {
	key      string
	size     int64
	rank     time.Time // smaller means evicted sooner
	tooYoung bool
}

func (m *Manager) selectVictims(ctx context.Context, strategy Strategy) ([]string, error) {
	keys, err := m.store.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("evict: list keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	now := m.config.Clock.Now()

	m.mu.Lock()
	accessed := make(map[string]time.Time, len(m.access))
	for k, v := range m.access {
		accessed[k] = v
	}
	m.mu.Unlock()

	candidates := make([]candidate, 0, len(keys))
	var totalBytes int64
	for _, key := range keys {
		entry, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("evict: get %q: %w", key, err)
		}
		if entry == nil {
			continue
		}

		c := candidate{key: key, size: int64(entry.SizeBytes())}
		switch strategy {
		case StrategyAge:
			c.rank = entry.Timestamp
			c.tooYoung = entry.Age(now) < m.config.MinAgeForRemoval
		default:
			// LRU: entries never accessed rank by their write time.
			if at, ok := accessed[key]; ok {
				c.rank = at
			} else {
				c.rank = entry.Timestamp
			}
		}
		candidates = append(candidates, c)
		totalBytes += c.size
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].rank.Before(candidates[j].rank)
	})

	if strategy == StrategyAge {
		eligible := candidates[:0:len(candidates)]
		for _, c := range candidates {
			if !c.tooYoung {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			// Nothing old enough; evict the single oldest entry so the
			// pass still makes progress.
			eligible = candidates[:1]
		}
		candidates = eligible
	}

	count := len(candidates) * m.config.CleanupPercentage / 100
	if count < 1 {
		count = 1
	}

	// Under pressure, evict further until the projected footprint drops
	// below the pressure threshold.
	target := int64(m.config.PressureThreshold * float64(m.config.MaxBytes))
	remaining := totalBytes
	victims := make([]string, 0, count)
	for i, c := range candidates {
		if i >= count && remaining < target {
			break
		}
		victims = append(victims, c.key)
		remaining -= c.size
	}

	return victims, nil
}

// pruneAccess drops access records for keys no longer in the store.
func (m *Manager) pruneAccess(ctx context.Context) {
	keys, err := m.store.Keys(ctx, "")
	if err != nil {
		return
	}
	live := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		live[k] = struct{}{}
	}

	m.mu.Lock()
	for k := range m.access {
		if _, ok := live[k]; !ok {
			delete(m.access, k)
		}
	}
	m.mu.Unlock()
}
