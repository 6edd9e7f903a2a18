package evict

import (
	"context"
	"testing"
	"time"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
	"github.com/a-cube-io/ereceipts-go-sdk/clock"
	"github.com/a-cube-io/ereceipts-go-sdk/events"
)

func seedEntry(t *testing.T, store cache.Store, key string, ts time.Time, ttl time.Duration) {
	t.Helper()
	err := store.Set(context.Background(), &cache.Entry{
		Key:        key,
		Data:       []byte("0123456789"),
		Timestamp:  ts,
		TTL:        ttl,
		Source:     cache.SourceServer,
		SyncStatus: cache.StatusSynced,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func remainingKeys(t *testing.T, store cache.Store) map[string]bool {
	t.Helper()
	keys, err := store.Keys(context.Background(), "")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	got := make(map[string]bool, len(keys))
	for _, k := range keys {
		got[k] = true
	}
	return got
}

func TestPerformCleanup_LRUEvictsLeastRecentlyAccessed(t *testing.T) {
	base := time.Unix(1000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	seedEntry(t, store, "a", base.Add(-40*time.Second), 0)
	seedEntry(t, store, "b", base.Add(-30*time.Second), 0)
	seedEntry(t, store, "c", base.Add(-20*time.Second), 0)
	seedEntry(t, store, "d", base.Add(-10*time.Second), 0)

	m := NewManager(store, Config{Clock: fake, CleanupPercentage: 50})
	m.TrackAccess("a") // a becomes the most recently used

	result, err := m.PerformCleanup(ctx, StrategyLRU, ReasonManual)
	if err != nil {
		t.Fatalf("PerformCleanup() error = %v", err)
	}
	if result.EntriesRemoved != 2 {
		t.Errorf("EntriesRemoved = %d, want 2", result.EntriesRemoved)
	}
	if result.BytesFreed <= 0 {
		t.Errorf("BytesFreed = %d, want > 0", result.BytesFreed)
	}

	left := remainingKeys(t, store)
	if !left["a"] || !left["d"] {
		t.Errorf("remaining = %v, want a and d to survive", left)
	}
	if left["b"] || left["c"] {
		t.Errorf("remaining = %v, want b and c evicted", left)
	}
}

func TestPerformCleanup_AgeExemptsRecentWrites(t *testing.T) {
	base := time.Unix(1000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	seedEntry(t, store, "old1", base.Add(-10*time.Minute), 0)
	seedEntry(t, store, "old2", base.Add(-5*time.Minute), 0)
	seedEntry(t, store, "young", base.Add(-10*time.Second), 0)

	m := NewManager(store, Config{Clock: fake, CleanupPercentage: 100, MinAgeForRemoval: time.Minute})

	result, err := m.PerformCleanup(ctx, StrategyAge, ReasonManual)
	if err != nil {
		t.Fatalf("PerformCleanup() error = %v", err)
	}
	if result.EntriesRemoved != 2 {
		t.Errorf("EntriesRemoved = %d, want 2", result.EntriesRemoved)
	}

	left := remainingKeys(t, store)
	if !left["young"] || len(left) != 1 {
		t.Errorf("remaining = %v, want only young", left)
	}
}

func TestPerformCleanup_AgeFallsBackToOldestWhenAllYoung(t *testing.T) {
	base := time.Unix(1000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	seedEntry(t, store, "y1", base.Add(-30*time.Second), 0)
	seedEntry(t, store, "y2", base.Add(-10*time.Second), 0)

	m := NewManager(store, Config{Clock: fake, CleanupPercentage: 100, MinAgeForRemoval: time.Minute})

	result, err := m.PerformCleanup(ctx, StrategyAge, ReasonManual)
	if err != nil {
		t.Fatalf("PerformCleanup() error = %v", err)
	}
	if result.EntriesRemoved != 1 {
		t.Errorf("EntriesRemoved = %d, want 1", result.EntriesRemoved)
	}

	left := remainingKeys(t, store)
	if left["y1"] || !left["y2"] {
		t.Errorf("remaining = %v, want oldest (y1) evicted", left)
	}
}

func TestPerformCleanup_PurgesExpired(t *testing.T) {
	base := time.Unix(1000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	seedEntry(t, store, "dead", base.Add(-time.Minute), time.Second)

	m := NewManager(store, Config{Clock: fake})

	result, err := m.PerformCleanup(ctx, StrategyLRU, ReasonScheduled)
	if err != nil {
		t.Fatalf("PerformCleanup() error = %v", err)
	}
	if result.EntriesRemoved != 1 {
		t.Errorf("EntriesRemoved = %d, want 1 expired entry", result.EntriesRemoved)
	}
}

func TestHandleMemoryPressure_NoOpBelowThreshold(t *testing.T) {
	base := time.Unix(1000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	seedEntry(t, store, "a", base.Add(-time.Hour), 0)

	m := NewManager(store, Config{Clock: fake}) // 100 MiB ceiling, far from pressure

	result, err := m.HandleMemoryPressure(ctx)
	if err != nil {
		t.Fatalf("HandleMemoryPressure() error = %v", err)
	}
	if result.EntriesRemoved != 0 {
		t.Errorf("EntriesRemoved = %d, want 0 without pressure", result.EntriesRemoved)
	}
	if len(remainingKeys(t, store)) != 1 {
		t.Error("entry evicted without memory pressure")
	}
}

func TestHandleMemoryPressure_EvictsBelowThreshold(t *testing.T) {
	base := time.Unix(1000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		seedEntry(t, store, key, base.Add(-time.Hour), 0)
	}

	usage, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}

	m := NewManager(store, Config{Clock: fake, MaxBytes: usage.Bytes, MinAgeForRemoval: time.Minute})

	result, err := m.HandleMemoryPressure(ctx)
	if err != nil {
		t.Fatalf("HandleMemoryPressure() error = %v", err)
	}
	if result.EntriesRemoved == 0 {
		t.Fatal("EntriesRemoved = 0, want evictions under pressure")
	}
	if result.Strategy != StrategyAge {
		t.Errorf("Strategy = %v, want age_based under pressure", result.Strategy)
	}

	stats, err := m.MemoryStats(ctx)
	if err != nil {
		t.Fatalf("MemoryStats() error = %v", err)
	}
	if stats.Pressure {
		t.Errorf("Pressure still true after cleanup, usage = %+v", stats.Current)
	}
}

func TestMemoryStats_RecommendedStrategy(t *testing.T) {
	base := time.Unix(1000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	seedEntry(t, store, "a", base, 0)

	low := NewManager(store, Config{Clock: fake})
	stats, err := low.MemoryStats(ctx)
	if err != nil {
		t.Fatalf("MemoryStats() error = %v", err)
	}
	if stats.Pressure || stats.RecommendedStrategy != StrategyLRU {
		t.Errorf("low usage stats = %+v, want lru without pressure", stats)
	}

	usage, _ := store.Size(ctx)
	high := NewManager(store, Config{Clock: fake, MaxBytes: usage.Bytes})
	stats, err = high.MemoryStats(ctx)
	if err != nil {
		t.Fatalf("MemoryStats() error = %v", err)
	}
	if !stats.Pressure || stats.RecommendedStrategy != StrategyAge {
		t.Errorf("full usage stats = %+v, want age_based under pressure", stats)
	}
}

func TestPerformCleanup_PublishesEvents(t *testing.T) {
	base := time.Unix(1000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	bus := events.NewBus()
	ctx := context.Background()

	seedEntry(t, store, "victim", base.Add(-time.Hour), 0)

	var evicted []string
	completed := 0
	bus.Subscribe(events.KindEntryEvicted, func(ev events.Event) { evicted = append(evicted, ev.Key) })
	bus.Subscribe(events.KindCleanupCompleted, func(events.Event) { completed++ })

	m := NewManager(store, Config{Clock: fake, Bus: bus, CleanupPercentage: 100})

	if _, err := m.PerformCleanup(ctx, StrategyLRU, ReasonManual); err != nil {
		t.Fatalf("PerformCleanup() error = %v", err)
	}

	if len(evicted) != 1 || evicted[0] != "victim" {
		t.Errorf("evicted events = %v, want [victim]", evicted)
	}
	if completed != 1 {
		t.Errorf("cleanup events = %d, want 1", completed)
	}
}

func TestRunStop(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))

	m := NewManager(store, Config{Clock: fake})

	go m.Run(context.Background())
	m.Stop()
	m.Stop() // idempotent
}
