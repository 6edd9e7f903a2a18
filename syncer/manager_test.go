package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
	"github.com/a-cube-io/ereceipts-go-sdk/clock"
	"github.com/a-cube-io/ereceipts-go-sdk/events"
	"github.com/a-cube-io/ereceipts-go-sdk/netmon"
)

type transportFunc func(ctx context.Context, endpoint string) ([]byte, error)

func (f transportFunc) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return f(ctx, endpoint)
}

func staticBody(body string) transportFunc {
	return func(context.Context, string) ([]byte, error) { return []byte(body), nil }
}

func TestRefreshStale_OfflineFailsFast(t *testing.T) {
	store := cache.NewMemoryStore()
	m := NewManager(store, staticBody("{}"), netmon.NewStatic(false), Config{})

	result, err := m.RefreshStale(context.Background())
	if err != nil {
		t.Fatalf("RefreshStale() error = %v", err)
	}
	if result.Failed != 1 || result.Synced != 0 {
		t.Errorf("result = %+v, want one synthetic failure", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].Key != "network" {
		t.Fatalf("Errors = %v, want single error under key network", result.Errors)
	}
	if !errors.Is(result.Errors[0].Err, ErrOffline) {
		t.Errorf("error = %v, want ErrOffline", result.Errors[0].Err)
	}
}

func TestRefreshStale_SelectsStaleEntriesOnly(t *testing.T) {
	base := time.Unix(10000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	entries := []*cache.Entry{
		{Key: "receipt:fresh", Data: []byte("a"), Timestamp: base.Add(-time.Minute), Source: cache.SourceServer, SyncStatus: cache.StatusSynced},
		{Key: "receipt:old", Data: []byte("b"), Timestamp: base.Add(-10 * time.Minute), Source: cache.SourceServer, SyncStatus: cache.StatusSynced},
		{Key: "receipt:pending", Data: []byte("c"), Timestamp: base, Source: cache.SourceOptimistic, SyncStatus: cache.StatusPending},
		{Key: "receipt:failed", Data: []byte("d"), Timestamp: base, Source: cache.SourceServer, SyncStatus: cache.StatusFailed},
	}
	for _, e := range entries {
		if err := store.Set(ctx, e); err != nil {
			t.Fatalf("seed %s: %v", e.Key, err)
		}
	}

	m := NewManager(store, staticBody(`{"v":1}`), netmon.NewStatic(true), Config{Clock: fake, MaxStaleTime: 5 * time.Minute})

	result, err := m.RefreshStale(ctx)
	if err != nil {
		t.Fatalf("RefreshStale() error = %v", err)
	}
	if result.Synced != 3 || result.Failed != 0 {
		t.Errorf("result = %+v, want 3 synced", result)
	}

	fresh, _ := store.Get(ctx, "receipt:fresh")
	if string(fresh.Data) != "a" {
		t.Errorf("fresh entry data = %q, want untouched", fresh.Data)
	}
	old, _ := store.Get(ctx, "receipt:old")
	if string(old.Data) != `{"v":1}` {
		t.Errorf("stale entry data = %q, want server body", old.Data)
	}
}

func TestSyncKeys_RefreshesEntry(t *testing.T) {
	base := time.Unix(10000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	_ = store.Set(ctx, &cache.Entry{
		Key:        "receipt:123",
		Data:       []byte(`{"total":"10.00"}`),
		Timestamp:  base.Add(-10 * time.Minute),
		TTL:        time.Hour,
		Tags:       []string{"receipts"},
		Source:     cache.SourceServer,
		SyncStatus: cache.StatusSynced,
	})

	var gotEndpoint string
	tr := transportFunc(func(_ context.Context, endpoint string) ([]byte, error) {
		gotEndpoint = endpoint
		return []byte(`{"total":"15.00"}`), nil
	})

	m := NewManager(store, tr, netmon.NewStatic(true), Config{Clock: fake})

	result, err := m.SyncKeys(ctx, []string{"receipt:123"})
	if err != nil {
		t.Fatalf("SyncKeys() error = %v", err)
	}
	if result.Synced != 1 || result.Failed != 0 || result.ConflictsResolved != 0 {
		t.Errorf("result = %+v, want one clean sync", result)
	}
	if gotEndpoint != "/receipts/123" {
		t.Errorf("endpoint = %q, want /receipts/123", gotEndpoint)
	}

	entry, _ := store.Get(ctx, "receipt:123")
	if string(entry.Data) != `{"total":"15.00"}` {
		t.Errorf("Data = %s, want server body", entry.Data)
	}
	if entry.Source != cache.SourceServer || entry.SyncStatus != cache.StatusSynced {
		t.Errorf("provenance = %v/%v, want server/synced", entry.Source, entry.SyncStatus)
	}
	if !entry.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want refreshed to %v", entry.Timestamp, base)
	}
	if entry.TTL != time.Hour || len(entry.Tags) != 1 {
		t.Errorf("TTL/Tags not preserved: %v %v", entry.TTL, entry.Tags)
	}
}

func TestSyncKeys_ConflictServerWins(t *testing.T) {
	base := time.Unix(10000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	bus := events.NewBus()
	ctx := context.Background()

	_ = store.Set(ctx, &cache.Entry{
		Key:        "receipt:9",
		Data:       []byte(`{"total":"local"}`),
		Timestamp:  base,
		Source:     cache.SourceOptimistic,
		SyncStatus: cache.StatusPending,
	})

	var resolved []events.Event
	bus.Subscribe(events.KindConflictResolved, func(ev events.Event) { resolved = append(resolved, ev) })

	m := NewManager(store, staticBody(`{"total":"server"}`), netmon.NewStatic(true), Config{Clock: fake, Bus: bus})

	result, err := m.SyncKeys(ctx, []string{"receipt:9"})
	if err != nil {
		t.Fatalf("SyncKeys() error = %v", err)
	}
	if result.ConflictsResolved != 1 || result.Synced != 1 {
		t.Errorf("result = %+v, want one resolved conflict", result)
	}

	entry, _ := store.Get(ctx, "receipt:9")
	if string(entry.Data) != `{"total":"server"}` {
		t.Errorf("Data = %s, want server side", entry.Data)
	}
	if entry.SyncStatus != cache.StatusSynced {
		t.Errorf("SyncStatus = %v, want synced", entry.SyncStatus)
	}

	if len(resolved) != 1 || resolved[0].Key != "receipt:9" {
		t.Fatalf("conflict events = %v, want one for receipt:9", resolved)
	}
	res, ok := resolved[0].Payload.(Resolution)
	if !ok || res.Winner != "server" {
		t.Errorf("resolution payload = %+v, want server winner", resolved[0].Payload)
	}
}

func TestSyncKeys_ConflictLocalWins(t *testing.T) {
	base := time.Unix(10000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	_ = store.Set(ctx, &cache.Entry{
		Key:        "receipt:9",
		Data:       []byte(`{"total":"local"}`),
		Timestamp:  base,
		Source:     cache.SourceOptimistic,
		SyncStatus: cache.StatusPending,
	})

	m := NewManager(store, staticBody(`{"total":"server"}`), netmon.NewStatic(true), Config{Clock: fake, Resolver: LocalWins{}})

	result, err := m.SyncKeys(ctx, []string{"receipt:9"})
	if err != nil {
		t.Fatalf("SyncKeys() error = %v", err)
	}
	if result.ConflictsResolved != 1 {
		t.Errorf("ConflictsResolved = %d, want 1", result.ConflictsResolved)
	}

	entry, _ := store.Get(ctx, "receipt:9")
	if string(entry.Data) != `{"total":"local"}` {
		t.Errorf("Data = %s, want local side kept", entry.Data)
	}
	if entry.SyncStatus != cache.StatusSynced {
		t.Errorf("SyncStatus = %v, want synced after resolution", entry.SyncStatus)
	}
}

func TestSyncKeys_UnmappedKey(t *testing.T) {
	store := cache.NewMemoryStore()
	m := NewManager(store, staticBody("{}"), netmon.NewStatic(true), Config{})

	result, err := m.SyncKeys(context.Background(), []string{"bogus"})
	if err != nil {
		t.Fatalf("SyncKeys() error = %v", err)
	}
	if result.Failed != 1 || len(result.Errors) != 1 {
		t.Fatalf("result = %+v, want one per-key failure", result)
	}
	if !errors.Is(result.Errors[0].Err, ErrUnknownResource) {
		t.Errorf("error = %v, want ErrUnknownResource", result.Errors[0].Err)
	}
}

func TestSyncKeys_TransportErrorMarksFailed(t *testing.T) {
	base := time.Unix(10000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	_ = store.Set(ctx, &cache.Entry{
		Key:        "receipt:5",
		Data:       []byte("x"),
		Timestamp:  base.Add(-10 * time.Minute),
		Source:     cache.SourceServer,
		SyncStatus: cache.StatusSynced,
	})

	tr := transportFunc(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	m := NewManager(store, tr, netmon.NewStatic(true), Config{Clock: fake})

	result, err := m.SyncKeys(ctx, []string{"receipt:5"})
	if err != nil {
		t.Fatalf("SyncKeys() error = %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	entry, _ := store.Get(ctx, "receipt:5")
	if entry.SyncStatus != cache.StatusFailed {
		t.Errorf("SyncStatus = %v, want failed so the next pass retries it", entry.SyncStatus)
	}
	if string(entry.Data) != "x" {
		t.Errorf("Data = %q, want untouched on failure", entry.Data)
	}
}

func TestSyncKeys_TransportErrorLeavesOptimisticPending(t *testing.T) {
	base := time.Unix(10000, 0)
	fake := clock.NewFake(base)
	store := cache.NewMemoryStore(cache.WithNowFunc(fake.Now))
	ctx := context.Background()

	_ = store.Set(ctx, &cache.Entry{
		Key:        "receipt:7",
		Data:       []byte(`{"total":"15.00"}`),
		Timestamp:  base,
		Source:     cache.SourceOptimistic,
		SyncStatus: cache.StatusPending,
	})

	tr := transportFunc(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	m := NewManager(store, tr, netmon.NewStatic(true), Config{Clock: fake})

	result, err := m.SyncKeys(ctx, []string{"receipt:7"})
	if err != nil {
		t.Fatalf("SyncKeys() error = %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	// The optimistic manager owns this entry's lifecycle; it must stay
	// pending until confirmed or rolled back.
	entry, _ := store.Get(ctx, "receipt:7")
	if entry.Source != cache.SourceOptimistic || entry.SyncStatus != cache.StatusPending {
		t.Errorf("provenance = %v/%v, want optimistic/pending preserved", entry.Source, entry.SyncStatus)
	}
}

func TestSyncKeys_OverflowKeysStillSync(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()

	keys := []string{"receipt:1", "receipt:2", "receipt:3"}
	for _, key := range keys {
		_ = store.Set(ctx, &cache.Entry{Key: key, Data: []byte("x"), Timestamp: time.Now()})
	}

	var mu sync.Mutex
	fetched := make(map[string]int)
	tr := transportFunc(func(_ context.Context, endpoint string) ([]byte, error) {
		mu.Lock()
		fetched[endpoint]++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return []byte("{}"), nil
	})

	m := NewManager(store, tr, netmon.NewStatic(true), Config{MaxConcurrentSyncs: 1})

	result, err := m.SyncKeys(ctx, keys)
	if err != nil {
		t.Fatalf("SyncKeys() error = %v", err)
	}
	if result.Synced != 3 || result.Failed != 0 {
		t.Errorf("result = %+v, want all 3 synced through the overflow queue", result)
	}
	if len(fetched) != 3 {
		t.Errorf("fetched endpoints = %v, want 3 distinct", fetched)
	}
}

func TestStart_ReconnectTriggersRefresh(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()

	_ = store.Set(ctx, &cache.Entry{
		Key:        "receipt:1",
		Data:       []byte("x"),
		Timestamp:  time.Now().Add(-time.Hour),
		Source:     cache.SourceServer,
		SyncStatus: cache.StatusSynced,
	})

	fetched := make(chan string, 1)
	tr := transportFunc(func(_ context.Context, endpoint string) ([]byte, error) {
		select {
		case fetched <- endpoint:
		default:
		}
		return []byte("{}"), nil
	})

	monitor := netmon.NewStatic(false)
	m := NewManager(store, tr, monitor, Config{AutoSyncOnReconnect: true})
	m.Start(ctx)
	defer m.Stop()

	monitor.SetOnline(true)

	select {
	case endpoint := <-fetched:
		if endpoint != "/receipts/1" {
			t.Errorf("endpoint = %q, want /receipts/1", endpoint)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sync triggered by reconnect")
	}
}
