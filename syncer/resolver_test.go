package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
)

func TestServerWins(t *testing.T) {
	local := &cache.Entry{Key: "k", Data: []byte("local"), ETag: "l1"}

	res, err := ServerWins{}.Resolve(context.Background(), Conflict{
		Key: "k", Local: local, ServerData: []byte("server"), ServerETag: "s1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(res.Data) != "server" || res.ETag != "s1" || res.Winner != "server" {
		t.Errorf("resolution = %+v, want server side", res)
	}
	if string(res.LocalData) != "local" || string(res.ServerData) != "server" {
		t.Errorf("audit fields = %q/%q, want both sides recorded", res.LocalData, res.ServerData)
	}
}

func TestLocalWins(t *testing.T) {
	local := &cache.Entry{Key: "k", Data: []byte("local"), ETag: "l1"}

	res, err := LocalWins{}.Resolve(context.Background(), Conflict{
		Key: "k", Local: local, ServerData: []byte("server"), ServerETag: "s1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(res.Data) != "local" || res.ETag != "l1" || res.Winner != "local" {
		t.Errorf("resolution = %+v, want local side", res)
	}
}

func TestLocalWins_NoLocalFallsBackToServer(t *testing.T) {
	res, err := LocalWins{}.Resolve(context.Background(), Conflict{
		Key: "k", ServerData: []byte("server"), ServerETag: "s1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(res.Data) != "server" || res.Winner != "server" {
		t.Errorf("resolution = %+v, want server fallback without local entry", res)
	}
}

func TestMergeFunc(t *testing.T) {
	merge := MergeFunc(func(_ context.Context, c Conflict) ([]byte, error) {
		return append(append([]byte{}, c.Local.Data...), c.ServerData...), nil
	})

	res, err := merge.Resolve(context.Background(), Conflict{
		Key:        "k",
		Local:      &cache.Entry{Key: "k", Data: []byte("a")},
		ServerData: []byte("b"),
		ServerETag: "s1",
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(res.Data) != "ab" || res.Winner != "merged" {
		t.Errorf("resolution = %+v, want merged data", res)
	}
}

func TestMergeFunc_Error(t *testing.T) {
	wantErr := errors.New("merge broke")
	merge := MergeFunc(func(context.Context, Conflict) ([]byte, error) { return nil, wantErr })

	if _, err := merge.Resolve(context.Background(), Conflict{}); !errors.Is(err, wantErr) {
		t.Errorf("Resolve() error = %v, want merge error", err)
	}
}

func TestDetectConflict(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		entry      *cache.Entry
		serverETag string
		want       bool
	}{
		{"no local entry", nil, "s1", false},
		{"clean synced", &cache.Entry{Timestamp: now, Source: cache.SourceServer, SyncStatus: cache.StatusSynced}, "", false},
		{"optimistic source", &cache.Entry{Timestamp: now, Source: cache.SourceOptimistic, SyncStatus: cache.StatusSynced}, "", true},
		{"pending status", &cache.Entry{Timestamp: now, Source: cache.SourceServer, SyncStatus: cache.StatusPending}, "", true},
		{"etag mismatch", &cache.Entry{Timestamp: now, ETag: "a", Source: cache.SourceServer, SyncStatus: cache.StatusSynced}, "b", true},
		{"etag match", &cache.Entry{Timestamp: now, ETag: "a", Source: cache.SourceServer, SyncStatus: cache.StatusSynced}, "a", false},
		{"missing local etag", &cache.Entry{Timestamp: now, Source: cache.SourceServer, SyncStatus: cache.StatusSynced}, "b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectConflict(tt.entry, tt.serverETag); got != tt.want {
				t.Errorf("detectConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServerETag(t *testing.T) {
	if got := serverETag([]byte(`{"etag":"abc","total":"1"}`)); got != "abc" {
		t.Errorf("serverETag() = %q, want abc", got)
	}
	if got := serverETag([]byte(`not json`)); got != "" {
		t.Errorf("serverETag(invalid) = %q, want empty", got)
	}
}
