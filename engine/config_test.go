package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.MaxStaleTime.Std() != 5*time.Minute {
		t.Errorf("MaxStaleTime = %v, want 5m", cfg.Sync.MaxStaleTime.Std())
	}
	if cfg.Sync.SyncInterval.Std() != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", cfg.Sync.SyncInterval.Std())
	}
	if !cfg.Sync.AutoSyncOnReconnect {
		t.Error("AutoSyncOnReconnect = false, want true by default")
	}
	if cfg.Optimistic.RollbackTimeout.Std() != 30*time.Second {
		t.Errorf("RollbackTimeout = %v, want 30s", cfg.Optimistic.RollbackTimeout.Std())
	}
	if cfg.Optimistic.MaxOperations != 100 {
		t.Errorf("MaxOperations = %d, want 100", cfg.Optimistic.MaxOperations)
	}
	if cfg.Eviction.MaxCacheSize != 100*1024*1024 {
		t.Errorf("MaxCacheSize = %d, want 100 MiB", cfg.Eviction.MaxCacheSize)
	}
	if cfg.Eviction.PressureThreshold != 0.8 {
		t.Errorf("PressureThreshold = %v, want 0.8", cfg.Eviction.PressureThreshold)
	}
	if cfg.Recovery.CircuitBreakerThreshold != 5 {
		t.Errorf("CircuitBreakerThreshold = %d, want 5", cfg.Recovery.CircuitBreakerThreshold)
	}
	if cfg.Recovery.CircuitBreakerResetTimeout.Std() != time.Minute {
		t.Errorf("CircuitBreakerResetTimeout = %v, want 60s", cfg.Recovery.CircuitBreakerResetTimeout.Std())
	}
	if cfg.HealthEndpoint != "/health" {
		t.Errorf("HealthEndpoint = %q, want /health", cfg.HealthEndpoint)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
base_url: https://api.example.com
sync:
  max_stale_time: 2m
  sync_interval: 10s
  max_concurrent_syncs: 5
eviction:
  max_cache_size: 1048576
  cleanup_interval: 1m
recovery:
  max_retries: 7
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q, want https://api.example.com", cfg.BaseURL)
	}
	if cfg.Sync.MaxStaleTime.Std() != 2*time.Minute {
		t.Errorf("MaxStaleTime = %v, want 2m", cfg.Sync.MaxStaleTime.Std())
	}
	if cfg.Sync.MaxConcurrentSyncs != 5 {
		t.Errorf("MaxConcurrentSyncs = %d, want 5", cfg.Sync.MaxConcurrentSyncs)
	}
	if cfg.Eviction.MaxCacheSize != 1048576 {
		t.Errorf("MaxCacheSize = %d, want 1048576", cfg.Eviction.MaxCacheSize)
	}
	if cfg.Recovery.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.Recovery.MaxRetries)
	}

	// Untouched sections keep their defaults.
	if cfg.Optimistic.RollbackTimeout.Std() != 30*time.Second {
		t.Errorf("RollbackTimeout = %v, want default 30s", cfg.Optimistic.RollbackTimeout.Std())
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  sync_interval: soon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() error = nil, want invalid duration error")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig() error = nil, want read error")
	}
}
