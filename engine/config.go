package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML configs using "30s" notation.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("engine: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SyncConfig is the sync manager surface.
type SyncConfig struct {
	MaxStaleTime        Duration `yaml:"max_stale_time"`
	SyncInterval        Duration `yaml:"sync_interval"`
	AutoSyncOnReconnect bool     `yaml:"auto_sync_on_reconnect"`
	MaxConcurrentSyncs  int      `yaml:"max_concurrent_syncs"`
	SyncBatchSize       int      `yaml:"sync_batch_size"`
}

// OptimisticConfig is the optimistic manager surface.
type OptimisticConfig struct {
	RollbackTimeout Duration `yaml:"rollback_timeout"`
	MaxOperations   int      `yaml:"max_operations"`
}

// EvictionConfig is the eviction manager surface.
type EvictionConfig struct {
	MaxCacheSize      int64    `yaml:"max_cache_size"`
	MaxEntries        int      `yaml:"max_entries"`
	CleanupInterval   Duration `yaml:"cleanup_interval"`
	PressureThreshold float64  `yaml:"memory_pressure_threshold"`
	CleanupPercentage int      `yaml:"cleanup_percentage"`
	MinAgeForRemoval  Duration `yaml:"min_age_for_removal"`
}

// RecoveryConfig is the error recovery surface.
type RecoveryConfig struct {
	MaxRetries                 int      `yaml:"max_retries"`
	BaseRetryDelay             Duration `yaml:"base_retry_delay"`
	MaxRetryDelay              Duration `yaml:"max_retry_delay"`
	CircuitBreakerThreshold    int      `yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetTimeout Duration `yaml:"circuit_breaker_reset_timeout"`
}

// Config is the engine's full configuration surface. Every field is
// optional; zero values take the documented defaults.
type Config struct {
	// BaseURL is the remote API root used for reconciliation fetches
	// and reachability probes.
	BaseURL string `yaml:"base_url"`

	// HealthEndpoint is probed to decide reachability.
	HealthEndpoint string `yaml:"health_endpoint"`

	Sync       SyncConfig       `yaml:"sync"`
	Optimistic OptimisticConfig `yaml:"optimistic"`
	Eviction   EvictionConfig   `yaml:"eviction"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		HealthEndpoint: "/health",
		Sync: SyncConfig{
			MaxStaleTime:        Duration(5 * time.Minute),
			SyncInterval:        Duration(30 * time.Second),
			AutoSyncOnReconnect: true,
			MaxConcurrentSyncs:  3,
			SyncBatchSize:       10,
		},
		Optimistic: OptimisticConfig{
			RollbackTimeout: Duration(30 * time.Second),
			MaxOperations:   100,
		},
		Eviction: EvictionConfig{
			MaxCacheSize:      100 * 1024 * 1024,
			MaxEntries:        10000,
			CleanupInterval:   Duration(5 * time.Minute),
			PressureThreshold: 0.8,
			CleanupPercentage: 30,
			MinAgeForRemoval:  Duration(60 * time.Second),
		},
		Recovery: RecoveryConfig{
			MaxRetries:                 3,
			BaseRetryDelay:             Duration(time.Second),
			MaxRetryDelay:              Duration(30 * time.Second),
			CircuitBreakerThreshold:    5,
			CircuitBreakerResetTimeout: Duration(60 * time.Second),
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("engine: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("engine: parse config: %w", err)
	}
	return cfg, nil
}
