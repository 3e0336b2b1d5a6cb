// =============================================================================
// Package config — coordination-layer configuration
// =============================================================================
// Immutable configuration structs constructed once at startup, loaded from
// defaults → YAML file → environment variables (OMNIDB_* override).
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("omnidb.yaml").
//	    WithEnvPrefix("OMNIDB").
//	    Load()
//
// =============================================================================
package config

import (
	"fmt"
	"time"
)

// Config is the complete configuration of the coordination layer.
type Config struct {
	// Pools configures the connection pool manager.
	Pools PoolsConfig `yaml:"pools" env:"POOLS"`

	// Transactions configures the transaction manager.
	Transactions TxConfig `yaml:"transactions" env:"TRANSACTIONS"`

	// Optimizer configures the query optimizer.
	Optimizer OptimizerConfig `yaml:"optimizer" env:"OPTIMIZER"`

	// Coordinator configures engine routing and the monitor.
	Coordinator CoordinatorConfig `yaml:"coordinator" env:"COORDINATOR"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// PoolsConfig bounds and tunes the connection pool manager.
type PoolsConfig struct {
	// MaxPoolsPerType caps the number of pools per database kind.
	MaxPoolsPerType int `yaml:"max_pools_per_type" env:"MAX_POOLS_PER_TYPE"`

	// MaxTotalConnections caps the projected sum of all pools' max sizes.
	MaxTotalConnections int `yaml:"max_total_connections" env:"MAX_TOTAL_CONNECTIONS"`

	// HealthThreshold is the minimum health score an acquire candidate needs.
	HealthThreshold float64 `yaml:"health_threshold" env:"HEALTH_THRESHOLD"`

	// Strategy selects pools: round_robin | least_connections | weighted_random.
	Strategy string `yaml:"strategy" env:"STRATEGY"`

	// FailoverEnabled allows acquire to retry a pool's failover target.
	FailoverEnabled bool `yaml:"failover_enabled" env:"FAILOVER_ENABLED"`

	// HealthCheckInterval drives the background health loop. 0 disables it.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`

	// AcquireRateLimit caps acquires per second across the manager. 0 disables.
	AcquireRateLimit float64 `yaml:"acquire_rate_limit" env:"ACQUIRE_RATE_LIMIT"`

	// AcquireBurst is the burst size for the acquire rate limiter.
	AcquireBurst int `yaml:"acquire_burst" env:"ACQUIRE_BURST"`
}

// TxConfig tunes the transaction manager.
type TxConfig struct {
	// DefaultTimeout applies to transactions begun without an explicit one.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`

	// MaxDuration force-rolls-back any active transaction older than this.
	MaxDuration time.Duration `yaml:"max_duration" env:"MAX_DURATION"`

	// DeadlockDetection enables the advisory lock table and deadlock sweep.
	DeadlockDetection bool `yaml:"deadlock_detection" env:"DEADLOCK_DETECTION"`

	// DeadlockVictim picks the sweep victim: oldest | youngest. The sweep is
	// an age-based liveness safeguard, not a wait-for-graph detector.
	DeadlockVictim string `yaml:"deadlock_victim" env:"DEADLOCK_VICTIM"`

	// SweepInterval drives the deadlock and timeout sweeps. 0 disables them.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// OptimizerConfig tunes caching and pattern learning.
type OptimizerConfig struct {
	// CacheMaxEntries caps the result cache; the oldest 20% are evicted
	// when it is exceeded.
	CacheMaxEntries int `yaml:"cache_max_entries" env:"CACHE_MAX_ENTRIES"`

	// CacheDefaultTTL applies to entries with no adaptive override.
	CacheDefaultTTL time.Duration `yaml:"cache_default_ttl" env:"CACHE_DEFAULT_TTL"`

	// CacheMaxMemory caps the estimated total payload size in bytes.
	CacheMaxMemory int64 `yaml:"cache_max_memory" env:"CACHE_MAX_MEMORY"`

	// CleanupInterval drives the TTL sweep. 0 disables it.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`

	// EMAAlpha is the smoothing factor for pattern latency/success EMAs.
	EMAAlpha float64 `yaml:"ema_alpha" env:"EMA_ALPHA"`

	// HistoryLimit caps the execution history ring buffer.
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`

	// BatchWindow is the trailing window for coalescing identical queries.
	BatchWindow time.Duration `yaml:"batch_window" env:"BATCH_WINDOW"`

	// BatchThreshold is the identical-shape count that triggers coalescing.
	BatchThreshold int `yaml:"batch_threshold" env:"BATCH_THRESHOLD"`
}

// CoordinatorConfig tunes engine routing, the monitor and shutdown.
type CoordinatorConfig struct {
	// HealthCheckInterval drives the engine health loop. 0 disables it.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`

	// DefaultTimeout bounds individual engine calls.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`

	// LoadBalancing selects engines: round_robin | least_loaded |
	// capability_based | performance_based.
	LoadBalancing string `yaml:"load_balancing" env:"LOAD_BALANCING"`

	// Alert thresholds. Crossing one raises an AlertRaised event.
	LatencyWarn     time.Duration `yaml:"latency_warn" env:"LATENCY_WARN"`
	ErrorRateWarn   float64       `yaml:"error_rate_warn" env:"ERROR_RATE_WARN"`
	UtilizationWarn float64       `yaml:"utilization_warn" env:"UTILIZATION_WARN"`
	CacheHitInfo    float64       `yaml:"cache_hit_info" env:"CACHE_HIT_INFO"`

	// AlertHistory caps the alert ring buffer.
	AlertHistory int `yaml:"alert_history" env:"ALERT_HISTORY"`

	// SnapshotPath, when set, receives a flat JSON metrics snapshot on
	// shutdown. Not part of the coordination contract.
	SnapshotPath string `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug | info | warn | error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format: json | console.
	Format string `yaml:"format" env:"FORMAT"`
}

// Validate returns the first violation found, or nil.
func (c *Config) Validate() error {
	if err := c.Pools.Validate(); err != nil {
		return fmt.Errorf("pools: %w", err)
	}
	if err := c.Transactions.Validate(); err != nil {
		return fmt.Errorf("transactions: %w", err)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	return nil
}

// Validate checks pool limits and strategy.
func (c *PoolsConfig) Validate() error {
	if c.MaxPoolsPerType <= 0 {
		return fmt.Errorf("max_pools_per_type must be positive, got %d", c.MaxPoolsPerType)
	}
	if c.MaxTotalConnections <= 0 {
		return fmt.Errorf("max_total_connections must be positive, got %d", c.MaxTotalConnections)
	}
	if c.HealthThreshold < 0 || c.HealthThreshold > 1 {
		return fmt.Errorf("health_threshold must be in [0,1], got %f", c.HealthThreshold)
	}
	switch c.Strategy {
	case "round_robin", "least_connections", "weighted_random":
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	return nil
}

// Validate checks transaction timing and the victim policy.
func (c *TxConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	}
	if c.MaxDuration < c.DefaultTimeout {
		return fmt.Errorf("max_duration %s must be >= default_timeout %s", c.MaxDuration, c.DefaultTimeout)
	}
	switch c.DeadlockVictim {
	case "oldest", "youngest":
	default:
		return fmt.Errorf("deadlock_victim must be oldest or youngest, got %q", c.DeadlockVictim)
	}
	return nil
}

// Validate checks cache bounds and the EMA smoothing factor.
func (c *OptimizerConfig) Validate() error {
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache_max_entries must be positive, got %d", c.CacheMaxEntries)
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha >= 1 {
		return fmt.Errorf("ema_alpha must be in (0,1), got %f", c.EMAAlpha)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit)
	}
	return nil
}

// Validate checks the load-balancing mode and alert thresholds.
func (c *CoordinatorConfig) Validate() error {
	switch c.LoadBalancing {
	case "round_robin", "least_loaded", "capability_based", "performance_based":
	default:
		return fmt.Errorf("unknown load_balancing mode %q", c.LoadBalancing)
	}
	if c.ErrorRateWarn < 0 || c.ErrorRateWarn > 1 {
		return fmt.Errorf("error_rate_warn must be in [0,1], got %f", c.ErrorRateWarn)
	}
	return nil
}
