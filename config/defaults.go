package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pools:        DefaultPoolsConfig(),
		Transactions: DefaultTxConfig(),
		Optimizer:    DefaultOptimizerConfig(),
		Coordinator:  DefaultCoordinatorConfig(),
		Log:          DefaultLogConfig(),
	}
}

// DefaultPoolsConfig returns the default pool manager configuration.
func DefaultPoolsConfig() PoolsConfig {
	return PoolsConfig{
		MaxPoolsPerType:     4,
		MaxTotalConnections: 200,
		HealthThreshold:     0.5,
		Strategy:            "round_robin",
		FailoverEnabled:     true,
		HealthCheckInterval: 30 * time.Second,
		AcquireRateLimit:    0,
		AcquireBurst:        1,
	}
}

// DefaultTxConfig returns the default transaction manager configuration.
func DefaultTxConfig() TxConfig {
	return TxConfig{
		DefaultTimeout:    30 * time.Second,
		MaxDuration:       5 * time.Minute,
		DeadlockDetection: true,
		DeadlockVictim:    "oldest",
		SweepInterval:     10 * time.Second,
	}
}

// DefaultOptimizerConfig returns the default optimizer configuration.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		CacheMaxEntries: 1000,
		CacheDefaultTTL: 5 * time.Minute,
		CacheMaxMemory:  64 << 20, // 64 MiB estimated
		CleanupInterval: time.Minute,
		EMAAlpha:        0.1,
		HistoryLimit:    1000,
		BatchWindow:     5 * time.Second,
		BatchThreshold:  3,
	}
}

// DefaultCoordinatorConfig returns the default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		HealthCheckInterval: 30 * time.Second,
		DefaultTimeout:      10 * time.Second,
		LoadBalancing:       "round_robin",
		LatencyWarn:         2 * time.Second,
		ErrorRateWarn:       0.10,
		UtilizationWarn:     0.90,
		CacheHitInfo:        0.30,
		AlertHistory:        256,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}
