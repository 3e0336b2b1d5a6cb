package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "round_robin", cfg.Pools.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Transactions.DefaultTimeout)
	assert.Equal(t, 0.1, cfg.Optimizer.EMAAlpha)
}

func TestLoader_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "omnidb.yaml")
	data := []byte(`
pools:
  strategy: least_connections
  max_total_connections: 50
transactions:
  default_timeout: 5s
  max_duration: 1m
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "least_connections", cfg.Pools.Strategy)
	assert.Equal(t, 50, cfg.Pools.MaxTotalConnections)
	assert.Equal(t, 5*time.Second, cfg.Transactions.DefaultTimeout)
	// Untouched sections keep defaults.
	assert.Equal(t, 1000, cfg.Optimizer.CacheMaxEntries)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/omnidb.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pools, cfg.Pools)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("OMNIDB_POOLS_STRATEGY", "weighted_random")
	t.Setenv("OMNIDB_POOLS_HEALTH_THRESHOLD", "0.7")
	t.Setenv("OMNIDB_TRANSACTIONS_DEADLOCK_DETECTION", "false")
	t.Setenv("OMNIDB_OPTIMIZER_CACHE_DEFAULT_TTL", "90s")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "weighted_random", cfg.Pools.Strategy)
	assert.Equal(t, 0.7, cfg.Pools.HealthThreshold)
	assert.False(t, cfg.Transactions.DeadlockDetection)
	assert.Equal(t, 90*time.Second, cfg.Optimizer.CacheDefaultTTL)
}

func TestLoader_InvalidConfigRejected(t *testing.T) {
	t.Setenv("OMNIDB_POOLS_STRATEGY", "random_walk")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pools per type", func(c *Config) { c.Pools.MaxPoolsPerType = 0 }},
		{"health threshold out of range", func(c *Config) { c.Pools.HealthThreshold = 1.5 }},
		{"max duration below timeout", func(c *Config) { c.Transactions.MaxDuration = time.Second }},
		{"bad victim policy", func(c *Config) { c.Transactions.DeadlockVictim = "random" }},
		{"ema alpha out of range", func(c *Config) { c.Optimizer.EMAAlpha = 1.0 }},
		{"bad load balancing", func(c *Config) { c.Coordinator.LoadBalancing = "chaotic" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBuildLogger(t *testing.T) {
	logger, err := BuildLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = BuildLogger(LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
