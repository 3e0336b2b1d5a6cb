package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/types"
)

func readQuery(stmt string) *types.QueryRequest {
	return &types.QueryRequest{Operation: "find", Statement: stmt}
}

func TestCache_HitAndMiss(t *testing.T) {
	c := newResultCache(config.DefaultOptimizerConfig(), zap.NewNop())
	q := readQuery("users")
	key := cacheSignature(q)

	_, ok := c.get(key)
	assert.False(t, ok)

	c.put(key, q, &types.QueryResult{Rows: 3, Engine: "db1"})
	got, ok := c.get(key)
	require.True(t, ok)
	assert.Equal(t, 3, got.Rows)

	s := c.stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 0.5, s.HitRate)
}

func TestCache_ExpiredEntryIsMissAndSweptByPurge(t *testing.T) {
	c := newResultCache(config.DefaultOptimizerConfig(), zap.NewNop())
	q := readQuery("orders")
	key := cacheSignature(q)

	c.put(key, q, &types.QueryResult{Rows: 1})

	// Rewind the clock: stored with TTL 5s, queried at t=6s.
	c.mu.Lock()
	c.entries[key].ttl = 5 * time.Second
	c.entries[key].storedAt = time.Now().Add(-6 * time.Second)
	c.mu.Unlock()

	_, ok := c.get(key)
	assert.False(t, ok)

	// The expired-on-read path already purged it; a fresh expired entry is
	// caught by the sweep instead.
	c.put(key, q, &types.QueryResult{Rows: 1})
	c.mu.Lock()
	c.entries[key].ttl = 5 * time.Second
	c.entries[key].storedAt = time.Now().Add(-6 * time.Second)
	c.mu.Unlock()

	assert.Equal(t, 1, c.purge())
	c.mu.Lock()
	assert.Empty(t, c.entries)
	assert.Zero(t, c.memory)
	c.mu.Unlock()
}

func TestCache_AdaptiveTTL(t *testing.T) {
	cfg := config.DefaultOptimizerConfig()
	cfg.CacheDefaultTTL = 5 * time.Minute
	c := newResultCache(cfg, zap.NewNop())

	tests := []struct {
		name string
		q    *types.QueryRequest
		want time.Duration
	}{
		{"write capped at 60s", &types.QueryRequest{Operation: "update"}, 60 * time.Second},
		{"strong read capped at 30s", &types.QueryRequest{Operation: "find", Consistency: types.ConsistencyStrong}, 30 * time.Second},
		{"low priority read doubled", &types.QueryRequest{Operation: "find", Priority: types.PriorityLow}, 10 * time.Minute},
		{"default otherwise", &types.QueryRequest{Operation: "find"}, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.adaptiveTTL(tt.q))
		})
	}
}

func TestCache_EvictsOldestFifthOnCapacity(t *testing.T) {
	cfg := config.DefaultOptimizerConfig()
	cfg.CacheMaxEntries = 10
	c := newResultCache(cfg, zap.NewNop())

	for i := 0; i < 11; i++ {
		q := readQuery(string(rune('a' + i)))
		c.put(cacheSignature(q), q, &types.QueryResult{Rows: i})
		time.Sleep(time.Millisecond) // distinct insertion times
	}

	// Crossing 10 entries evicted the oldest 20% (2 of 11).
	c.mu.Lock()
	remaining := len(c.entries)
	c.mu.Unlock()
	assert.Equal(t, 9, remaining)

	_, ok := c.get(cacheSignature(readQuery("a")))
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.get(cacheSignature(readQuery("k")))
	assert.True(t, ok, "newest entry should survive")
	assert.Equal(t, int64(2), c.stats().Evictions)
}

func TestCache_MemoryCapTriggersEviction(t *testing.T) {
	cfg := config.DefaultOptimizerConfig()
	cfg.CacheMaxMemory = 1 // any entry overflows
	c := newResultCache(cfg, zap.NewNop())

	q1 := readQuery("x")
	c.put(cacheSignature(q1), q1, &types.QueryResult{Rows: 1})
	q2 := readQuery("y")
	c.put(cacheSignature(q2), q2, &types.QueryResult{Rows: 2})

	assert.GreaterOrEqual(t, c.stats().Evictions, int64(1))
}

func TestSignatures(t *testing.T) {
	a := &types.QueryRequest{Operation: "find", Params: map[string]any{"name": "ada", "age": 30}}
	b := &types.QueryRequest{Operation: "find", Params: map[string]any{"age": 30, "name": "ada"}}
	// Parameter order never matters.
	assert.Equal(t, cacheSignature(a), cacheSignature(b))

	// Different values share a pattern but not a cache entry.
	c := &types.QueryRequest{Operation: "find", Params: map[string]any{"age": 31, "name": "bob"}}
	assert.NotEqual(t, cacheSignature(a), cacheSignature(c))
	assert.Equal(t, patternSignature(a), patternSignature(c))

	// Consistency and priority are part of both signatures.
	d := &types.QueryRequest{Operation: "find", Params: map[string]any{"age": 30, "name": "ada"}, Consistency: types.ConsistencyStrong}
	assert.NotEqual(t, cacheSignature(a), cacheSignature(d))
	assert.NotEqual(t, patternSignature(a), patternSignature(d))
}
