package optimizer

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/types"
)

const (
	writeTTLCap      = 60 * time.Second
	strongReadTTLCap = 30 * time.Second
	// evictFraction is the share of oldest entries removed on capacity
	// pressure.
	evictFraction = 0.2
)

type cacheEntry struct {
	key      string
	result   *types.QueryResult
	storedAt time.Time
	ttl      time.Duration
	size     int64
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// CacheStats is a point-in-time view of the result cache.
type CacheStats struct {
	Entries   int     `json:"entries"`
	Memory    int64   `json:"memory_bytes"`
	MaxMemory int64   `json:"max_memory_bytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// resultCache stores query results keyed by normalized signature with
// per-entry adaptive TTLs.
type resultCache struct {
	cfg    config.OptimizerConfig
	logger *zap.Logger

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	memory    int64
	hits      int64
	misses    int64
	evictions int64
}

func newResultCache(cfg config.OptimizerConfig, logger *zap.Logger) *resultCache {
	return &resultCache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
	}
}

// get returns the cached result for the key. An entry past its TTL counts
// as a miss and is purged immediately.
func (c *resultCache) get(key string) (*types.QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if entry.expired(time.Now()) {
		c.removeLocked(entry)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.result, true
}

// put stores a result under the query's adaptive TTL, evicting the oldest
// 20% of entries when the entry or memory cap is exceeded.
func (c *resultCache) put(key string, q *types.QueryRequest, result *types.QueryResult) {
	size := estimateSize(result)
	entry := &cacheEntry{
		key:      key,
		result:   result,
		storedAt: time.Now(),
		ttl:      c.adaptiveTTL(q),
		size:     size,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	c.entries[key] = entry
	c.memory += size

	if len(c.entries) > c.cfg.CacheMaxEntries ||
		(c.cfg.CacheMaxMemory > 0 && c.memory > c.cfg.CacheMaxMemory) {
		c.evictOldestLocked()
	}
}

// adaptiveTTL picks the entry lifetime from the query shape: writes are
// capped low because they invalidate quickly, strong-consistency reads
// lower still, and low-priority reads tolerate staleness twice as long.
func (c *resultCache) adaptiveTTL(q *types.QueryRequest) time.Duration {
	ttl := c.cfg.CacheDefaultTTL
	switch {
	case q.IsWrite():
		if ttl > writeTTLCap {
			ttl = writeTTLCap
		}
	case q.Consistency == types.ConsistencyStrong:
		if ttl > strongReadTTLCap {
			ttl = strongReadTTLCap
		}
	case q.Priority == types.PriorityLow:
		ttl *= 2
	}
	return ttl
}

// evictOldestLocked drops the oldest fifth of entries by insertion time.
func (c *resultCache) evictOldestLocked() {
	n := int(float64(len(c.entries)) * evictFraction)
	if n < 1 {
		n = 1
	}

	byAge := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].storedAt.Before(byAge[j].storedAt)
	})

	for _, e := range byAge[:n] {
		c.removeLocked(e)
		c.evictions++
	}
	c.logger.Debug("cache eviction", zap.Int("evicted", n), zap.Int("remaining", len(c.entries)))
}

func (c *resultCache) removeLocked(e *cacheEntry) {
	if _, ok := c.entries[e.key]; ok {
		delete(c.entries, e.key)
		c.memory -= e.size
	}
}

// purge removes every TTL-expired entry and returns how many were dropped.
func (c *resultCache) purge() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			dropped++
		}
	}
	return dropped
}

func (c *resultCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Entries:   len(c.entries),
		Memory:    c.memory,
		MaxMemory: c.cfg.CacheMaxMemory,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// estimateSize approximates an entry's memory footprint by its JSON
// length. Unmarshalable payloads get a flat estimate.
func estimateSize(result *types.QueryResult) int64 {
	raw, err := json.Marshal(result)
	if err != nil {
		return 512
	}
	return int64(len(raw))
}
