package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/internal/ring"
	"github.com/BaSui01/omnidb/types"
)

// Execution is one completed query, as seen by the learning loop.
type Execution struct {
	Signature string        `json:"signature"`
	Engine    string        `json:"engine"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Cached    bool          `json:"cached"`
	At        time.Time     `json:"at"`
}

// Stats summarizes the optimizer's activity.
type Stats struct {
	TotalQueries     int64      `json:"total_queries"`
	OptimizedQueries int64      `json:"optimized_queries"`
	Patterns         int        `json:"patterns"`
	Cache            CacheStats `json:"cache"`
}

// Optimizer short-circuits repeated queries through the result cache,
// rewrites the rest through the rule set, and learns per-shape
// performance profiles from recorded executions.
type Optimizer struct {
	cfg    config.OptimizerConfig
	logger *zap.Logger

	cache    *resultCache
	patterns *patternRegistry
	rules    []Rule
	ranker   EngineRanker

	mu               sync.Mutex
	history          *ring.Buffer[Execution]
	totalQueries     int64
	optimizedQueries int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an optimizer with the baseline rule set. ranker may be nil;
// latency-aware rules then stay dormant. The TTL sweep starts when
// CleanupInterval is positive.
func New(cfg config.OptimizerConfig, ranker EngineRanker, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "optimizer"))
	ctx, cancel := context.WithCancel(context.Background())

	o := &Optimizer{
		cfg:      cfg,
		logger:   logger,
		cache:    newResultCache(cfg, logger),
		patterns: newPatternRegistry(cfg.EMAAlpha),
		rules:    baselineRules(),
		ranker:   ranker,
		history:  ring.New[Execution](cfg.HistoryLimit),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.CleanupInterval > 0 {
		o.wg.Add(1)
		go o.cleanupLoop()
	}
	return o
}

// AddRule appends a rule after the baseline set.
func (o *Optimizer) AddRule(r Rule) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules = append(o.rules, r)
}

// OptimizeQuery checks the cache and, on a miss, applies every matching
// rule to the query in place. A hit returns the cached result tagged
// Cached and the query never reaches an engine.
func (o *Optimizer) OptimizeQuery(q *types.QueryRequest) (*types.QueryResult, bool) {
	o.mu.Lock()
	o.totalQueries++
	o.mu.Unlock()

	if cached, ok := o.cache.get(cacheSignature(q)); ok {
		hit := *cached
		hit.Cached = true
		return &hit, true
	}

	sig := patternSignature(q)
	o.patterns.observe(sig)

	rctx := &ruleContext{
		signature:      sig,
		ranker:         o.ranker,
		now:            time.Now(),
		batchWindow:    o.cfg.BatchWindow,
		batchThreshold: o.cfg.BatchThreshold,
	}
	o.mu.Lock()
	rctx.history = o.history.Items()
	rules := o.rules
	o.mu.Unlock()

	if q.Opt == nil {
		q.Opt = &types.OptimizationMeta{}
	}
	for _, rule := range rules {
		if !rule.Applies(q, rctx) {
			continue
		}
		rule.Apply(q, rctx)
		q.Opt.AppliedRules = append(q.Opt.AppliedRules, rule.Name)
	}

	if len(q.Opt.AppliedRules) > 0 {
		o.mu.Lock()
		o.optimizedQueries++
		o.mu.Unlock()
		o.logger.Debug("query optimized",
			zap.String("operation", q.Operation),
			zap.Strings("rules", q.Opt.AppliedRules),
		)
	}
	return nil, false
}

// RecordExecution feeds one completed query back into the learning loop:
// it lands in the history ring, updates the shape's EMAs, and a successful
// uncached result is stored in the cache.
func (o *Optimizer) RecordExecution(q *types.QueryRequest, result *types.QueryResult, success bool) {
	sig := patternSignature(q)
	engine := ""
	cached := false
	var duration time.Duration
	if result != nil {
		engine = result.Engine
		cached = result.Cached
		duration = result.Duration
	}

	o.mu.Lock()
	o.history.Push(Execution{
		Signature: sig,
		Engine:    engine,
		Duration:  duration,
		Success:   success,
		Cached:    cached,
		At:        time.Now(),
	})
	o.mu.Unlock()

	if cached {
		return
	}
	o.patterns.recordOutcome(sig, engine, duration, success)
	if success && result != nil {
		o.cache.put(cacheSignature(q), q, result)
	}
}

// Pattern returns the learned profile for the query's shape.
func (o *Optimizer) Pattern(q *types.QueryRequest) (Pattern, bool) {
	return o.patterns.get(patternSignature(q))
}

// Patterns returns every learned pattern.
func (o *Optimizer) Patterns() []Pattern {
	return o.patterns.snapshot()
}

// GetStats returns activity totals and the cache view.
func (o *Optimizer) GetStats() Stats {
	o.mu.Lock()
	total := o.totalQueries
	optimized := o.optimizedQueries
	o.mu.Unlock()

	return Stats{
		TotalQueries:     total,
		OptimizedQueries: optimized,
		Patterns:         len(o.patterns.snapshot()),
		Cache:            o.cache.stats(),
	}
}

// CacheHitRate exposes the cache hit ratio for aggregate health scoring.
func (o *Optimizer) CacheHitRate() float64 {
	return o.cache.stats().HitRate
}

// Recommendations derives tuning suggestions from observed behavior. They
// describe, they never act.
func (o *Optimizer) Recommendations() []string {
	stats := o.GetStats()
	var recs []string

	if stats.TotalQueries > 100 {
		ratio := float64(stats.OptimizedQueries) / float64(stats.TotalQueries)
		if ratio < 0.3 {
			recs = append(recs, fmt.Sprintf(
				"only %.0f%% of queries matched an optimization rule; consider adding rules for the dominant workload", ratio*100))
		}
	}

	queries := stats.Cache.Hits + stats.Cache.Misses
	if queries > 50 && stats.Cache.HitRate < 0.5 {
		recs = append(recs, fmt.Sprintf(
			"cache hit rate is %.0f%%; consider longer TTLs or a larger cache", stats.Cache.HitRate*100))
	}
	if stats.Cache.MaxMemory > 0 &&
		float64(stats.Cache.Memory) > 0.8*float64(stats.Cache.MaxMemory) {
		recs = append(recs, "cache memory usage is above 80% of its cap; consider raising cache_max_memory")
	}

	frequent := 0
	for _, p := range o.patterns.snapshot() {
		if p.Frequency >= 3 {
			frequent++
		}
	}
	if frequent > 10 {
		recs = append(recs, fmt.Sprintf(
			"%d query shapes recur 3+ times; they are candidates for targeted rules", frequent))
	}

	return recs
}

// Close stops the TTL sweep.
func (o *Optimizer) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Optimizer) cleanupLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if dropped := o.cache.purge(); dropped > 0 {
				o.logger.Debug("cache sweep", zap.Int("expired", dropped))
			}
		}
	}
}
