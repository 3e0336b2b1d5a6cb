package optimizer

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/types"
)

type staticRanker []string

func (r staticRanker) EnginesByLatency() []string { return r }

func testOptConfig() config.OptimizerConfig {
	cfg := config.DefaultOptimizerConfig()
	cfg.CleanupInterval = 0 // sweeps driven manually in unit tests
	return cfg
}

func newTestOptimizer(t *testing.T, cfg config.OptimizerConfig, ranker EngineRanker) *Optimizer {
	t.Helper()
	o := New(cfg, ranker, zap.NewNop())
	t.Cleanup(o.Close)
	return o
}

func TestOptimizeQuery_VectorBias(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	q := &types.QueryRequest{Operation: "vector_search", Params: map[string]any{"embedding": "..."}}
	_, hit := o.OptimizeQuery(q)
	require.False(t, hit)

	assert.Contains(t, q.Opt.AppliedRules, "vector_engine_bias")
	assert.Contains(t, q.Routing.RequiredCapabilities, types.CapVectorSearch)
	assert.True(t, q.Opt.Approximate)
}

func TestOptimizeQuery_CriticalVectorStaysExact(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	q := &types.QueryRequest{Operation: "vector_search", Priority: types.PriorityCritical}
	o.OptimizeQuery(q)

	assert.Contains(t, q.Opt.AppliedRules, "vector_engine_bias")
	assert.False(t, q.Opt.Approximate)
}

func TestOptimizeQuery_GraphDepthBound(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	q := &types.QueryRequest{Operation: "graph_traverse"}
	o.OptimizeQuery(q)

	assert.Equal(t, defaultGraphDepth, q.Opt.MaxDepth)
	assert.True(t, q.Opt.PlanningEnabled)

	// An explicit depth is respected.
	q2 := &types.QueryRequest{Operation: "graph_traverse", Opt: &types.OptimizationMeta{MaxDepth: 2}}
	o.OptimizeQuery(q2)
	assert.Equal(t, 2, q2.Opt.MaxDepth)
}

func TestOptimizeQuery_IndexHintsFromFilterFields(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	q := &types.QueryRequest{Operation: "find", Params: map[string]any{"name": "ada", "age": 30}}
	o.OptimizeQuery(q)
	assert.Equal(t, []string{"age", "name"}, q.Opt.IndexHints)

	// Writes never get hints.
	w := &types.QueryRequest{Operation: "insert", Params: map[string]any{"name": "ada"}}
	o.OptimizeQuery(w)
	assert.Empty(t, w.Opt.IndexHints)
}

func TestOptimizeQuery_LatencyShortlistForHighPriority(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), staticRanker{"fast", "medium", "slow"})

	q := &types.QueryRequest{Operation: "find", Priority: types.PriorityHigh}
	o.OptimizeQuery(q)
	assert.Equal(t, []string{"fast", "medium", "slow"}, q.Opt.EngineShortlist)

	normal := &types.QueryRequest{Operation: "find", Priority: types.PriorityNormal}
	o.OptimizeQuery(normal)
	assert.Empty(t, normal.Opt.EngineShortlist)
}

func TestOptimizeQuery_BatchCoalescing(t *testing.T) {
	cfg := testOptConfig()
	cfg.BatchThreshold = 3
	cfg.BatchWindow = 5 * time.Second
	o := newTestOptimizer(t, cfg, nil)

	shape := func(v int) *types.QueryRequest {
		return &types.QueryRequest{Operation: "find", Params: map[string]any{"id": v}}
	}

	// Three structurally identical executions inside the window.
	for i := 0; i < 3; i++ {
		o.RecordExecution(shape(i), &types.QueryResult{Engine: "db1"}, true)
	}

	q := shape(99)
	o.OptimizeQuery(q)
	assert.True(t, q.Opt.Batched)
	assert.Contains(t, q.Opt.AppliedRules, "batch_coalescing")

	// A different shape is not coalesced.
	other := &types.QueryRequest{Operation: "find", Params: map[string]any{"email": "x"}}
	o.OptimizeQuery(other)
	assert.False(t, other.Opt.Batched)
}

func TestRecordExecution_CachesAndShortCircuits(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	q := &types.QueryRequest{Operation: "find", Params: map[string]any{"id": 7}}
	_, hit := o.OptimizeQuery(q)
	require.False(t, hit)

	o.RecordExecution(q, &types.QueryResult{Rows: 1, Engine: "db1", Duration: time.Millisecond}, true)

	again := &types.QueryRequest{Operation: "find", Params: map[string]any{"id": 7}}
	res, hit := o.OptimizeQuery(again)
	require.True(t, hit)
	assert.True(t, res.Cached)
	assert.Equal(t, "db1", res.Engine)
	assert.Equal(t, 1, res.Rows)
}

func TestRecordExecution_FailuresAreNotCached(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	q := &types.QueryRequest{Operation: "find", Params: map[string]any{"id": 1}}
	o.OptimizeQuery(q)
	o.RecordExecution(q, &types.QueryResult{Engine: "db1"}, false)

	_, hit := o.OptimizeQuery(q)
	assert.False(t, hit)

	p, ok := o.Pattern(q)
	require.True(t, ok)
	assert.Less(t, p.SuccessRate, 1.0)
}

func TestRecordExecution_CachedResultsDoNotFeedLearning(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	q := &types.QueryRequest{Operation: "find", Params: map[string]any{"id": 2}}
	o.OptimizeQuery(q)
	o.RecordExecution(q, &types.QueryResult{Engine: "db1", Duration: time.Millisecond}, true)
	p1, _ := o.Pattern(q)

	o.RecordExecution(q, &types.QueryResult{Engine: "db1", Cached: true, Duration: time.Hour}, true)
	p2, _ := o.Pattern(q)

	// A cache hit must not distort the latency EMA.
	assert.Equal(t, p1.AvgLatency, p2.AvgLatency)
}

func TestRecommendations(t *testing.T) {
	cfg := testOptConfig()
	o := newTestOptimizer(t, cfg, nil)

	// 120 distinct unoptimizable queries: no rules match a write with no
	// params, so the optimized ratio stays at zero.
	for i := 0; i < 120; i++ {
		o.OptimizeQuery(&types.QueryRequest{Operation: "insert", Statement: fmt.Sprintf("s%d", i)})
	}

	recs := o.Recommendations()
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[0], "optimization rule")
}

func TestRecommendations_FrequentPatterns(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	// 12 shapes each seen 3 times.
	for shape := 0; shape < 12; shape++ {
		q := &types.QueryRequest{Operation: fmt.Sprintf("op%d", shape)}
		for i := 0; i < 3; i++ {
			o.OptimizeQuery(q)
		}
	}

	found := false
	for _, rec := range o.Recommendations() {
		if strings.Contains(rec, "12 query shapes") {
			found = true
		}
	}
	assert.True(t, found, "expected a frequent-pattern recommendation")
}

func TestGetStats(t *testing.T) {
	o := newTestOptimizer(t, testOptConfig(), nil)

	q := &types.QueryRequest{Operation: "find", Params: map[string]any{"id": 1}}
	o.OptimizeQuery(q)
	o.RecordExecution(q, &types.QueryResult{Engine: "db1"}, true)
	o.OptimizeQuery(q) // hit

	s := o.GetStats()
	assert.Equal(t, int64(2), s.TotalQueries)
	assert.Equal(t, int64(1), s.OptimizedQueries)
	assert.Equal(t, 1, s.Patterns)
	assert.Equal(t, int64(1), s.Cache.Hits)
}
