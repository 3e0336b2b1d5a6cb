package coordinator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/engine/enginetest"
	"github.com/BaSui01/omnidb/txn"
	"github.com/BaSui01/omnidb/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	// Background loops are driven manually in unit tests.
	cfg.Pools.HealthCheckInterval = 0
	cfg.Transactions.SweepInterval = 0
	cfg.Optimizer.CleanupInterval = 0
	cfg.Coordinator.HealthCheckInterval = 0
	return cfg
}

func newTestCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	c := New(cfg, nil, zap.NewNop())
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func registerFake(t *testing.T, c *Coordinator, id string, kind types.DatabaseKind, caps ...types.Capability) *enginetest.Fake {
	t.Helper()
	fake := enginetest.New()
	require.NoError(t, c.RegisterEngine(context.Background(), EngineSpec{
		ID:           id,
		Kind:         kind,
		Capabilities: caps,
		Adapter:      fake,
	}))
	return fake
}

func TestRegisterEngine_DuplicateRejected(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "db1", types.KindRelational)

	err := c.RegisterEngine(context.Background(), EngineSpec{
		ID: "db1", Kind: types.KindRelational, Adapter: enginetest.New(),
	})
	assert.Equal(t, types.ErrCodeInvalidState, types.GetErrorCode(err))
}

func TestExecuteQuery_RoutesAndRecords(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	fake := registerFake(t, c, "db1", types.KindKeyValue, types.CapKeyValue)

	res, err := c.ExecuteQuery(context.Background(),
		&types.QueryRequest{Operation: "insert", Statement: "put", Params: map[string]any{"key": "k", "value": "v"}})
	require.NoError(t, err)
	assert.Equal(t, "db1", res.Engine)
	assert.Equal(t, 1, fake.CallsTo("execute"))

	stats := c.Monitor().Snapshot()["db1"]
	assert.Equal(t, int64(1), stats.Queries)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestExecuteQuery_SecondIdenticalReadHitsCache(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	fake := registerFake(t, c, "db1", types.KindKeyValue)

	q := func() *types.QueryRequest {
		return &types.QueryRequest{Operation: "find", Statement: "k"}
	}

	_, err := c.ExecuteQuery(context.Background(), q())
	require.NoError(t, err)

	res, err := c.ExecuteQuery(context.Background(), q())
	require.NoError(t, err)
	assert.True(t, res.Cached)
	// The engine saw exactly one query.
	assert.Equal(t, 1, fake.CallsTo("query"))
}

func TestExecuteQuery_PreferredEngineOfflineFallsBack(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "A", types.KindVector, types.CapVectorSearch)
	registerFake(t, c, "B", types.KindVector, types.CapVectorSearch)
	registerFake(t, c, "C", types.KindVector, types.CapVectorSearch)

	require.NoError(t, c.SetEngineOnline("A", false))

	// Offline preferred engine never surfaces an error while capable
	// alternatives exist.
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		res, err := c.ExecuteQuery(context.Background(), &types.QueryRequest{
			Operation: "vector_search",
			Statement: "probe",
			Routing: types.RoutingHints{
				PreferredEngines:     []string{"A"},
				RequiredCapabilities: []types.Capability{types.CapVectorSearch},
			},
			// Distinct params defeat the cache so routing runs each time.
			Params: map[string]any{"i": i},
		})
		require.NoError(t, err)
		assert.NotEqual(t, "A", res.Engine)
		seen[res.Engine] = true
	}
	// round_robin cycles the remaining candidates.
	assert.True(t, seen["B"])
	assert.True(t, seen["C"])
}

func TestExecuteQuery_PreferredEngineWinsWhenHealthy(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "A", types.KindVector)
	registerFake(t, c, "B", types.KindVector)

	res, err := c.ExecuteQuery(context.Background(), &types.QueryRequest{
		Operation: "find",
		Statement: "x",
		Routing:   types.RoutingHints{PreferredEngines: []string{"B"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Engine)
}

func TestExecuteQuery_CapabilityFiltering(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "kv", types.KindKeyValue, types.CapKeyValue)
	registerFake(t, c, "graph", types.KindGraph, types.CapGraphTraversal)

	res, err := c.ExecuteQuery(context.Background(), &types.QueryRequest{
		Operation: "find",
		Statement: "n",
		Routing:   types.RoutingHints{RequiredCapabilities: []types.Capability{types.CapGraphTraversal}},
	})
	require.NoError(t, err)
	assert.Equal(t, "graph", res.Engine)

	_, err = c.ExecuteQuery(context.Background(), &types.QueryRequest{
		Operation: "find",
		Statement: "n2",
		Routing:   types.RoutingHints{RequiredCapabilities: []types.Capability{types.CapSQL}},
	})
	assert.Equal(t, types.ErrCodeUnavailable, types.GetErrorCode(err))
}

func TestExecuteQuery_ExcludedEngineSkipped(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "A", types.KindDocument)
	registerFake(t, c, "B", types.KindDocument)

	for i := 0; i < 3; i++ {
		res, err := c.ExecuteQuery(context.Background(), &types.QueryRequest{
			Operation: "find",
			Statement: "s",
			Params:    map[string]any{"i": i},
			Routing:   types.RoutingHints{ExcludedEngines: []string{"A"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "B", res.Engine)
	}
}

func TestSelectEngine_PerformanceBased(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.LoadBalancing = "performance_based"
	c := newTestCoordinator(t, cfg)
	registerFake(t, c, "slow", types.KindRelational)
	registerFake(t, c, "fast", types.KindRelational)

	c.Monitor().RecordQuery("slow", 500*time.Millisecond, true, 0)
	c.Monitor().RecordQuery("fast", time.Millisecond, true, 0)

	rec, err := c.selectEngine(&types.QueryRequest{Operation: "find"})
	require.NoError(t, err)
	assert.Equal(t, "fast", rec.id)
}

func TestSelectEngine_CapabilityBasedPicksMostSpecialized(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.LoadBalancing = "capability_based"
	c := newTestCoordinator(t, cfg)
	registerFake(t, c, "generalist", types.KindRelational,
		types.CapSQL, types.CapTransactions, types.CapFullTextSearch)
	registerFake(t, c, "specialist", types.KindRelational, types.CapSQL)

	rec, err := c.selectEngine(&types.QueryRequest{
		Operation: "find",
		Routing:   types.RoutingHints{RequiredCapabilities: []types.Capability{types.CapSQL}},
	})
	require.NoError(t, err)
	assert.Equal(t, "specialist", rec.id)
}

func TestTransactionSurface_EndToEnd(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	fake1 := registerFake(t, c, "db1", types.KindRelational, types.CapTransactions)
	fake2 := registerFake(t, c, "db2", types.KindDocument, types.CapTransactions)

	txID, err := c.BeginTransaction(context.Background(), []string{"db1", "db2"}, txn.Options{})
	require.NoError(t, err)

	_, err = c.ExecuteInTransaction(context.Background(), txID, "db1",
		types.QueryRequest{Operation: "insert", Statement: "s", Params: map[string]any{"key": "a", "value": 1}})
	require.NoError(t, err)

	require.NoError(t, c.CommitTransaction(context.Background(), txID))
	assert.Equal(t, 1, fake1.CallsTo("prepare"))
	assert.Equal(t, 1, fake1.CallsTo("commit"))
	assert.Equal(t, 1, fake2.CallsTo("prepare"))
	assert.Equal(t, 1, fake2.CallsTo("commit"))
}

func TestBeginTransaction_UnknownEngine(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "db1", types.KindRelational)

	_, err := c.BeginTransaction(context.Background(), []string{"db1", "ghost"}, txn.Options{})
	assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
}

func TestGetHealthReport_Buckets(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "A", types.KindRelational)
	registerFake(t, c, "B", types.KindRelational)

	// All engines online, nothing executed: full marks.
	report := c.GetHealthReport(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.InDelta(t, 1.0, report.Score, 0.001)

	// Half the engines offline drags availability to 0.5:
	// 0.4*0.5 + 0.3 + 0.2 + 0.1 = 0.8, which is not > 0.8.
	require.NoError(t, c.SetEngineOnline("A", false))
	report = c.GetHealthReport(context.Background())
	assert.Equal(t, StatusWarning, report.Status)
	assert.InDelta(t, 0.5, report.EngineAvailability, 0.001)

	// Everything offline: 0.3 + 0.2 + 0.1 = 0.6, not > 0.6.
	require.NoError(t, c.SetEngineOnline("B", false))
	report = c.GetHealthReport(context.Background())
	assert.Equal(t, StatusCritical, report.Status)
}

func TestDeregisterEngine(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "db1", types.KindRelational)

	require.NoError(t, c.DeregisterEngine(context.Background(), "db1"))

	_, err := c.ExecuteQuery(context.Background(), &types.QueryRequest{Operation: "find", Statement: "x"})
	assert.Equal(t, types.ErrCodeUnavailable, types.GetErrorCode(err))

	err = c.DeregisterEngine(context.Background(), "db1")
	assert.Equal(t, types.ErrCodeNotFound, types.GetErrorCode(err))
}

func TestShutdown_WritesSnapshotAndRejectsFurtherWork(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	cfg.Coordinator.SnapshotPath = path

	c := New(cfg, nil, zap.NewNop())
	registerFake(t, c, "db1", types.KindRelational)
	_, err := c.ExecuteQuery(context.Background(), &types.QueryRequest{Operation: "find", Statement: "x"})
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Stats
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, int64(1), snap.Engines["db1"].Queries)

	_, err = c.ExecuteQuery(context.Background(), &types.QueryRequest{Operation: "find", Statement: "y"})
	assert.Equal(t, types.ErrCodeInvalidState, types.GetErrorCode(err))

	// Idempotent.
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestGetStats_Aggregates(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	registerFake(t, c, "db1", types.KindRelational)

	_, err := c.ExecuteQuery(context.Background(), &types.QueryRequest{Operation: "find", Statement: "x"})
	require.NoError(t, err)

	stats := c.GetStats()
	assert.Len(t, stats.Pools, 1)
	assert.Equal(t, int64(1), stats.Engines["db1"].Queries)
	assert.Equal(t, int64(1), stats.Optimizer.TotalQueries)
}
