package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/types"
)

func testMonitorConfig() config.CoordinatorConfig {
	cfg := config.DefaultCoordinatorConfig()
	cfg.LatencyWarn = 100 * time.Millisecond
	cfg.ErrorRateWarn = 0.2
	cfg.UtilizationWarn = 0.9
	cfg.CacheHitInfo = 0.3
	return cfg
}

func TestMonitor_RecordQueryTracksRollingStats(t *testing.T) {
	m := NewMonitor(testMonitorConfig(), nil, zap.NewNop())

	m.RecordQuery("db1", 10*time.Millisecond, true, 0.1)
	m.RecordQuery("db1", 20*time.Millisecond, false, 0.2)

	s := m.Snapshot()["db1"]
	assert.Equal(t, int64(2), s.Queries)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, 0.5, s.ErrorRate)
	assert.Equal(t, 0.2, s.Utilization)
	assert.Greater(t, s.AvgLatency, time.Duration(0))
	assert.Equal(t, 0.5, m.SuccessRatio())
}

func TestMonitor_LatencyAlert(t *testing.T) {
	m := NewMonitor(testMonitorConfig(), nil, zap.NewNop())

	// Rolling average well past the 100ms warn line.
	for i := 0; i < 20; i++ {
		m.RecordQuery("slow", 500*time.Millisecond, true, 0.1)
	}

	alerts := m.Alerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, "warning", alerts[len(alerts)-1].Severity)
	assert.Equal(t, "avg_latency", alerts[len(alerts)-1].Metric)
	assert.Equal(t, "slow", alerts[len(alerts)-1].EngineID)
}

func TestMonitor_ErrorRateAlertNeedsSamples(t *testing.T) {
	m := NewMonitor(testMonitorConfig(), nil, zap.NewNop())

	// 5 failures out of 5: rate 1.0 but below the 10-sample floor.
	for i := 0; i < 5; i++ {
		m.RecordQuery("flaky", time.Millisecond, false, 0.1)
	}
	assert.Empty(t, m.Alerts())

	for i := 0; i < 5; i++ {
		m.RecordQuery("flaky", time.Millisecond, false, 0.1)
	}
	found := false
	for _, a := range m.Alerts() {
		if a.Metric == "error_rate" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMonitor_CacheHitInfoAlert(t *testing.T) {
	m := NewMonitor(testMonitorConfig(), nil, zap.NewNop())

	m.CheckCacheHitRate(0.1, 10) // too few samples
	assert.Empty(t, m.Alerts())

	m.CheckCacheHitRate(0.1, 100)
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "info", alerts[0].Severity)
	assert.Equal(t, "cache_hit_rate", alerts[0].Metric)
}

func TestMonitor_AlertsPublishedToBus(t *testing.T) {
	bus := types.NewBus(16, zap.NewNop())
	defer bus.Close()

	received := make(chan types.Event, 16)
	bus.Subscribe(types.ObserverFunc(func(e types.Event) { received <- e }))

	m := NewMonitor(testMonitorConfig(), bus, zap.NewNop())
	m.RecordQuery("hot", time.Millisecond, true, 0.95) // utilization alert

	select {
	case e := <-received:
		alert, ok := e.(types.AlertRaised)
		require.True(t, ok)
		assert.Equal(t, "utilization", alert.Metric)
	case <-time.After(time.Second):
		t.Fatal("no alert event delivered")
	}
}

func TestMonitor_EnginesByLatency(t *testing.T) {
	m := NewMonitor(testMonitorConfig(), nil, zap.NewNop())
	m.Track("a")
	m.Track("b")
	m.Track("c")

	m.RecordQuery("a", 50*time.Millisecond, true, 0)
	m.RecordQuery("b", 5*time.Millisecond, true, 0)
	// c stays unmeasured and ranks last.

	assert.Equal(t, []string{"b", "a", "c"}, m.EnginesByLatency())
}

func TestMonitor_EventCounts(t *testing.T) {
	bus := types.NewBus(16, zap.NewNop())
	m := NewMonitor(testMonitorConfig(), bus, zap.NewNop())

	bus.Publish(types.TransactionCommitted{TxID: "t1"})
	bus.Publish(types.TransactionCommitted{TxID: "t2"})
	bus.Publish(types.DeadlockVictim{TxID: "t3"})
	bus.Close() // drains queued events

	counts := m.EventCounts()
	assert.Equal(t, int64(2), counts["transaction_committed"])
	assert.Equal(t, int64(1), counts["deadlock_victim"])
}

func TestMonitor_AlertRingIsBounded(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.AlertHistory = 5
	m := NewMonitor(cfg, nil, zap.NewNop())

	for i := 0; i < 20; i++ {
		m.CheckCacheHitRate(0.0, 100)
	}
	assert.Len(t, m.Alerts(), 5)
}
