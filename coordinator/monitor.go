// Package coordinator implements the engine registry, capability-aware
// query routing, rolling performance monitoring with threshold alerts,
// and the upstream facade tying pools, transactions and the optimizer
// together.
package coordinator

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/internal/ring"
	"github.com/BaSui01/omnidb/types"
)

// latencyAlpha smooths per-engine latency. Deliberately heavier than the
// optimizer's pattern alpha so alerts react to short spikes.
const latencyAlpha = 0.2

// Alert is one recorded threshold crossing.
type Alert struct {
	Severity string    `json:"severity"` // info | warning
	Metric   string    `json:"metric"`
	EngineID string    `json:"engine_id,omitempty"`
	Value    float64   `json:"value"`
	Limit    float64   `json:"limit"`
	At       time.Time `json:"at"`
}

// EngineStats is a point-in-time view of one engine's rolling performance.
type EngineStats struct {
	EngineID    string        `json:"engine_id"`
	Queries     int64         `json:"queries"`
	Errors      int64         `json:"errors"`
	AvgLatency  time.Duration `json:"avg_latency"`
	ErrorRate   float64       `json:"error_rate"`
	Utilization float64       `json:"utilization"`
	LastSeen    time.Time     `json:"last_seen"`
}

type engineTrack struct {
	queries      int64
	errors       int64
	avgLatencyNs float64
	utilization  float64
	lastSeen     time.Time
}

// Monitor keeps rolling per-engine performance and raises alerts when a
// configured threshold is crossed. It also subscribes to the event bus to
// count lifecycle events.
type Monitor struct {
	cfg    config.CoordinatorConfig
	logger *zap.Logger
	bus    *types.Bus

	mu      sync.Mutex
	engines map[string]*engineTrack
	order   []string // registration order, the latency tie-break
	alerts  *ring.Buffer[Alert]
	events  map[string]int64

	successes int64
	failures  int64
}

// NewMonitor creates a monitor and subscribes it to the bus when one is
// given.
func NewMonitor(cfg config.CoordinatorConfig, bus *types.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.AlertHistory
	if limit <= 0 {
		limit = 100
	}
	m := &Monitor{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "monitor")),
		bus:     bus,
		engines: make(map[string]*engineTrack),
		alerts:  ring.New[Alert](limit),
		events:  make(map[string]int64),
	}
	if bus != nil {
		bus.Subscribe(m)
	}
	return m
}

// Track registers an engine so it appears in snapshots before its first
// query.
func (m *Monitor) Track(engineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[engineID]; ok {
		return
	}
	m.engines[engineID] = &engineTrack{}
	m.order = append(m.order, engineID)
}

// Untrack removes an engine from the rolling stats.
func (m *Monitor) Untrack(engineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, engineID)
	for i, id := range m.order {
		if id == engineID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// RecordQuery folds one executed query into the engine's rolling stats and
// checks the latency/error-rate/utilization thresholds.
func (m *Monitor) RecordQuery(engineID string, duration time.Duration, success bool, utilization float64) {
	m.mu.Lock()

	t, ok := m.engines[engineID]
	if !ok {
		t = &engineTrack{}
		m.engines[engineID] = t
		m.order = append(m.order, engineID)
	}
	t.queries++
	if !success {
		t.errors++
		m.failures++
	} else {
		m.successes++
	}
	if t.avgLatencyNs == 0 {
		t.avgLatencyNs = float64(duration.Nanoseconds())
	} else {
		t.avgLatencyNs = latencyAlpha*float64(duration.Nanoseconds()) + (1-latencyAlpha)*t.avgLatencyNs
	}
	t.utilization = utilization
	t.lastSeen = time.Now()

	avgLatency := time.Duration(t.avgLatencyNs)
	errorRate := float64(t.errors) / float64(t.queries)
	queries := t.queries
	m.mu.Unlock()

	if m.cfg.LatencyWarn > 0 && avgLatency > m.cfg.LatencyWarn {
		m.raise("warning", "avg_latency", engineID,
			float64(avgLatency.Milliseconds()), float64(m.cfg.LatencyWarn.Milliseconds()))
	}
	// Error rate needs a few samples before it means anything.
	if queries >= 10 && m.cfg.ErrorRateWarn > 0 && errorRate > m.cfg.ErrorRateWarn {
		m.raise("warning", "error_rate", engineID, errorRate, m.cfg.ErrorRateWarn)
	}
	if m.cfg.UtilizationWarn > 0 && utilization > m.cfg.UtilizationWarn {
		m.raise("warning", "utilization", engineID, utilization, m.cfg.UtilizationWarn)
	}
}

// CheckCacheHitRate raises an info alert when the observed hit rate sits
// below the configured floor. sampled is hits+misses; small samples are
// ignored.
func (m *Monitor) CheckCacheHitRate(rate float64, sampled int64) {
	if sampled < 50 || m.cfg.CacheHitInfo <= 0 {
		return
	}
	if rate < m.cfg.CacheHitInfo {
		m.raise("info", "cache_hit_rate", "", rate, m.cfg.CacheHitInfo)
	}
}

func (m *Monitor) raise(severity, metric, engineID string, value, limit float64) {
	alert := Alert{
		Severity: severity,
		Metric:   metric,
		EngineID: engineID,
		Value:    value,
		Limit:    limit,
		At:       time.Now(),
	}

	m.mu.Lock()
	m.alerts.Push(alert)
	m.mu.Unlock()

	m.logger.Warn("threshold alert",
		zap.String("severity", severity),
		zap.String("metric", metric),
		zap.String("engine_id", engineID),
		zap.Float64("value", value),
		zap.Float64("limit", limit),
	)
	if m.bus != nil {
		m.bus.Publish(types.AlertRaised{
			Severity: severity,
			Metric:   metric,
			EngineID: engineID,
			Value:    value,
			Limit:    limit,
			At:       alert.At,
		})
	}
}

// OnEvent implements types.Observer; lifecycle events are tallied by kind.
func (m *Monitor) OnEvent(e types.Event) {
	if _, isAlert := e.(types.AlertRaised); isAlert {
		return // raised by this monitor, not tallied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.Kind()]++
}

// EventCounts returns the per-kind tally of observed lifecycle events.
func (m *Monitor) EventCounts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.events))
	for k, v := range m.events {
		out[k] = v
	}
	return out
}

// Alerts returns recorded alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.Items()
}

// Snapshot returns every tracked engine's rolling stats.
func (m *Monitor) Snapshot() map[string]EngineStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]EngineStats, len(m.engines))
	for id, t := range m.engines {
		out[id] = EngineStats{
			EngineID:    id,
			Queries:     t.queries,
			Errors:      t.errors,
			AvgLatency:  time.Duration(t.avgLatencyNs),
			ErrorRate:   safeRatio(t.errors, t.queries),
			Utilization: t.utilization,
			LastSeen:    t.lastSeen,
		}
	}
	return out
}

// SuccessRatio is the share of recorded queries that succeeded.
func (m *Monitor) SuccessRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.successes + m.failures
	if total == 0 {
		return 1.0
	}
	return float64(m.successes) / float64(total)
}

// EnginesByLatency implements optimizer.EngineRanker: ids ordered by
// ascending rolling average latency, unmeasured engines last in
// registration order.
func (m *Monitor) EnginesByLatency() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := append([]string(nil), m.order...)
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := m.engines[ids[i]], m.engines[ids[j]]
		if a.avgLatencyNs == 0 {
			return false
		}
		if b.avgLatencyNs == 0 {
			return true
		}
		return a.avgLatencyNs < b.avgLatencyNs
	})
	return ids
}

// AvgLatency returns the engine's rolling average latency, 0 when unknown.
func (m *Monitor) AvgLatency(engineID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.engines[engineID]; ok {
		return time.Duration(t.avgLatencyNs)
	}
	return 0
}

// MaxAvgLatency returns the slowest engine's rolling average latency.
func (m *Monitor) MaxAvgLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0.0
	for _, t := range m.engines {
		if t.avgLatencyNs > max {
			max = t.avgLatencyNs
		}
	}
	return time.Duration(max)
}

func safeRatio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
