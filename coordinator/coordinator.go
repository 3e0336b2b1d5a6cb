package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/engine"
	"github.com/BaSui01/omnidb/optimizer"
	"github.com/BaSui01/omnidb/pool"
	"github.com/BaSui01/omnidb/txn"
	"github.com/BaSui01/omnidb/types"
)

// EngineSpec describes an engine to register. Pool bounds default to 1/10
// connections when zero.
type EngineSpec struct {
	ID           string
	Kind         types.DatabaseKind
	Capabilities []types.Capability
	Adapter      engine.Adapter

	MinConnections int
	MaxConnections int
	Weight         int
}

type engineRec struct {
	id      string
	kind    types.DatabaseKind
	caps    map[types.Capability]bool
	adapter engine.Adapter
	online  bool
	poolID  string
}

func (e *engineRec) hasCaps(required []types.Capability) bool {
	for _, c := range required {
		if !e.caps[c] {
			return false
		}
	}
	return true
}

// HealthStatus buckets the aggregate health score.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

// HealthReport is the aggregate view returned by GetHealthReport.
type HealthReport struct {
	Status             HealthStatus           `json:"status"`
	Score              float64                `json:"score"`
	EngineAvailability float64                `json:"engine_availability"`
	QuerySuccessRatio  float64                `json:"query_success_ratio"`
	CacheHitRate       float64                `json:"cache_hit_rate"`
	LatencyScore       float64                `json:"latency_score"`
	Engines            map[string]EngineStats `json:"engines"`
	Pools              pool.HealthReport      `json:"pools"`
}

// Stats aggregates every subsystem's counters.
type Stats struct {
	Engines       map[string]EngineStats `json:"engines"`
	Pools         map[string]pool.Stats  `json:"pools"`
	Transactions  txn.Stats              `json:"transactions"`
	Optimizer     optimizer.Stats        `json:"optimizer"`
	Events        map[string]int64       `json:"events"`
	DroppedEvents int64                  `json:"dropped_events"`
	Alerts        int                    `json:"alerts"`
}

// Coordinator is the control plane: it owns the engine registry, the pool
// and transaction managers, the optimizer, the monitor and the event bus,
// and routes logical queries to capable engines.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger

	bus     *types.Bus
	pools   *pool.Manager
	txns    *txn.Manager
	opt     *optimizer.Optimizer
	monitor *Monitor
	metrics *Metrics

	mu      sync.RWMutex
	engines map[string]*engineRec
	order   []string // registration order
	rrIdx   int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the full coordination layer. reg may be nil; collectors are
// then created unregistered.
func New(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	bus := types.NewBus(0, logger)
	monitor := NewMonitor(cfg.Coordinator, bus, logger)
	metrics := NewMetrics(reg)
	bus.Subscribe(metrics)

	c := &Coordinator{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "coordinator")),
		bus:     bus,
		pools:   pool.NewManager(cfg.Pools, bus, logger),
		opt:     optimizer.New(cfg.Optimizer, monitor, logger),
		monitor: monitor,
		metrics: metrics,
		engines: make(map[string]*engineRec),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.txns = txn.NewManager(cfg.Transactions, c, bus, logger)

	if cfg.Coordinator.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.healthLoop()
	}
	return c
}

// Subscribe registers an observer on the event bus.
func (c *Coordinator) Subscribe(o types.Observer) {
	c.bus.Subscribe(o)
}

// Pools exposes the pool manager for direct pool lifecycle operations.
func (c *Coordinator) Pools() *pool.Manager { return c.pools }

// Transactions exposes the transaction manager.
func (c *Coordinator) Transactions() *txn.Manager { return c.txns }

// Optimizer exposes the query optimizer.
func (c *Coordinator) Optimizer() *optimizer.Optimizer { return c.opt }

// Monitor exposes the performance monitor.
func (c *Coordinator) Monitor() *Monitor { return c.monitor }

// RegisterEngine connects the adapter, creates the engine's backing pool,
// and adds it to the routing registry.
func (c *Coordinator) RegisterEngine(ctx context.Context, spec EngineSpec) error {
	if spec.ID == "" || spec.Adapter == nil {
		return types.NewError(types.ErrCodeConfig, "engine spec needs an id and an adapter")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidState, "coordinator is shut down")
	}
	if _, dup := c.engines[spec.ID]; dup {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidState, "engine already registered").WithResource(spec.ID)
	}
	c.mu.Unlock()

	minConns, maxConns := spec.MinConnections, spec.MaxConnections
	if minConns <= 0 {
		minConns = 1
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	poolID, err := c.pools.CreatePool(ctx, pool.Spec{
		Type:           spec.Kind,
		Name:           spec.ID,
		MinConnections: minConns,
		MaxConnections: maxConns,
		Weight:         spec.Weight,
		Adapter:        spec.Adapter,
	})
	if err != nil {
		return fmt.Errorf("creating pool for engine %s: %w", spec.ID, err)
	}

	caps := make(map[types.Capability]bool, len(spec.Capabilities))
	for _, cap := range spec.Capabilities {
		caps[cap] = true
	}

	c.mu.Lock()
	c.engines[spec.ID] = &engineRec{
		id:      spec.ID,
		kind:    spec.Kind,
		caps:    caps,
		adapter: spec.Adapter,
		online:  true,
		poolID:  poolID,
	}
	c.order = append(c.order, spec.ID)
	c.mu.Unlock()

	c.monitor.Track(spec.ID)
	c.metrics.engines.Inc()
	c.logger.Info("engine registered",
		zap.String("engine_id", spec.ID),
		zap.String("kind", string(spec.Kind)),
		zap.Int("capabilities", len(caps)),
	)
	return nil
}

// DeregisterEngine drains and removes the engine's pool and drops it from
// the registry.
func (c *Coordinator) DeregisterEngine(ctx context.Context, id string) error {
	c.mu.Lock()
	rec, ok := c.engines[id]
	if !ok {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "unknown engine").WithResource(id)
	}
	delete(c.engines, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.monitor.Untrack(id)
	c.metrics.engines.Dec()
	return c.pools.RemovePool(ctx, rec.poolID)
}

// Resolve implements txn.Resolver over the engine registry.
func (c *Coordinator) Resolve(dbID string) (engine.Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.engines[dbID]
	if !ok {
		return nil, fmt.Errorf("engine %s is not registered", dbID)
	}
	return rec.adapter, nil
}

// ExecuteQuery is the full read/write path: optimize (possibly answering
// from cache), route to a capable engine, execute through its pool, and
// feed the outcome back into the monitor, metrics and pattern learning.
func (c *Coordinator) ExecuteQuery(ctx context.Context, q *types.QueryRequest) (*types.QueryResult, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, types.NewError(types.ErrCodeInvalidState, "coordinator is shut down")
	}

	if cached, hit := c.opt.OptimizeQuery(q); hit {
		c.metrics.ObserveCacheHit()
		c.opt.RecordExecution(q, cached, true)
		return cached, nil
	}

	eng, err := c.selectEngine(q)
	if err != nil {
		return nil, err
	}

	if c.cfg.Coordinator.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Coordinator.DefaultTimeout)
		defer cancel()
	}

	start := time.Now()
	result, execErr := c.pools.ExecuteOn(ctx, eng.poolID, *q)
	duration := time.Since(start)
	if result != nil {
		result.Engine = eng.id
	}

	utilization := 0.0
	if stats, ok := c.pools.GetStats()[eng.poolID]; ok {
		utilization = stats.LoadFactor
	}
	c.monitor.RecordQuery(eng.id, duration, execErr == nil, utilization)
	c.metrics.ObserveQuery(eng.id, duration.Seconds(), execErr == nil)
	c.opt.RecordExecution(q, result, execErr == nil)

	if execErr != nil {
		return nil, fmt.Errorf("executing on engine %s: %w", eng.id, execErr)
	}
	return result, nil
}

// selectEngine routes a query: filter to online engines matching the
// routing hints, prefer an explicitly preferred engine when one
// qualifies, otherwise apply the configured load-balancing mode. An
// unavailable preferred engine falls back to the remaining candidates,
// never to an error.
func (c *Coordinator) selectEngine(q *types.QueryRequest) (*engineRec, error) {
	excluded := make(map[string]bool, len(q.Routing.ExcludedEngines))
	for _, id := range q.Routing.ExcludedEngines {
		excluded[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := make([]*engineRec, 0, len(c.order))
	for _, id := range c.order {
		rec := c.engines[id]
		if rec.online && !excluded[id] && rec.hasCaps(q.Routing.RequiredCapabilities) {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return nil, types.NewError(types.ErrCodeUnavailable, "no capable engine available").
			WithResource(q.Operation)
	}

	for _, id := range q.Routing.PreferredEngines {
		for _, rec := range candidates {
			if rec.id == id {
				return rec, nil
			}
		}
	}

	switch c.cfg.Coordinator.LoadBalancing {
	case "least_loaded":
		return c.selectLeastLoaded(candidates), nil
	case "capability_based":
		return selectMostSpecialized(candidates), nil
	case "performance_based":
		return c.selectFastest(candidates), nil
	default: // round_robin
		rec := candidates[c.rrIdx%len(candidates)]
		c.rrIdx++
		return rec, nil
	}
}

// selectLeastLoaded picks the candidate whose backing pool has the lowest
// load factor; first-encountered wins ties.
func (c *Coordinator) selectLeastLoaded(candidates []*engineRec) *engineRec {
	stats := c.pools.GetStats()
	best := candidates[0]
	bestLoad := 2.0
	for _, rec := range candidates {
		load := 1.0
		if s, ok := stats[rec.poolID]; ok {
			load = s.LoadFactor
		}
		if load < bestLoad {
			best, bestLoad = rec, load
		}
	}
	return best
}

// selectMostSpecialized picks the candidate declaring the fewest
// capabilities, on the premise that the narrowest engine matching the
// requirements is the best fit.
func selectMostSpecialized(candidates []*engineRec) *engineRec {
	best := candidates[0]
	for _, rec := range candidates[1:] {
		if len(rec.caps) < len(best.caps) {
			best = rec
		}
	}
	return best
}

// selectFastest picks the candidate ranked first by rolling average
// latency; engines without samples rank last.
func (c *Coordinator) selectFastest(candidates []*engineRec) *engineRec {
	byID := make(map[string]*engineRec, len(candidates))
	for _, rec := range candidates {
		byID[rec.id] = rec
	}
	for _, id := range c.monitor.EnginesByLatency() {
		if rec, ok := byID[id]; ok {
			return rec
		}
	}
	return candidates[0]
}

// =============================================================================
// Transaction surface
// =============================================================================

// BeginTransaction starts a transaction over registered engines.
func (c *Coordinator) BeginTransaction(ctx context.Context, engineIDs []string, opts txn.Options) (string, error) {
	c.mu.RLock()
	for _, id := range engineIDs {
		if _, ok := c.engines[id]; !ok {
			c.mu.RUnlock()
			return "", types.NewError(types.ErrCodeNotFound, "unknown engine").WithResource(id)
		}
	}
	c.mu.RUnlock()
	return c.txns.Begin(ctx, engineIDs, opts)
}

// ExecuteInTransaction runs one operation inside a transaction.
func (c *Coordinator) ExecuteInTransaction(ctx context.Context, txID, engineID string, q types.QueryRequest) (*types.QueryResult, error) {
	return c.txns.Execute(ctx, txID, engineID, q)
}

// CommitTransaction commits, with two-phase commit when distributed.
func (c *Coordinator) CommitTransaction(ctx context.Context, txID string) error {
	return c.txns.Commit(ctx, txID)
}

// RollbackTransaction rolls the transaction back on every participant.
func (c *Coordinator) RollbackTransaction(ctx context.Context, txID string) error {
	return c.txns.Rollback(ctx, txID)
}

// CreateSavepoint records a named savepoint inside the transaction.
func (c *Coordinator) CreateSavepoint(ctx context.Context, txID, name string) error {
	return c.txns.CreateSavepoint(ctx, txID, name)
}

// RollbackToSavepoint partially rolls back to the named savepoint.
func (c *Coordinator) RollbackToSavepoint(ctx context.Context, txID, name string) error {
	return c.txns.RollbackToSavepoint(ctx, txID, name)
}

// =============================================================================
// Health, stats, shutdown
// =============================================================================

// GetHealthReport blends engine availability, query success ratio, cache
// hit rate and inverse normalized latency into one score, bucketed
// healthy (>0.8), warning (>0.6), else critical.
func (c *Coordinator) GetHealthReport(ctx context.Context) HealthReport {
	c.mu.RLock()
	total := len(c.engines)
	online := 0
	for _, rec := range c.engines {
		if rec.online {
			online++
		}
	}
	c.mu.RUnlock()

	availability := 1.0
	if total > 0 {
		availability = float64(online) / float64(total)
	}

	success := c.monitor.SuccessRatio()

	cacheStats := c.opt.GetStats().Cache
	hitRate := 1.0
	if cacheStats.Hits+cacheStats.Misses > 0 {
		hitRate = cacheStats.HitRate
	}

	latencyScore := 1.0
	if warn := c.cfg.Coordinator.LatencyWarn; warn > 0 {
		if worst := c.monitor.MaxAvgLatency(); worst > 0 {
			norm := float64(worst) / float64(warn)
			if norm > 1 {
				norm = 1
			}
			latencyScore = 1 - norm
		}
	}

	score := 0.4*availability + 0.3*success + 0.2*hitRate + 0.1*latencyScore
	status := StatusCritical
	switch {
	case score > 0.8:
		status = StatusHealthy
	case score > 0.6:
		status = StatusWarning
	}

	return HealthReport{
		Status:             status,
		Score:              score,
		EngineAvailability: availability,
		QuerySuccessRatio:  success,
		CacheHitRate:       hitRate,
		LatencyScore:       latencyScore,
		Engines:            c.monitor.Snapshot(),
		Pools:              c.pools.HealthCheck(ctx),
	}
}

// GetStats aggregates every subsystem's counters.
func (c *Coordinator) GetStats() Stats {
	return Stats{
		Engines:       c.monitor.Snapshot(),
		Pools:         c.pools.GetStats(),
		Transactions:  c.txns.GetStats(),
		Optimizer:     c.opt.GetStats(),
		Events:        c.monitor.EventCounts(),
		DroppedEvents: c.bus.Dropped(),
		Alerts:        len(c.monitor.Alerts()),
	}
}

// Recommendations surfaces the optimizer's tuning suggestions.
func (c *Coordinator) Recommendations() []string {
	return c.opt.Recommendations()
}

// Shutdown stops background loops, closes the managers, optionally writes
// a metrics snapshot, and closes the event bus.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	var firstErr error
	if err := c.txns.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.pools.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	c.opt.Close()

	if path := c.cfg.Coordinator.SnapshotPath; path != "" {
		if err := c.writeSnapshot(path); err != nil {
			c.logger.Warn("metrics snapshot failed", zap.String("path", path), zap.Error(err))
		}
	}

	c.bus.Close()
	c.logger.Info("coordinator shut down")
	return firstErr
}

func (c *Coordinator) writeSnapshot(path string) error {
	raw, err := json.MarshalIndent(c.GetStats(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func (c *Coordinator) healthLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Coordinator.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probeEngines()
			stats := c.opt.GetStats().Cache
			c.monitor.CheckCacheHitRate(stats.HitRate, stats.Hits+stats.Misses)
		}
	}
}

// probeEngines refreshes each engine's online flag from its health probe.
func (c *Coordinator) probeEngines() {
	c.mu.RLock()
	recs := make([]*engineRec, 0, len(c.engines))
	for _, rec := range c.engines {
		recs = append(recs, rec)
	}
	c.mu.RUnlock()

	for _, rec := range recs {
		probeCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		status, err := rec.adapter.Health(probeCtx)
		cancel()

		online := err == nil && status.Healthy
		c.mu.Lock()
		changed := rec.online != online
		rec.online = online
		c.mu.Unlock()

		if changed {
			c.logger.Warn("engine availability changed",
				zap.String("engine_id", rec.id),
				zap.Bool("online", online),
				zap.String("message", status.Message),
			)
		}
	}
}

// SetEngineOnline overrides an engine's availability flag. Intended for
// administrative draining and tests.
func (c *Coordinator) SetEngineOnline(id string, online bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.engines[id]
	if !ok {
		return types.NewError(types.ErrCodeNotFound, "unknown engine").WithResource(id)
	}
	rec.online = online
	return nil
}
