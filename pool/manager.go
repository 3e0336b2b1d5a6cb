package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/engine"
	"github.com/BaSui01/omnidb/types"
)

var (
	ErrManagerClosed = errors.New("pool manager is closed")
	ErrNoHealthyPool = errors.New("no healthy pool available")
	ErrPoolDraining  = errors.New("pool is shutting down")
)

// AggregateStatus buckets the manager-wide health.
type AggregateStatus string

const (
	AggregateHealthy  AggregateStatus = "healthy"
	AggregateDegraded AggregateStatus = "degraded"
	AggregateCritical AggregateStatus = "critical"
)

// HealthReport is the result of a manager-wide health check.
type HealthReport struct {
	Status       AggregateStatus  `json:"status"`
	HealthyPools int              `json:"healthy_pools"`
	TotalPools   int              `json:"total_pools"`
	Pools        map[string]Stats `json:"pools"`
}

// AcquireOptions tune a single acquire call.
type AcquireOptions struct {
	// Strategy overrides the configured selection strategy.
	Strategy Strategy
}

// ExecOptions tune ExecuteWithPool.
type ExecOptions struct {
	// Retries is the number of additional attempts after the first failure.
	Retries int

	// Strategy overrides the configured selection strategy.
	Strategy Strategy
}

// Manager owns pool lifecycle, selection and health scoring.
type Manager struct {
	cfg    config.PoolsConfig
	logger *zap.Logger
	bus    *types.Bus

	mu     sync.RWMutex
	pools  map[string]*Pool
	byType map[types.DatabaseKind][]*Pool // registration order, for deterministic ties
	rrIdx  map[types.DatabaseKind]int
	closed bool

	rng     *rand.Rand
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a pool manager and starts its health loop when
// HealthCheckInterval is positive.
func NewManager(cfg config.PoolsConfig, bus *types.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pool_manager")),
		bus:    bus,
		pools:  make(map[string]*Pool),
		byType: make(map[types.DatabaseKind][]*Pool),
		rrIdx:  make(map[types.DatabaseKind]int),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.AcquireRateLimit > 0 {
		burst := cfg.AcquireBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.AcquireRateLimit), burst)
	}

	if cfg.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthLoop()
	}

	return m
}

// CreatePool registers a new pool in status active. It fails without
// mutating the registry when the per-type pool count or the projected
// global connection total would exceed the configured limits.
func (m *Manager) CreatePool(ctx context.Context, spec Spec) (string, error) {
	if spec.Type == "" {
		return "", types.NewError(types.ErrCodeConfig, "pool spec requires a type")
	}
	if spec.MaxConnections <= 0 || spec.MinConnections < 0 || spec.MinConnections > spec.MaxConnections {
		return "", types.NewError(types.ErrCodeConfig,
			fmt.Sprintf("invalid connection bounds [%d,%d]", spec.MinConnections, spec.MaxConnections))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}

	if len(m.byType[spec.Type]) >= m.cfg.MaxPoolsPerType {
		m.mu.Unlock()
		return "", types.NewError(types.ErrCodeCapacity,
			fmt.Sprintf("pool limit for type %s reached (%d)", spec.Type, m.cfg.MaxPoolsPerType))
	}

	projected := spec.MaxConnections
	for _, p := range m.pools {
		projected += p.max
	}
	if projected > m.cfg.MaxTotalConnections {
		m.mu.Unlock()
		return "", types.NewError(types.ErrCodeCapacity,
			fmt.Sprintf("projected connection total %d exceeds limit %d", projected, m.cfg.MaxTotalConnections))
	}

	size := spec.MinConnections
	if size == 0 {
		size = 1
	}
	p := &Pool{
		ID:             uuid.NewString(),
		Type:           spec.Type,
		Name:           spec.Name,
		Status:         StatusActive,
		HealthScore:    1.0,
		Weight:         spec.Weight,
		FailoverTarget: spec.FailoverTarget,
		min:            spec.MinConnections,
		max:            spec.MaxConnections,
		size:           size,
		active:         make(map[string]*Conn),
		adapter:        spec.Adapter,
		dsn:            spec.DSN,
		createdAt:      time.Now(),
	}
	m.pools[p.ID] = p
	m.byType[p.Type] = append(m.byType[p.Type], p)
	m.mu.Unlock()

	if spec.Adapter != nil {
		if err := spec.Adapter.Connect(ctx); err != nil {
			m.removeFromRegistry(p.ID)
			return "", types.NewError(types.ErrCodeExecution, "adapter connect failed").
				WithResource(p.ID).WithCause(err)
		}
	}

	m.logger.Info("pool created",
		zap.String("pool_id", p.ID),
		zap.String("type", string(p.Type)),
		zap.Int("min", spec.MinConnections),
		zap.Int("max", spec.MaxConnections),
	)
	if m.bus != nil {
		m.bus.Publish(types.PoolCreated{PoolID: p.ID, PoolType: p.Type, At: time.Now()})
	}

	return p.ID, nil
}

// Acquire leases a connection from an active, healthy pool of the given
// type using the configured strategy. When no pool qualifies and failover
// is enabled, an unhealthy pool's failover target is tried once.
func (m *Manager) Acquire(ctx context.Context, dbType types.DatabaseKind, opts AcquireOptions) (*Conn, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	chosen := m.selectLocked(dbType, opts.Strategy)
	if chosen == nil && m.cfg.FailoverEnabled {
		chosen = m.failoverLocked(dbType)
	}
	if chosen == nil {
		return nil, types.NewError(types.ErrCodeUnavailable, "no healthy pool").
			WithResource(string(dbType)).WithCause(ErrNoHealthyPool)
	}

	if len(chosen.active) >= chosen.size {
		if chosen.size >= chosen.max {
			return nil, types.NewError(types.ErrCodeCapacity, "pool at maximum connections").
				WithResource(chosen.ID).WithRetryable(true)
		}
		chosen.size++
	}

	conn := &Conn{ID: uuid.NewString(), PoolID: chosen.ID, AcquiredAt: time.Now()}
	chosen.active[conn.ID] = conn
	chosen.observeAcquire(time.Since(start))

	return conn, nil
}

// selectLocked filters to active pools meeting the health threshold and
// applies the strategy. Caller holds m.mu.
func (m *Manager) selectLocked(dbType types.DatabaseKind, override Strategy) *Pool {
	candidates := make([]*Pool, 0, len(m.byType[dbType]))
	for _, p := range m.byType[dbType] {
		if p.healthy(m.cfg.HealthThreshold) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	strategy := Strategy(m.cfg.Strategy)
	if override != "" {
		strategy = override
	}

	switch strategy {
	case StrategyLeastConnections:
		return selectLeastConnections(candidates)
	case StrategyWeightedRandom:
		return selectWeightedRandom(m.rng, candidates)
	default:
		p := selectRoundRobin(candidates, m.rrIdx[dbType])
		m.rrIdx[dbType]++
		return p
	}
}

// failoverLocked tries the failover target of unhealthy pools of the type.
// Caller holds m.mu.
func (m *Manager) failoverLocked(dbType types.DatabaseKind) *Pool {
	for _, p := range m.byType[dbType] {
		if p.FailoverTarget == "" {
			continue
		}
		target, ok := m.pools[p.FailoverTarget]
		if ok && target.healthy(m.cfg.HealthThreshold) {
			m.logger.Warn("failing over",
				zap.String("from", p.ID),
				zap.String("to", target.ID),
			)
			return target
		}
	}
	return nil
}

// Release returns a connection to its pool, recording success or error
// for health scoring.
func (m *Manager) Release(poolID string, conn *Conn, execErr error) error {
	if conn == nil {
		return types.NewError(types.ErrCodeNotFound, "nil connection")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolID]
	if !ok {
		return types.NewError(types.ErrCodeNotFound, "unknown pool").WithResource(poolID)
	}
	if _, held := p.active[conn.ID]; !held {
		return types.NewError(types.ErrCodeNotFound, "connection not held by pool").WithResource(conn.ID)
	}

	delete(p.active, conn.ID)
	if execErr != nil {
		p.errors++
	} else {
		p.successes++
	}
	return nil
}

// RemovePool marks the pool shutting_down, drains it, and removes it from
// the registry. Draining is bounded by ctx.
func (m *Manager) RemovePool(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pools[id]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "unknown pool").WithResource(id)
	}
	p.Status = StatusShuttingDown
	m.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.RLock()
		drained := len(p.active) == 0
		m.mu.RUnlock()
		if drained {
			break
		}
		select {
		case <-ctx.Done():
			m.logger.Warn("pool drain aborted", zap.String("pool_id", id), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if p.adapter != nil {
		if err := p.adapter.Disconnect(ctx); err != nil {
			m.logger.Warn("adapter disconnect failed", zap.String("pool_id", id), zap.Error(err))
		}
	}

	m.removeFromRegistry(id)
	m.logger.Info("pool removed", zap.String("pool_id", id))
	if m.bus != nil {
		m.bus.Publish(types.PoolRemoved{PoolID: id, At: time.Now()})
	}
	return nil
}

func (m *Manager) removeFromRegistry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	if !ok {
		return
	}
	delete(m.pools, id)
	list := m.byType[p.Type]
	for i, q := range list {
		if q.ID == id {
			m.byType[p.Type] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// HealthCheck rescores each pool and returns the aggregate report.
// Per pool the score starts at 1.0 and loses 0.5 for a non-active status,
// 0.3 for a load factor above 0.9, and 0.2 for a failed adapter probe.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	m.mu.RLock()
	poolList := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		poolList = append(poolList, p)
	}
	m.mu.RUnlock()

	// Probe outside the lock; probes hit real backends.
	probeFailed := make(map[string]bool, len(poolList))
	for _, p := range poolList {
		if p.adapter == nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		hs, err := p.adapter.Health(probeCtx)
		cancel()
		if err != nil || !hs.Healthy {
			probeFailed[p.ID] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	report := HealthReport{Pools: make(map[string]Stats, len(m.pools))}
	healthy := 0
	for _, p := range m.pools {
		score := 1.0
		if p.Status != StatusActive {
			score -= 0.5
		}
		if p.LoadFactor() > 0.9 {
			score -= 0.3
		}
		if probeFailed[p.ID] {
			score -= 0.2
		}
		if score < 0 {
			score = 0
		}
		p.HealthScore = score
		if p.healthy(m.cfg.HealthThreshold) {
			healthy++
		}
		report.Pools[p.ID] = p.snapshot()
	}

	report.HealthyPools = healthy
	report.TotalPools = len(m.pools)
	report.Status = aggregateStatus(healthy, len(m.pools))
	return report
}

func aggregateStatus(healthy, total int) AggregateStatus {
	if total == 0 {
		return AggregateHealthy
	}
	ratio := float64(healthy) / float64(total)
	switch {
	case ratio < 0.5:
		return AggregateCritical
	case ratio < 0.8:
		return AggregateDegraded
	default:
		return AggregateHealthy
	}
}

// Optimize adaptively resizes pools: scale up above 0.8 utilization, scale
// down below 0.3, always within [min,max].
func (m *Manager) Optimize() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pools {
		util := p.LoadFactor()
		switch {
		case util > 0.8 && p.size < p.max:
			p.size++
			m.logger.Debug("pool scaled up",
				zap.String("pool_id", p.ID), zap.Int("size", p.size))
		case util < 0.3 && p.size > p.min && p.size > 1:
			p.size--
			m.logger.Debug("pool scaled down",
				zap.String("pool_id", p.ID), zap.Int("size", p.size))
		}
	}
}

// ExecuteWithPool acquires a connection, runs the query through the pool's
// adapter, and releases. Failed attempts retry with exponential backoff
// (100ms base, doubling) when the error is retryable.
func (m *Manager) ExecuteWithPool(ctx context.Context, dbType types.DatabaseKind, query types.QueryRequest, opts ExecOptions) (*types.QueryResult, error) {
	var lastErr error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			m.logger.Warn("pool execution failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", opts.Retries),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := m.executeOnce(ctx, dbType, query, opts.Strategy)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("execution failed after %d retries: %w", opts.Retries, lastErr)
}

func (m *Manager) executeOnce(ctx context.Context, dbType types.DatabaseKind, query types.QueryRequest, strategy Strategy) (*types.QueryResult, error) {
	conn, err := m.Acquire(ctx, dbType, AcquireOptions{Strategy: strategy})
	if err != nil {
		return nil, err
	}
	return m.executeConn(ctx, conn, query)
}

// AcquireFrom leases a connection from one specific pool, bypassing
// strategy selection. Used when routing has already fixed the target.
func (m *Manager) AcquireFrom(ctx context.Context, poolID string) (*Conn, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	p, ok := m.pools[poolID]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "unknown pool").WithResource(poolID)
	}
	if p.Status == StatusShuttingDown {
		return nil, types.NewError(types.ErrCodeInvalidState, "pool is draining").
			WithResource(poolID).WithCause(ErrPoolDraining)
	}
	if !p.healthy(m.cfg.HealthThreshold) {
		return nil, types.NewError(types.ErrCodeUnavailable, "pool below health threshold").
			WithResource(poolID).WithCause(ErrNoHealthyPool)
	}

	if len(p.active) >= p.size {
		if p.size >= p.max {
			return nil, types.NewError(types.ErrCodeCapacity, "pool at maximum connections").
				WithResource(p.ID).WithRetryable(true)
		}
		p.size++
	}

	conn := &Conn{ID: uuid.NewString(), PoolID: p.ID, AcquiredAt: time.Now()}
	p.active[conn.ID] = conn
	p.observeAcquire(time.Since(start))

	return conn, nil
}

// ExecuteOn runs the query through one specific pool's adapter.
func (m *Manager) ExecuteOn(ctx context.Context, poolID string, query types.QueryRequest) (*types.QueryResult, error) {
	conn, err := m.AcquireFrom(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return m.executeConn(ctx, conn, query)
}

func (m *Manager) executeConn(ctx context.Context, conn *Conn, query types.QueryRequest) (*types.QueryResult, error) {
	m.mu.RLock()
	p := m.pools[conn.PoolID]
	m.mu.RUnlock()
	if p == nil || p.adapter == nil {
		_ = m.Release(conn.PoolID, conn, nil)
		return nil, types.NewError(types.ErrCodeInvalidState, "pool has no adapter").WithResource(conn.PoolID)
	}

	start := time.Now()
	var (
		data    any
		rows    int
		execErr error
	)
	if query.IsWrite() {
		var affected int64
		affected, execErr = p.adapter.Execute(ctx, query.Statement, query.Params)
		data = affected
		rows = int(affected)
	} else {
		var out []map[string]any
		out, execErr = p.adapter.Query(ctx, query.Statement, query.Params)
		data = out
		rows = len(out)
	}
	duration := time.Since(start)

	if relErr := m.Release(conn.PoolID, conn, execErr); relErr != nil {
		m.logger.Warn("release failed", zap.Error(relErr))
	}

	if execErr != nil {
		return nil, types.NewError(types.ErrCodeExecution, "engine execution failed").
			WithResource(conn.PoolID).WithRetryable(true).WithCause(execErr)
	}

	return &types.QueryResult{
		Data:     data,
		Rows:     rows,
		Engine:   conn.PoolID,
		Duration: duration,
	}, nil
}

// GetStats snapshots every pool.
func (m *Manager) GetStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.snapshot()
	}
	return out
}

// Adapter returns the adapter backing a pool, if any.
func (m *Manager) Adapter(poolID string) (engine.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, found := m.pools[poolID]
	if !found || p.adapter == nil {
		return nil, false
	}
	return p.adapter, true
}

// Close stops the health loop and disconnects every adapter.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	poolList := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		poolList = append(poolList, p)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	for _, p := range poolList {
		if p.adapter == nil {
			continue
		}
		if err := p.adapter.Disconnect(ctx); err != nil {
			m.logger.Warn("adapter disconnect failed", zap.String("pool_id", p.ID), zap.Error(err))
		}
	}

	m.logger.Info("pool manager closed")
	return nil
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			report := m.HealthCheck(m.ctx)
			m.Optimize()
			m.logger.Debug("pool health check",
				zap.String("status", string(report.Status)),
				zap.Int("healthy", report.HealthyPools),
				zap.Int("total", report.TotalPools),
			)
		}
	}
}
