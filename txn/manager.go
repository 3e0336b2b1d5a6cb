package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/engine"
	"github.com/BaSui01/omnidb/types"
)

var (
	ErrManagerClosed = errors.New("transaction manager is closed")
	ErrTxNotActive   = errors.New("transaction is not active")
)

// Resolver maps a database id to its engine adapter. Implemented by the
// coordinator's engine registry.
type Resolver interface {
	Resolve(dbID string) (engine.Adapter, error)
}

// Options tune one transaction.
type Options struct {
	Isolation Isolation
	// Timeout overrides the configured default when positive.
	Timeout time.Duration
}

// Stats are the manager's running totals.
type Stats struct {
	Active      int           `json:"active"`
	Begun       int64         `json:"begun"`
	Committed   int64         `json:"committed"`
	RolledBack  int64         `json:"rolled_back"`
	Distributed int64         `json:"distributed"`
	Deadlocked  int64         `json:"deadlocked"`
	TimedOut    int64         `json:"timed_out"`
	AvgCommit   time.Duration `json:"avg_commit"`
	AvgRollback time.Duration `json:"avg_rollback"`
}

// Manager owns the active-transaction registry, the advisory lock table,
// and the deadlock/timeout sweeps.
type Manager struct {
	cfg      config.TxConfig
	resolver Resolver
	logger   *zap.Logger
	bus      *types.Bus

	mu     sync.RWMutex
	txns   map[string]*Transaction
	locks  map[string]*Lock // global advisory table, key -> lock
	closed bool

	begun         int64
	committed     int64
	rolledBack    int64
	distributed   int64
	deadlocked    int64
	timedOut      int64
	avgCommitNs   float64
	avgRollbackNs float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a transaction manager and starts its sweep loop when
// SweepInterval is positive.
func NewManager(cfg config.TxConfig, resolver Resolver, bus *types.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "tx_manager")),
		bus:      bus,
		txns:     make(map[string]*Transaction),
		locks:    make(map[string]*Lock),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}

	return m
}

// Begin creates a transaction over the given database ids. The transaction
// is distributed iff more than one id participates.
func (m *Manager) Begin(ctx context.Context, dbIDs []string, opts Options) (string, error) {
	if len(dbIDs) == 0 {
		return "", types.NewError(types.ErrCodeConfig, "transaction requires at least one database")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	isolation := opts.Isolation
	if isolation == "" {
		isolation = IsolationReadCommitted
	}

	now := time.Now()
	tx := &Transaction{
		ID:           uuid.NewString(),
		Databases:    append([]string(nil), dbIDs...),
		Isolation:    isolation,
		Distributed:  len(dbIDs) > 1,
		State:        StateActive,
		StartedAt:    now,
		LastActivity: now,
		Timeout:      timeout,
		Savepoints:   make(map[string]*Savepoint),
		Locks:        make(map[string]*Lock),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	m.txns[tx.ID] = tx
	m.begun++
	if tx.Distributed {
		m.distributed++
	}
	m.mu.Unlock()

	m.logger.Debug("transaction begun",
		zap.String("tx_id", tx.ID),
		zap.Strings("databases", dbIDs),
		zap.Bool("distributed", tx.Distributed),
	)
	return tx.ID, nil
}

// Execute runs one operation inside the transaction and appends it to the
// op-log. A transaction past its timeout is rolled back automatically
// before the timeout error is returned.
func (m *Manager) Execute(ctx context.Context, txID, dbID string, query types.QueryRequest) (*types.QueryResult, error) {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrCodeNotFound, "unknown transaction").WithResource(txID)
	}
	if tx.State != StateActive {
		state := tx.State
		m.mu.Unlock()
		return nil, types.NewError(types.ErrCodeInvalidState,
			fmt.Sprintf("transaction is %s", state)).WithResource(txID).WithCause(ErrTxNotActive)
	}
	if !tx.participates(dbID) {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrCodeNotFound, "database not part of transaction").
			WithResource(dbID)
	}
	if tx.Expired() {
		m.mu.Unlock()
		// Automatic rollback is a side effect of the timeout check.
		if err := m.rollback(ctx, txID, "timeout"); err != nil {
			m.logger.Warn("timeout rollback failed", zap.String("tx_id", txID), zap.Error(err))
		}
		m.bumpTimedOut()
		return nil, types.NewError(types.ErrCodeTxTimeout, "transaction timed out").WithResource(txID)
	}

	if m.cfg.DeadlockDetection {
		m.registerLockLocked(tx, dbID, query)
	}
	m.mu.Unlock()

	adapter, err := m.resolver.Resolve(dbID)
	if err != nil {
		return nil, types.NewError(types.ErrCodeNotFound, "unknown database").
			WithResource(dbID).WithCause(err)
	}

	// Suspend point: the engine call runs without the manager lock so other
	// transactions keep making progress.
	start := time.Now()
	var (
		data    any
		rows    int
		execErr error
	)
	if query.IsWrite() {
		var affected int64
		affected, execErr = adapter.Execute(ctx, query.Statement, query.Params)
		data = affected
		rows = int(affected)
	} else {
		var out []map[string]any
		out, execErr = adapter.Query(ctx, query.Statement, query.Params)
		data = out
		rows = len(out)
	}
	duration := time.Since(start)

	if execErr != nil {
		return nil, types.NewError(types.ErrCodeExecution, "engine execution failed").
			WithResource(dbID).WithCause(execErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The transaction may have been swept while the call was in flight; the
	// downstream result is drained but not logged.
	if tx.State != StateActive {
		return nil, types.NewError(types.ErrCodeInvalidState,
			fmt.Sprintf("transaction is %s", tx.State)).WithResource(txID).WithCause(ErrTxNotActive)
	}
	tx.Ops = append(tx.Ops, Op{
		DatabaseID: dbID,
		Operation:  query.Operation,
		Statement:  query.Statement,
		Rows:       rows,
		At:         time.Now(),
	})
	tx.LastActivity = time.Now()

	return &types.QueryResult{Data: data, Rows: rows, Engine: dbID, Duration: duration}, nil
}

// registerLockLocked registers an advisory lock when the key is free or
// already held by this transaction. Held-by-other keys are left alone:
// the table detects age, it never blocks. Caller holds m.mu.
func (m *Manager) registerLockLocked(tx *Transaction, dbID string, query types.QueryRequest) {
	key := dbID + ":" + query.Operation + ":" + query.Statement
	if existing, held := m.locks[key]; held && existing.TxID != tx.ID {
		return
	}
	if _, mine := tx.Locks[key]; mine {
		return
	}
	lock := &Lock{Key: key, TxID: tx.ID, AcquiredAt: time.Now()}
	m.locks[key] = lock
	tx.Locks[key] = lock
}

// CreateSavepoint records a named savepoint at the current nesting depth,
// plus an engine-level savepoint on every participant that supports them.
func (m *Manager) CreateSavepoint(ctx context.Context, txID, name string) error {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "unknown transaction").WithResource(txID)
	}
	if tx.State != StateActive {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidState,
			fmt.Sprintf("transaction is %s", tx.State)).WithResource(txID)
	}
	if _, exists := tx.Savepoints[name]; exists {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidState, "savepoint already exists").WithResource(name)
	}
	tx.Savepoints[name] = &Savepoint{
		Name:      name,
		CreatedAt: time.Now(),
		Level:     len(tx.Savepoints),
	}
	databases := append([]string(nil), tx.Databases...)
	m.mu.Unlock()

	for _, dbID := range databases {
		adapter, err := m.resolver.Resolve(dbID)
		if err != nil {
			continue
		}
		if sa, ok := adapter.(engine.SavepointAdapter); ok {
			if err := sa.CreateSavepoint(ctx, txID, name); err != nil {
				m.logger.Warn("engine savepoint failed",
					zap.String("tx_id", txID), zap.String("database", dbID), zap.Error(err))
			}
		}
	}
	return nil
}

// RollbackToSavepoint truncates the op-log to entries at or before the
// savepoint, removes every deeper-nested savepoint, and invokes
// engine-level savepoint rollback on supporting participants.
func (m *Manager) RollbackToSavepoint(ctx context.Context, txID, name string) error {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "unknown transaction").WithResource(txID)
	}
	if tx.State != StateActive {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidState,
			fmt.Sprintf("transaction is %s", tx.State)).WithResource(txID)
	}
	sp, ok := tx.Savepoints[name]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "unknown savepoint").WithResource(name)
	}

	kept := tx.Ops[:0]
	for _, op := range tx.Ops {
		if !op.At.After(sp.CreatedAt) {
			kept = append(kept, op)
		}
	}
	tx.Ops = kept

	for spName, other := range tx.Savepoints {
		if other.Level > sp.Level {
			delete(tx.Savepoints, spName)
		}
	}
	databases := append([]string(nil), tx.Databases...)
	m.mu.Unlock()

	for _, dbID := range databases {
		adapter, err := m.resolver.Resolve(dbID)
		if err != nil {
			continue
		}
		if sa, ok := adapter.(engine.SavepointAdapter); ok {
			if err := sa.RollbackToSavepoint(ctx, txID, name); err != nil {
				m.logger.Warn("engine savepoint rollback failed",
					zap.String("tx_id", txID), zap.String("database", dbID), zap.Error(err))
			}
		}
	}
	return nil
}

// Commit commits the transaction: directly for a single participant,
// via two-phase commit for several. A prepare failure rolls every
// participant back and the transaction ends failed, never partially
// committed.
func (m *Manager) Commit(ctx context.Context, txID string) error {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "unknown transaction").WithResource(txID)
	}
	if tx.State != StateActive {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidState,
			fmt.Sprintf("transaction is %s", tx.State)).WithResource(txID).WithCause(ErrTxNotActive)
	}
	tx.State = StateCommitting
	m.mu.Unlock()

	start := time.Now()
	var err error
	if tx.Distributed {
		err = m.commitDistributed(ctx, tx)
	} else {
		err = m.commitSingle(ctx, tx)
	}
	duration := time.Since(start)

	if err != nil {
		m.finish(tx, StateFailed)
		return err
	}

	m.mu.Lock()
	m.committed++
	m.avgCommitNs += (float64(duration.Nanoseconds()) - m.avgCommitNs) / float64(m.committed)
	m.mu.Unlock()

	m.finish(tx, StateCommitted)
	if m.bus != nil {
		m.bus.Publish(types.TransactionCommitted{
			TxID:        tx.ID,
			Distributed: tx.Distributed,
			Duration:    duration,
			At:          time.Now(),
		})
	}
	m.logger.Debug("transaction committed",
		zap.String("tx_id", tx.ID), zap.Duration("duration", duration))
	return nil
}

func (m *Manager) commitSingle(ctx context.Context, tx *Transaction) error {
	adapter, err := m.resolver.Resolve(tx.Databases[0])
	if err != nil {
		return types.NewError(types.ErrCodeNotFound, "unknown database").
			WithResource(tx.Databases[0]).WithCause(err)
	}
	ta, ok := adapter.(engine.TxAdapter)
	if !ok {
		// Backends without transaction support commit trivially.
		return nil
	}
	if err := ta.PrepareTransaction(ctx, tx.ID); err != nil {
		_ = ta.RollbackTransaction(ctx, tx.ID)
		return types.NewError(types.ErrCodeExecution, "commit failed").
			WithResource(tx.Databases[0]).WithCause(err)
	}
	if err := ta.CommitTransaction(ctx, tx.ID); err != nil {
		return types.NewError(types.ErrCodeExecution, "commit failed").
			WithResource(tx.Databases[0]).WithCause(err)
	}
	return nil
}

// Rollback rolls the transaction back on every participant, best effort.
// The transaction ends rolled_back, or failed when rollback itself errors.
func (m *Manager) Rollback(ctx context.Context, txID string) error {
	return m.rollback(ctx, txID, "caller")
}

func (m *Manager) rollback(ctx context.Context, txID, reason string) error {
	m.mu.Lock()
	tx, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "unknown transaction").WithResource(txID)
	}
	if tx.State.Terminal() {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidState,
			fmt.Sprintf("transaction is %s", tx.State)).WithResource(txID)
	}
	tx.State = StateRollingBack
	m.mu.Unlock()

	start := time.Now()
	rollbackErr := m.rollbackParticipants(ctx, tx)
	duration := time.Since(start)

	final := StateRolledBack
	if rollbackErr != nil {
		final = StateFailed
	}

	m.mu.Lock()
	m.rolledBack++
	m.avgRollbackNs += (float64(duration.Nanoseconds()) - m.avgRollbackNs) / float64(m.rolledBack)
	m.mu.Unlock()

	m.finish(tx, final)
	if m.bus != nil {
		m.bus.Publish(types.TransactionRolledBack{TxID: tx.ID, Reason: reason, At: time.Now()})
	}
	m.logger.Debug("transaction rolled back",
		zap.String("tx_id", tx.ID), zap.String("reason", reason))

	if rollbackErr != nil {
		return types.NewError(types.ErrCodeExecution, "rollback failed").
			WithResource(txID).WithCause(rollbackErr)
	}
	return nil
}

// finish moves the transaction to a terminal state, releases its advisory
// locks, and garbage-collects it from the active registry.
func (m *Manager) finish(tx *Transaction, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.State = state
	for key := range tx.Locks {
		if held, ok := m.locks[key]; ok && held.TxID == tx.ID {
			delete(m.locks, key)
		}
	}
	tx.Locks = make(map[string]*Lock)
	delete(m.txns, tx.ID)
}

// Get returns a snapshot view of an active transaction.
func (m *Manager) Get(txID string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txns[txID]
	return tx, ok
}

// GetStats returns the manager's running totals.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Active:      len(m.txns),
		Begun:       m.begun,
		Committed:   m.committed,
		RolledBack:  m.rolledBack,
		Distributed: m.distributed,
		Deadlocked:  m.deadlocked,
		TimedOut:    m.timedOut,
		AvgCommit:   time.Duration(m.avgCommitNs),
		AvgRollback: time.Duration(m.avgRollbackNs),
	}
}

func (m *Manager) bumpTimedOut() {
	m.mu.Lock()
	m.timedOut++
	m.mu.Unlock()
}

// Close stops the sweeps and force-rolls-back any remaining active
// transactions.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	remaining := make([]string, 0, len(m.txns))
	for id := range m.txns {
		remaining = append(remaining, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	for _, id := range remaining {
		if err := m.rollback(ctx, id, "shutdown"); err != nil {
			m.logger.Warn("shutdown rollback failed", zap.String("tx_id", id), zap.Error(err))
		}
	}

	m.logger.Info("transaction manager closed")
	return nil
}

// =============================================================================
// Background sweeps
// =============================================================================

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.cfg.DeadlockDetection {
				m.sweepDeadlocks()
			}
			m.sweepTimeouts()
		}
	}
}

// sweepDeadlocks applies the age-based heuristic: an active transaction
// still holding locks after 2× the default timeout is presumed deadlocked.
// One victim is rolled back per sweep, chosen by the configured policy.
// This is a liveness safeguard, not a wait-for-graph detector.
func (m *Manager) sweepDeadlocks() {
	threshold := 2 * m.cfg.DefaultTimeout

	m.mu.RLock()
	candidates := make([]*Transaction, 0)
	for _, tx := range m.txns {
		if tx.State == StateActive && len(tx.Locks) > 0 && tx.Age() > threshold {
			candidates = append(candidates, tx)
		}
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if m.cfg.DeadlockVictim == "youngest" {
			return candidates[i].StartedAt.After(candidates[j].StartedAt)
		}
		return candidates[i].StartedAt.Before(candidates[j].StartedAt)
	})
	victim := candidates[0]

	m.logger.Warn("deadlock heuristic triggered",
		zap.String("tx_id", victim.ID),
		zap.Int("held_locks", len(victim.Locks)),
		zap.Duration("age", victim.Age()),
		zap.String("policy", m.cfg.DeadlockVictim),
	)
	if m.bus != nil {
		m.bus.Publish(types.DeadlockVictim{
			TxID:      victim.ID,
			HeldLocks: len(victim.Locks),
			Age:       victim.Age(),
			At:        time.Now(),
		})
	}

	if err := m.rollback(m.ctx, victim.ID, "deadlock"); err != nil {
		m.logger.Warn("deadlock rollback failed", zap.String("tx_id", victim.ID), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.deadlocked++
	m.mu.Unlock()
}

// sweepTimeouts force-rolls-back active transactions past the configured
// maximum duration.
func (m *Manager) sweepTimeouts() {
	m.mu.RLock()
	expired := make([]string, 0)
	for _, tx := range m.txns {
		if tx.State == StateActive && tx.Age() > m.cfg.MaxDuration {
			expired = append(expired, tx.ID)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if err := m.rollback(m.ctx, id, "timeout"); err != nil {
			m.logger.Warn("timeout rollback failed", zap.String("tx_id", id), zap.Error(err))
			continue
		}
		m.bumpTimedOut()
	}
}
