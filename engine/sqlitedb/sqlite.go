// Package sqlitedb adapts a SQLite database to the engine contract. It is
// the reference relational adapter: raw SQL statements in, generic row
// maps out, with transaction and savepoint support on top of gorm.
package sqlitedb

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/omnidb/engine"
)

// savepoint names reach SQL as identifiers; anything else is rejected.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Adapter implements engine.Adapter, engine.TxAdapter and
// engine.SavepointAdapter over a SQLite file or :memory: database.
type Adapter struct {
	dsn    string
	logger *zap.Logger

	mu  sync.Mutex
	db  *gorm.DB
	txs map[string]*gorm.DB // txID -> open session
}

var (
	_ engine.Adapter          = (*Adapter)(nil)
	_ engine.TxAdapter        = (*Adapter)(nil)
	_ engine.SavepointAdapter = (*Adapter)(nil)
)

// New creates an adapter for the given DSN. Use ":memory:" for an
// in-memory database.
func New(dsn string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		dsn:    dsn,
		logger: logger.With(zap.String("component", "sqlite_adapter"), zap.String("dsn", dsn)),
		txs:    make(map[string]*gorm.DB),
	}
}

// Connect opens the database.
func (a *Adapter) Connect(ctx context.Context) error {
	db, err := gorm.Open(sqlite.Open(a.dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return fmt.Errorf("opening sqlite %s: %w", a.dsn, err)
	}

	a.mu.Lock()
	a.db = db
	a.mu.Unlock()

	a.logger.Debug("sqlite connected")
	return nil
}

// Disconnect rolls back any open transactions and closes the database.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	db := a.db
	a.db = nil
	for id, tx := range a.txs {
		tx.Rollback()
		delete(a.txs, id)
	}
	a.mu.Unlock()

	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Query runs a SQL statement and returns the rows as generic maps. Params
// bind as named arguments (@name).
func (a *Adapter) Query(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error) {
	db, err := a.session()
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	q := db.WithContext(ctx).Raw(statement, namedArgs(params)...)
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// Execute runs a mutating SQL statement and returns the affected rows.
func (a *Adapter) Execute(ctx context.Context, statement string, params map[string]any) (int64, error) {
	db, err := a.session()
	if err != nil {
		return 0, err
	}

	res := db.WithContext(ctx).Exec(statement, namedArgs(params)...)
	if res.Error != nil {
		return 0, fmt.Errorf("sqlite exec: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Health pings the database and reports the round-trip latency.
func (a *Adapter) Health(ctx context.Context) (engine.HealthStatus, error) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return engine.HealthStatus{Healthy: false, Message: "not connected"}, nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return engine.HealthStatus{Healthy: false, Message: err.Error()}, err
	}

	start := time.Now()
	if err := sqlDB.PingContext(ctx); err != nil {
		return engine.HealthStatus{Healthy: false, Message: err.Error()}, err
	}
	return engine.HealthStatus{Healthy: true, Latency: time.Since(start)}, nil
}

// ConnectionStats reports the underlying sql.DB pool counters.
func (a *Adapter) ConnectionStats(ctx context.Context) (engine.ConnectionStats, error) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return engine.ConnectionStats{}, fmt.Errorf("not connected")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return engine.ConnectionStats{}, err
	}
	s := sqlDB.Stats()
	return engine.ConnectionStats{
		Total:  s.OpenConnections,
		Active: s.InUse,
		Idle:   s.Idle,
	}, nil
}

// PrepareTransaction opens a session for the transaction id. SQLite has
// no native prepare vote; an open session that accepted BEGIN is the yes
// vote.
func (a *Adapter) PrepareTransaction(ctx context.Context, txID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db == nil {
		return fmt.Errorf("not connected")
	}
	if _, open := a.txs[txID]; open {
		return fmt.Errorf("transaction %s already prepared", txID)
	}

	tx := a.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin: %w", tx.Error)
	}
	a.txs[txID] = tx
	return nil
}

// CommitTransaction commits the session opened by PrepareTransaction.
func (a *Adapter) CommitTransaction(ctx context.Context, txID string) error {
	a.mu.Lock()
	tx, ok := a.txs[txID]
	delete(a.txs, txID)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("no prepared transaction %s", txID)
	}
	return tx.Commit().Error
}

// RollbackTransaction discards the session. Unknown ids are a no-op so
// rollback stays safe to call after a failed prepare.
func (a *Adapter) RollbackTransaction(ctx context.Context, txID string) error {
	a.mu.Lock()
	tx, ok := a.txs[txID]
	delete(a.txs, txID)
	a.mu.Unlock()

	if !ok {
		return nil
	}
	return tx.Rollback().Error
}

// CreateSavepoint issues SAVEPOINT inside the transaction's session, or on
// the base connection when none is open yet.
func (a *Adapter) CreateSavepoint(ctx context.Context, txID, name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	db, err := a.txOrBase(txID)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec("SAVEPOINT " + name).Error
}

// RollbackToSavepoint issues ROLLBACK TO SAVEPOINT.
func (a *Adapter) RollbackToSavepoint(ctx context.Context, txID, name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	db, err := a.txOrBase(txID)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec("ROLLBACK TO SAVEPOINT " + name).Error
}

func (a *Adapter) session() (*gorm.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, fmt.Errorf("not connected")
	}
	return a.db, nil
}

func (a *Adapter) txOrBase(txID string) (*gorm.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tx, ok := a.txs[txID]; ok {
		return tx, nil
	}
	if a.db == nil {
		return nil, fmt.Errorf("not connected")
	}
	return a.db, nil
}

// namedArgs converts the params map into gorm named arguments.
func namedArgs(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	m := make(map[string]any, len(params))
	for k, v := range params {
		m[k] = v
	}
	return []any{m}
}
