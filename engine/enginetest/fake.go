// Package enginetest provides a scriptable in-memory adapter used by the
// coordination-layer tests: failure injection per method, a call log, and
// a tiny key-value store behind Query/Execute.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/omnidb/engine"
)

// Call records one adapter invocation.
type Call struct {
	Method    string
	TxID      string
	Savepoint string
	Statement string
}

// Fake implements engine.Adapter, engine.TxAdapter and
// engine.SavepointAdapter with injectable failures.
type Fake struct {
	mu    sync.Mutex
	data  map[string]any
	calls []Call

	// Failure injection: set an error to make the named method fail.
	FailConnect  error
	FailQuery    error
	FailExecute  error
	FailPrepare  error
	FailCommit   error
	FailRollback error
	FailHealth   error

	// Latency simulates a slow backend on Query/Execute.
	Latency time.Duration

	connected bool
	prepared  map[string]bool
}

var (
	_ engine.Adapter          = (*Fake)(nil)
	_ engine.TxAdapter        = (*Fake)(nil)
	_ engine.SavepointAdapter = (*Fake)(nil)
)

// New creates an empty fake adapter.
func New() *Fake {
	return &Fake{
		data:     make(map[string]any),
		prepared: make(map[string]bool),
	}
}

func (f *Fake) record(c Call) {
	f.calls = append(f.calls, c)
}

// Calls returns a copy of the call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns how many times the named method was invoked.
func (f *Fake) CallsTo(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Connect implements engine.Adapter.
func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "connect"})
	if f.FailConnect != nil {
		return f.FailConnect
	}
	f.connected = true
	return nil
}

// Disconnect implements engine.Adapter.
func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "disconnect"})
	f.connected = false
	return nil
}

// Query implements engine.Adapter. The statement is used as a lookup key.
func (f *Fake) Query(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error) {
	if f.Latency > 0 {
		select {
		case <-time.After(f.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "query", Statement: statement})
	if f.FailQuery != nil {
		return nil, f.FailQuery
	}
	if v, ok := f.data[statement]; ok {
		return []map[string]any{{"key": statement, "value": v}}, nil
	}
	return []map[string]any{}, nil
}

// Execute implements engine.Adapter. Params["key"]/["value"] mutate the store.
func (f *Fake) Execute(ctx context.Context, statement string, params map[string]any) (int64, error) {
	if f.Latency > 0 {
		select {
		case <-time.After(f.Latency):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "execute", Statement: statement})
	if f.FailExecute != nil {
		return 0, f.FailExecute
	}
	if key, ok := params["key"].(string); ok {
		f.data[key] = params["value"]
	}
	return 1, nil
}

// Health implements engine.Adapter.
func (f *Fake) Health(ctx context.Context) (engine.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "health"})
	if f.FailHealth != nil {
		return engine.HealthStatus{Healthy: false, Message: f.FailHealth.Error()}, f.FailHealth
	}
	return engine.HealthStatus{Healthy: true, Latency: f.Latency}, nil
}

// ConnectionStats implements engine.Adapter.
func (f *Fake) ConnectionStats(ctx context.Context) (engine.ConnectionStats, error) {
	return engine.ConnectionStats{Total: 1, Active: 0, Idle: 1}, nil
}

// PrepareTransaction implements engine.TxAdapter.
func (f *Fake) PrepareTransaction(ctx context.Context, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "prepare", TxID: txID})
	if f.FailPrepare != nil {
		return f.FailPrepare
	}
	f.prepared[txID] = true
	return nil
}

// CommitTransaction implements engine.TxAdapter.
func (f *Fake) CommitTransaction(ctx context.Context, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "commit", TxID: txID})
	if f.FailCommit != nil {
		return f.FailCommit
	}
	if !f.prepared[txID] {
		return fmt.Errorf("commit without prepare for %s", txID)
	}
	delete(f.prepared, txID)
	return nil
}

// RollbackTransaction implements engine.TxAdapter.
func (f *Fake) RollbackTransaction(ctx context.Context, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "rollback", TxID: txID})
	delete(f.prepared, txID)
	if f.FailRollback != nil {
		return f.FailRollback
	}
	return nil
}

// CreateSavepoint implements engine.SavepointAdapter.
func (f *Fake) CreateSavepoint(ctx context.Context, txID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "create_savepoint", TxID: txID, Savepoint: name})
	return nil
}

// RollbackToSavepoint implements engine.SavepointAdapter.
func (f *Fake) RollbackToSavepoint(ctx context.Context, txID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "rollback_savepoint", TxID: txID, Savepoint: name})
	return nil
}
