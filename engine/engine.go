// Package engine defines the downstream contract every concrete backend
// adapter implements, plus optional transaction and savepoint extensions
// discovered by type assertion.
package engine

import (
	"context"
	"time"
)

// Adapter is the minimal surface the coordination layer expects from a
// backend. Statements are opaque; the layer never parses them.
type Adapter interface {
	// Connect establishes the underlying client. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect releases the underlying client. Idempotent.
	Disconnect(ctx context.Context) error

	// Query runs a read operation and returns rows as generic maps.
	Query(ctx context.Context, statement string, params map[string]any) ([]map[string]any, error)

	// Execute runs a write operation and returns the affected row count.
	Execute(ctx context.Context, statement string, params map[string]any) (int64, error)

	// Health probes the backend.
	Health(ctx context.Context) (HealthStatus, error)

	// ConnectionStats reports the adapter's own connection usage.
	ConnectionStats(ctx context.Context) (ConnectionStats, error)
}

// TxAdapter is implemented by adapters that can participate in
// two-phase commit. Prepare must leave the work durable enough that a
// later Commit cannot fail for the same reason Prepare would have.
type TxAdapter interface {
	PrepareTransaction(ctx context.Context, txID string) error
	CommitTransaction(ctx context.Context, txID string) error
	RollbackTransaction(ctx context.Context, txID string) error
}

// SavepointAdapter is implemented by adapters with native savepoints.
type SavepointAdapter interface {
	CreateSavepoint(ctx context.Context, txID, name string) error
	RollbackToSavepoint(ctx context.Context, txID, name string) error
}

// HealthStatus is the result of a backend probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// ConnectionStats reports adapter-side connection usage.
type ConnectionStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
}
