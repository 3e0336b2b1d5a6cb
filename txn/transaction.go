// Package txn implements the transaction manager: a per-transaction state
// machine with savepoints, single- and two-phase commit across independent
// backends, an advisory lock table for deadlock heuristics, and background
// timeout sweeping.
package txn

import (
	"time"
)

// State is a transaction's position in its lifecycle.
type State string

const (
	StateActive      State = "active"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// Isolation is the requested isolation level, passed through to adapters
// that honor it.
type Isolation string

const (
	IsolationReadCommitted Isolation = "read_committed"
	IsolationRepeatable    Isolation = "repeatable_read"
	IsolationSerializable  Isolation = "serializable"
)

// Op is one logged operation inside a transaction.
type Op struct {
	DatabaseID string    `json:"database_id"`
	Operation  string    `json:"operation"`
	Statement  string    `json:"statement,omitempty"`
	Rows       int       `json:"rows"`
	At         time.Time `json:"at"`
}

// Savepoint is a named marker inside a transaction. Level records the
// stacking depth at creation; rolling back to a savepoint removes every
// savepoint with a deeper level.
type Savepoint struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Level     int       `json:"level"`
}

// Lock is an advisory entry keyed by (databaseID, operation signature).
// It feeds the deadlock heuristic only; nothing blocks on it.
type Lock struct {
	Key        string    `json:"key"`
	TxID       string    `json:"tx_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Transaction is one unit of work. Mutable fields are guarded by the
// owning Manager's lock.
type Transaction struct {
	ID           string
	Databases    []string
	Isolation    Isolation
	Distributed  bool
	State        State
	StartedAt    time.Time
	LastActivity time.Time
	Timeout      time.Duration

	Ops        []Op
	Savepoints map[string]*Savepoint
	Locks      map[string]*Lock
}

// Age is the elapsed time since the transaction began.
func (t *Transaction) Age() time.Duration {
	return time.Since(t.StartedAt)
}

// Expired reports whether the transaction has outlived its timeout.
func (t *Transaction) Expired() bool {
	return t.Timeout > 0 && t.Age() > t.Timeout
}

func (t *Transaction) participates(dbID string) bool {
	for _, id := range t.Databases {
		if id == dbID {
			return true
		}
	}
	return false
}
