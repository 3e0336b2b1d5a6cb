package types

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is the closed set of state-change notifications published by the
// managers. Consumers receive them through an Observer registered on a Bus;
// publishing never blocks state mutation.
type Event interface {
	// Kind returns the stable event name used in logs and metrics.
	Kind() string

	isEvent()
}

// PoolCreated is emitted after a pool is registered.
type PoolCreated struct {
	PoolID   string
	PoolType DatabaseKind
	At       time.Time
}

// PoolRemoved is emitted after a pool has drained and been deregistered.
type PoolRemoved struct {
	PoolID string
	At     time.Time
}

// TransactionCommitted is emitted when a transaction reaches committed.
type TransactionCommitted struct {
	TxID        string
	Distributed bool
	Duration    time.Duration
	At          time.Time
}

// TransactionRolledBack is emitted when a transaction reaches rolled_back
// or failed. Reason is one of "caller", "timeout", "deadlock", "prepare".
type TransactionRolledBack struct {
	TxID   string
	Reason string
	At     time.Time
}

// DeadlockVictim is emitted when the deadlock sweep force-rolls-back a
// transaction. Purely informational; the victim discovers it via a
// subsequent INVALID_STATE error.
type DeadlockVictim struct {
	TxID      string
	HeldLocks int
	Age       time.Duration
	At        time.Time
}

// AlertRaised is emitted when the monitor crosses a configured threshold.
type AlertRaised struct {
	Severity string
	Metric   string
	EngineID string
	Value    float64
	Limit    float64
	At       time.Time
}

func (PoolCreated) Kind() string           { return "pool_created" }
func (PoolRemoved) Kind() string           { return "pool_removed" }
func (TransactionCommitted) Kind() string  { return "transaction_committed" }
func (TransactionRolledBack) Kind() string { return "transaction_rolled_back" }
func (DeadlockVictim) Kind() string        { return "deadlock_victim" }
func (AlertRaised) Kind() string           { return "alert_raised" }

func (PoolCreated) isEvent()           {}
func (PoolRemoved) isEvent()           {}
func (TransactionCommitted) isEvent()  {}
func (TransactionRolledBack) isEvent() {}
func (DeadlockVictim) isEvent()        {}
func (AlertRaised) isEvent()           {}

// Observer consumes events. OnEvent must not block; slow consumers should
// hand off to their own goroutine.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Bus fans events out to registered observers through a buffered channel.
// Publish never blocks: when the buffer is full the event is dropped and
// counted, so a stalled consumer cannot wedge a manager.
type Bus struct {
	ch        chan Event
	mu        sync.RWMutex
	observers []Observer
	dropped   atomic.Int64
	closed    atomic.Bool
	done      chan struct{}
	logger    *zap.Logger
}

// NewBus creates a Bus with the given buffer size and starts its dispatch
// goroutine. A size of 0 falls back to 256.
func NewBus(size int, logger *zap.Logger) *Bus {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		ch:     make(chan Event, size),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "event_bus")),
	}
	go b.dispatch()
	return b
}

// Subscribe registers an observer for all subsequent events.
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish enqueues an event, dropping it if the buffer is full. The read
// lock pairs with the write lock in Close so a send never races the
// channel close.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded due to buffer pressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops dispatch after draining already-queued events. The write
// lock excludes in-flight publishers before the channel closes.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	close(b.ch)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.ch {
		b.mu.RLock()
		observers := b.observers
		b.mu.RUnlock()
		for _, o := range observers {
			o.OnEvent(e)
		}
	}
}
