// Package pool implements the connection pool manager: pool lifecycle,
// load-balanced acquire/release with failover, health scoring, and
// adaptive resizing.
package pool

import (
	"time"

	"github.com/BaSui01/omnidb/engine"
	"github.com/BaSui01/omnidb/types"
)

// Status is the lifecycle state of a pool.
type Status string

const (
	StatusActive       Status = "active"
	StatusDegraded     Status = "degraded"
	StatusShuttingDown Status = "shutting_down"
)

// Spec describes a pool to create.
type Spec struct {
	// Type classifies the backend instance this pool fronts.
	Type types.DatabaseKind `yaml:"type" json:"type"`

	// Name is a human label; pool ids are generated.
	Name string `yaml:"name" json:"name"`

	// MinConnections / MaxConnections bound the adaptive resize range.
	MinConnections int `yaml:"min_connections" json:"min_connections"`
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// DSN is the backend-specific path or connection string.
	DSN string `yaml:"dsn" json:"dsn"`

	// Weight drives weighted_random selection. 0 means unweighted.
	Weight int `yaml:"weight" json:"weight"`

	// FailoverTarget is another pool's id tried when this pool is unhealthy.
	FailoverTarget string `yaml:"failover_target" json:"failover_target"`

	// Adapter executes operations and health probes. Optional; a pool
	// without an adapter skips probes and cannot serve ExecuteWithPool.
	Adapter engine.Adapter `yaml:"-" json:"-"`
}

// Conn is a connection handle leased from a pool.
type Conn struct {
	ID         string    `json:"id"`
	PoolID     string    `json:"pool_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Pool tracks one backend instance. All mutable fields are guarded by the
// owning Manager's lock.
type Pool struct {
	ID             string
	Type           types.DatabaseKind
	Name           string
	Status         Status
	HealthScore    float64
	Weight         int
	FailoverTarget string

	min  int
	max  int
	size int // provisioned connections, min <= size <= max

	active  map[string]*Conn
	adapter engine.Adapter
	dsn     string

	requests     int64
	successes    int64
	errors       int64
	avgLatencyNs float64

	createdAt time.Time
}

// LoadFactor is active connections over provisioned connections, in [0,1].
func (p *Pool) LoadFactor() float64 {
	if p.size == 0 {
		return 1.0
	}
	lf := float64(len(p.active)) / float64(p.size)
	if lf > 1 {
		lf = 1
	}
	return lf
}

// healthy reports whether the pool qualifies as an acquire candidate.
func (p *Pool) healthy(threshold float64) bool {
	return p.Status == StatusActive && p.HealthScore >= threshold
}

// observeAcquire updates request count and the running average latency.
func (p *Pool) observeAcquire(latency time.Duration) {
	p.requests++
	p.avgLatencyNs += (float64(latency.Nanoseconds()) - p.avgLatencyNs) / float64(p.requests)
}

// Stats is a point-in-time snapshot of one pool.
type Stats struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Type           types.DatabaseKind `json:"type"`
	Status         Status             `json:"status"`
	HealthScore    float64            `json:"health_score"`
	LoadFactor     float64            `json:"load_factor"`
	Active         int                `json:"active"`
	Provisioned    int                `json:"provisioned"`
	MinConnections int                `json:"min_connections"`
	MaxConnections int                `json:"max_connections"`
	Requests       int64              `json:"requests"`
	Successes      int64              `json:"successes"`
	Errors         int64              `json:"errors"`
	AvgLatency     time.Duration      `json:"avg_latency"`
}

func (p *Pool) snapshot() Stats {
	return Stats{
		ID:             p.ID,
		Name:           p.Name,
		Type:           p.Type,
		Status:         p.Status,
		HealthScore:    p.HealthScore,
		LoadFactor:     p.LoadFactor(),
		Active:         len(p.active),
		Provisioned:    p.size,
		MinConnections: p.min,
		MaxConnections: p.max,
		Requests:       p.requests,
		Successes:      p.successes,
		Errors:         p.errors,
		AvgLatency:     time.Duration(p.avgLatencyNs),
	}
}
