package types

import "time"

// Consistency is the read consistency a caller requires.
type Consistency string

const (
	ConsistencyEventual Consistency = "eventual"
	ConsistencyStrong   Consistency = "strong"
)

// Priority orders queries for routing and cache-TTL decisions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// DatabaseKind classifies a backend by its data model.
type DatabaseKind string

const (
	KindRelational DatabaseKind = "relational"
	KindGraph      DatabaseKind = "graph"
	KindVector     DatabaseKind = "vector"
	KindDocument   DatabaseKind = "document"
	KindTimeseries DatabaseKind = "timeseries"
	KindKeyValue   DatabaseKind = "keyvalue"
)

// Capability tags a feature an engine declares support for.
type Capability string

const (
	CapVectorSearch   Capability = "vector_search"
	CapGraphTraversal Capability = "graph_traversal"
	CapFullTextSearch Capability = "full_text_search"
	CapTransactions   Capability = "transactions"
	CapSavepoints     Capability = "savepoints"
	CapSQL            Capability = "sql"
	CapKeyValue       Capability = "key_value"
)

// RoutingHints narrow the set of engines a query may execute on.
type RoutingHints struct {
	PreferredEngines     []string     `json:"preferred_engines,omitempty"`
	ExcludedEngines      []string     `json:"excluded_engines,omitempty"`
	RequiredCapabilities []Capability `json:"required_capabilities,omitempty"`
}

// OptimizationMeta is attached to a query by the optimizer. It never
// participates in cache signatures.
type OptimizationMeta struct {
	AppliedRules    []string `json:"applied_rules,omitempty"`
	Approximate     bool     `json:"approximate,omitempty"`
	MaxDepth        int      `json:"max_depth,omitempty"`
	PlanningEnabled bool     `json:"planning_enabled,omitempty"`
	IndexHints      []string `json:"index_hints,omitempty"`
	Batched         bool     `json:"batched,omitempty"`
	EngineShortlist []string `json:"engine_shortlist,omitempty"`
}

// QueryRequest is an opaque logical operation routed to a capable engine.
// Operation names are free-form ("find", "insert", "vector_search", ...);
// the layer never parses a concrete query grammar.
type QueryRequest struct {
	Operation   string            `json:"operation"`
	Statement   string            `json:"statement,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	Consistency Consistency       `json:"consistency,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
	Routing     RoutingHints      `json:"routing,omitempty"`
	Opt         *OptimizationMeta `json:"-"`
}

// IsWrite reports whether the operation mutates state. Used for adaptive
// cache TTLs and index-hint derivation.
func (q *QueryRequest) IsWrite() bool {
	switch q.Operation {
	case "insert", "update", "delete", "upsert", "write", "execute":
		return true
	}
	return false
}

// QueryResult is the outcome of one executed logical operation.
type QueryResult struct {
	Data     any           `json:"data,omitempty"`
	Rows     int           `json:"rows,omitempty"`
	Engine   string        `json:"engine,omitempty"`
	Cached   bool          `json:"cached"`
	Duration time.Duration `json:"duration"`
}
