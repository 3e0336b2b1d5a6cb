package optimizer

import (
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/omnidb/types"
)

// RuleCategory classifies what a rule changes.
type RuleCategory string

const (
	CategoryCaching         RuleCategory = "caching"
	CategoryRouting         RuleCategory = "routing"
	CategoryRewriting       RuleCategory = "rewriting"
	CategoryParallelization RuleCategory = "parallelization"
	CategoryIndexing        RuleCategory = "indexing"
)

// Impact is a rule's expected effect size, reported in recommendations.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// defaultGraphDepth bounds traversals that arrive without an explicit one.
const defaultGraphDepth = 5

// EngineRanker supplies engine ids ordered by ascending historical average
// latency. Implemented by the coordinator's monitor; nil disables
// latency-aware rules.
type EngineRanker interface {
	EnginesByLatency() []string
}

// ruleContext carries the evidence a predicate may consult.
type ruleContext struct {
	signature string // pattern signature of the current query
	history   []Execution
	ranker    EngineRanker
	now       time.Time

	batchWindow    time.Duration
	batchThreshold int
}

// Rule is one ordered (predicate, transform) pair. Every matching rule is
// applied in sequence and its name recorded on the query's optimization
// metadata.
type Rule struct {
	Name     string
	Category RuleCategory
	Impact   Impact
	Applies  func(q *types.QueryRequest, ctx *ruleContext) bool
	Apply    func(q *types.QueryRequest, ctx *ruleContext)
}

// baselineRules returns the built-in rule set, in application order.
func baselineRules() []Rule {
	return []Rule{
		{
			Name:     "vector_engine_bias",
			Category: CategoryRouting,
			Impact:   ImpactHigh,
			Applies: func(q *types.QueryRequest, _ *ruleContext) bool {
				if strings.Contains(q.Operation, "vector") {
					return true
				}
				for _, cap := range q.Routing.RequiredCapabilities {
					if cap == types.CapVectorSearch {
						return true
					}
				}
				return false
			},
			Apply: func(q *types.QueryRequest, _ *ruleContext) {
				if !hasCapability(q.Routing.RequiredCapabilities, types.CapVectorSearch) {
					q.Routing.RequiredCapabilities = append(q.Routing.RequiredCapabilities, types.CapVectorSearch)
				}
				// Approximate nearest-neighbor is acceptable below critical
				// priority.
				if q.Priority != types.PriorityCritical {
					q.Opt.Approximate = true
				}
			},
		},
		{
			Name:     "graph_depth_bound",
			Category: CategoryRewriting,
			Impact:   ImpactMedium,
			Applies: func(q *types.QueryRequest, _ *ruleContext) bool {
				return strings.Contains(q.Operation, "graph") || strings.Contains(q.Operation, "traverse")
			},
			Apply: func(q *types.QueryRequest, _ *ruleContext) {
				if q.Opt.MaxDepth == 0 {
					q.Opt.MaxDepth = defaultGraphDepth
				}
				q.Opt.PlanningEnabled = true
			},
		},
		{
			Name:     "batch_coalescing",
			Category: CategoryParallelization,
			Impact:   ImpactMedium,
			Applies: func(_ *types.QueryRequest, ctx *ruleContext) bool {
				return identicalInWindow(ctx) >= ctx.batchThreshold
			},
			Apply: func(q *types.QueryRequest, _ *ruleContext) {
				q.Opt.Batched = true
			},
		},
		{
			Name:     "index_hints",
			Category: CategoryIndexing,
			Impact:   ImpactLow,
			Applies: func(q *types.QueryRequest, _ *ruleContext) bool {
				return !q.IsWrite() && len(q.Params) > 0
			},
			Apply: func(q *types.QueryRequest, _ *ruleContext) {
				hints := make([]string, 0, len(q.Params))
				for field := range q.Params {
					hints = append(hints, field)
				}
				sort.Strings(hints)
				q.Opt.IndexHints = hints
			},
		},
		{
			Name:     "latency_shortlist",
			Category: CategoryRouting,
			Impact:   ImpactHigh,
			Applies: func(q *types.QueryRequest, ctx *ruleContext) bool {
				if ctx.ranker == nil {
					return false
				}
				return q.Priority == types.PriorityHigh || q.Priority == types.PriorityCritical
			},
			Apply: func(q *types.QueryRequest, ctx *ruleContext) {
				q.Opt.EngineShortlist = ctx.ranker.EnginesByLatency()
			},
		},
	}
}

// identicalInWindow counts executions sharing the current query's pattern
// signature inside the trailing batch window.
func identicalInWindow(ctx *ruleContext) int {
	cutoff := ctx.now.Add(-ctx.batchWindow)
	n := 0
	for _, e := range ctx.history {
		if e.Signature == ctx.signature && e.At.After(cutoff) {
			n++
		}
	}
	return n
}

func hasCapability(caps []types.Capability, want types.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
