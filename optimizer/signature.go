// Package optimizer implements query-shape caching, rule-based rewriting
// and routing hints, and adaptive pattern learning over execution history.
package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/omnidb/types"
)

// cacheSignature normalizes a query into its cache key: operation name,
// sorted parameter key/value pairs, and the consistency/priority
// requirements. Optimization metadata lives outside Params and is never
// part of the signature, so an optimized and an untouched query with the
// same shape and values share one entry.
func cacheSignature(q *types.QueryRequest) string {
	var b strings.Builder
	b.WriteString(q.Operation)
	b.WriteByte('|')
	b.WriteString(q.Statement)
	b.WriteByte('|')

	keys := make([]string, 0, len(q.Params))
	for k := range q.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, q.Params[k])
	}

	b.WriteByte('|')
	b.WriteString(string(q.Consistency))
	b.WriteByte('|')
	b.WriteString(string(q.Priority))
	return b.String()
}

// patternSignature is the coarser learning key: operation plus sorted
// parameter names, without values, so structurally identical queries with
// different literals map to the same pattern.
func patternSignature(q *types.QueryRequest) string {
	names := make([]string, 0, len(q.Params))
	for k := range q.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	return q.Operation + "|" + strings.Join(names, ",") +
		"|" + string(q.Consistency) + "|" + string(q.Priority)
}
