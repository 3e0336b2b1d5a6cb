package optimizer

import (
	"sync"
	"time"
)

// Pattern is the learned profile of one query shape.
type Pattern struct {
	Signature     string        `json:"signature"`
	Frequency     int64         `json:"frequency"`
	AvgLatency    time.Duration `json:"avg_latency"`
	SuccessRate   float64       `json:"success_rate"`
	OptimalEngine string        `json:"optimal_engine,omitempty"`
	LastSeen      time.Time     `json:"last_seen"`
}

// patternRegistry learns per-shape latency and success rate through
// exponential moving averages. Recent executions dominate: with smoothing
// factor alpha, a sample's influence decays by (1-alpha) per subsequent
// observation.
type patternRegistry struct {
	alpha float64

	mu       sync.Mutex
	patterns map[string]*Pattern
}

func newPatternRegistry(alpha float64) *patternRegistry {
	return &patternRegistry{
		alpha:    alpha,
		patterns: make(map[string]*Pattern),
	}
}

// observe bumps the shape's frequency, creating the pattern on first sight.
func (r *patternRegistry) observe(sig string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patterns[sig]
	if !ok {
		p = &Pattern{Signature: sig, SuccessRate: 1}
		r.patterns[sig] = p
	}
	p.Frequency++
	p.LastSeen = time.Now()
}

// recordOutcome folds one execution into the shape's EMAs. The first
// latency sample seeds the average directly. A successful execution also
// records the engine as the shape's optimal routing hint.
func (r *patternRegistry) recordOutcome(sig, engine string, latency time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patterns[sig]
	if !ok {
		p = &Pattern{Signature: sig, SuccessRate: 1}
		r.patterns[sig] = p
	}

	if p.AvgLatency == 0 {
		p.AvgLatency = latency
	} else {
		p.AvgLatency = time.Duration(
			r.alpha*float64(latency) + (1-r.alpha)*float64(p.AvgLatency))
	}

	outcome := 0.0
	if success {
		outcome = 1.0
		p.OptimalEngine = engine
	}
	p.SuccessRate = r.alpha*outcome + (1-r.alpha)*p.SuccessRate
	p.LastSeen = time.Now()
}

// get returns a copy of the named pattern.
func (r *patternRegistry) get(sig string) (Pattern, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patterns[sig]
	if !ok {
		return Pattern{}, false
	}
	return *p, true
}

// snapshot returns copies of every learned pattern.
func (r *patternRegistry) snapshot() []Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, *p)
	}
	return out
}
