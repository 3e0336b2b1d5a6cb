package pool

import "math/rand"

// Strategy selects among healthy candidate pools.
type Strategy string

const (
	// StrategyRoundRobin cycles through candidates, advancing on every
	// selection.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyLeastConnections picks the smallest load factor;
	// first-encountered wins ties.
	StrategyLeastConnections Strategy = "least_connections"

	// StrategyWeightedRandom picks proportional to configured weights,
	// falling back to healthScore × (1 − loadFactor) when no candidate
	// carries a weight.
	StrategyWeightedRandom Strategy = "weighted_random"
)

// selectRoundRobin returns candidates[idx mod n]. The caller advances idx
// on every selection so N selections over N candidates hit each once.
func selectRoundRobin(candidates []*Pool, idx int) *Pool {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[idx%len(candidates)]
}

// selectLeastConnections returns the candidate with the minimal load
// factor. Candidates arrive in registration order, so ties resolve to the
// first-encountered pool deterministically.
func selectLeastConnections(candidates []*Pool) *Pool {
	var best *Pool
	for _, p := range candidates {
		if best == nil || p.LoadFactor() < best.LoadFactor() {
			best = p
		}
	}
	return best
}

// selectWeightedRandom picks proportional to weight. When every weight is
// zero it falls back to the composite score healthScore × (1 − loadFactor),
// highest score winning; ties resolve to the first-encountered candidate.
func selectWeightedRandom(rng *rand.Rand, candidates []*Pool) *Pool {
	if len(candidates) == 0 {
		return nil
	}

	totalWeight := 0
	for _, p := range candidates {
		totalWeight += p.Weight
	}

	if totalWeight == 0 {
		var best *Pool
		bestScore := -1.0
		for _, p := range candidates {
			score := p.HealthScore * (1 - p.LoadFactor())
			if score > bestScore {
				best = p
				bestScore = score
			}
		}
		return best
	}

	target := rng.Intn(totalWeight)
	cumulative := 0
	for _, p := range candidates {
		cumulative += p.Weight
		if cumulative > target {
			return p
		}
	}
	return candidates[0]
}
