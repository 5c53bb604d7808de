package policy

import (
	"math/rand"

	"github.com/clawinfra/banditclaw/internal/qtable"
)

// EpsilonGreedy is the baseline/fallback strategy: with probability epsilon
// pick uniformly at random, otherwise exploit the arg-max Q arm.
type EpsilonGreedy struct {
	table   *qtable.Table
	epsilon float64
	rng     *lockedRand
}

// NewEpsilonGreedy creates the policy. epsilon outside (0,1) falls back to 0.1.
func NewEpsilonGreedy(table *qtable.Table, epsilon float64, rng *rand.Rand) *EpsilonGreedy {
	if epsilon <= 0 || epsilon >= 1 {
		epsilon = 0.1
	}
	return &EpsilonGreedy{
		table:   table,
		epsilon: epsilon,
		rng:     &lockedRand{rng: rng},
	}
}

func (p *EpsilonGreedy) Name() string { return KindEpsilonGreedy }

// Select chooses an arm. With no data anywhere, exploitation lands on the
// first candidate, which callers order as the default variant.
func (p *EpsilonGreedy) Select(candidates []Arm, _ []float64) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, ErrNoCandidates
	}

	if p.rng.Float64() < p.epsilon {
		pick := candidates[p.rng.Intn(len(candidates))]
		q, visits := p.table.Get(pick.Key)
		return Decision{
			VariantID:   pick.VariantID,
			Score:       q,
			Exploration: true,
			Policy:      p.Name(),
			Diagnostics: map[string]float64{"epsilon": p.epsilon, "visits": float64(visits)},
		}, nil
	}

	best := candidates[0]
	bestQ, bestVisits := p.table.Get(best.Key)
	for _, c := range candidates[1:] {
		q, visits := p.table.Get(c.Key)
		if q > bestQ {
			best, bestQ, bestVisits = c, q, visits
		}
	}

	return Decision{
		VariantID:   best.VariantID,
		Score:       bestQ,
		Policy:      p.Name(),
		Diagnostics: map[string]float64{"epsilon": p.epsilon, "visits": float64(bestVisits)},
	}, nil
}
