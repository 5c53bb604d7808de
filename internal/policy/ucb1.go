package policy

import (
	"math"

	"github.com/clawinfra/banditclaw/internal/qtable"
)

// DefaultUCBExploration is the standard UCB1 constant.
var DefaultUCBExploration = math.Sqrt2

// UCB1 scores each arm as mean reward plus an upper confidence bound that
// shrinks with visits. Unvisited arms score +Inf so they are always tried
// first; ties break toward the lowest visit count.
type UCB1 struct {
	table *qtable.Table
	c     float64
}

// NewUCB1 creates the policy. c <= 0 falls back to sqrt(2).
func NewUCB1(table *qtable.Table, c float64) *UCB1 {
	if c <= 0 {
		c = DefaultUCBExploration
	}
	return &UCB1{table: table, c: c}
}

func (p *UCB1) Name() string { return KindUCB1 }

// Score computes the UCB1 score for one arm given the total pull count.
func (p *UCB1) Score(q float64, visits, total int) float64 {
	if visits == 0 {
		return math.Inf(1)
	}
	if total < 1 {
		total = 1
	}
	return q + p.c*math.Sqrt(2.0*math.Log(float64(total))/float64(visits))
}

func (p *UCB1) Select(candidates []Arm, _ []float64) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, ErrNoCandidates
	}

	type armStat struct {
		arm    Arm
		q      float64
		visits int
	}
	stats := make([]armStat, 0, len(candidates))
	total := 0
	for _, c := range candidates {
		q, visits := p.table.Get(c.Key)
		stats = append(stats, armStat{arm: c, q: q, visits: visits})
		total += visits
	}

	bestIdx := 0
	bestScore := math.Inf(-1)
	for i, st := range stats {
		score := p.Score(st.q, st.visits, total)
		switch {
		case score > bestScore:
			bestIdx, bestScore = i, score
		case score == bestScore && st.visits < stats[bestIdx].visits:
			bestIdx = i
		}
	}

	chosen := stats[bestIdx]
	return Decision{
		VariantID:   chosen.arm.VariantID,
		Score:       bestScore,
		Exploration: chosen.visits == 0,
		Policy:      p.Name(),
		Diagnostics: map[string]float64{
			"mean":        chosen.q,
			"visits":      float64(chosen.visits),
			"totalVisits": float64(total),
			"c":           p.c,
		},
	}, nil
}
