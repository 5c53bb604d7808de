package policy

import (
	"math"
	"math/rand"
	"sync"

	"github.com/clawinfra/banditclaw/internal/qtable"
)

// betaArm is one arm's Beta posterior. Alpha counts successes, Beta counts
// failures, both starting at 1 (uniform prior).
type betaArm struct {
	mu    sync.Mutex
	alpha float64
	beta  float64
}

// Thompson samples each arm's Beta posterior once and picks the max sample.
// Recent evidence dominates the posterior shape, which tracks
// non-stationary arms better than UCB1's symmetric bound.
type Thompson struct {
	mu   sync.RWMutex
	arms map[qtable.Key]*betaArm
	rng  *lockedRand
}

// NewThompson creates the policy with Beta(1,1) priors.
func NewThompson(rng *rand.Rand) *Thompson {
	return &Thompson{
		arms: make(map[qtable.Key]*betaArm),
		rng:  &lockedRand{rng: rng},
	}
}

func (p *Thompson) Name() string { return KindThompson }

func (p *Thompson) arm(key qtable.Key) *betaArm {
	p.mu.RLock()
	a, ok := p.arms[key]
	p.mu.RUnlock()
	if ok {
		return a
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok = p.arms[key]; ok {
		return a
	}
	a = &betaArm{alpha: 1, beta: 1}
	p.arms[key] = a
	return a
}

// Observe folds an outcome into the arm's posterior. Success increments
// alpha, failure increments beta.
func (p *Thompson) Observe(key qtable.Key, _ float64, success bool, _ []float64) {
	a := p.arm(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		a.alpha++
	} else {
		a.beta++
	}
}

// Posterior returns the current (alpha, beta) for an arm.
func (p *Thompson) Posterior(key qtable.Key) (alpha, beta float64) {
	a := p.arm(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alpha, a.beta
}

func (p *Thompson) Select(candidates []Arm, _ []float64) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, ErrNoCandidates
	}

	posteriors := make([][2]float64, len(candidates))
	anyObserved := false
	for i, c := range candidates {
		a := p.arm(c.Key)
		a.mu.Lock()
		posteriors[i] = [2]float64{a.alpha, a.beta}
		a.mu.Unlock()
		if posteriors[i][0]+posteriors[i][1] > 2 {
			anyObserved = true
		}
	}

	// With every arm still on the uniform prior a sample would pick
	// uniformly at random; degrade to the caller-ordered default instead.
	if !anyObserved {
		return Decision{
			VariantID:   candidates[0].VariantID,
			Score:       0.5,
			Exploration: true,
			Policy:      p.Name(),
			Diagnostics: map[string]float64{"alpha": 1, "beta": 1, "mean": 0.5},
		}, nil
	}

	best := candidates[0]
	bestSample := -1.0
	var bestAlpha, bestBeta float64
	for i, c := range candidates {
		alpha, beta := posteriors[i][0], posteriors[i][1]
		sample := p.sampleBeta(alpha, beta)
		if sample > bestSample {
			best, bestSample = c, sample
			bestAlpha, bestBeta = alpha, beta
		}
	}

	return Decision{
		VariantID:   best.VariantID,
		Score:       bestSample,
		Exploration: bestAlpha+bestBeta <= 2, // still on the prior
		Policy:      p.Name(),
		Diagnostics: map[string]float64{
			"alpha": bestAlpha,
			"beta":  bestBeta,
			"mean":  bestAlpha / (bestAlpha + bestBeta),
		},
	}, nil
}

// sampleBeta draws from Beta(a, b) via two gamma draws.
func (p *Thompson) sampleBeta(a, b float64) float64 {
	x := p.sampleGamma(a)
	y := p.sampleGamma(b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang, with the
// standard boost for shape < 1.
func (p *Thompson) sampleGamma(shape float64) float64 {
	if shape < 1 {
		u := p.rng.Float64()
		if u == 0 {
			u = 1e-12
		}
		return p.sampleGamma(shape+1) * math.Pow(u, 1.0/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := p.rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := p.rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
