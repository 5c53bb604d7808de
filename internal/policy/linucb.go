package policy

import (
	"math"
	"sync"

	"github.com/clawinfra/banditclaw/internal/qtable"
)

// DefaultFeatureDims is the context feature vector length: task complexity,
// 3-way file-type distribution, normalized request length, 3 tech-stack
// indicators, cyclical time-of-day, historical user preference.
const DefaultFeatureDims = 10

// linArm holds one arm's ridge-regression state: A = I + sum(x xT),
// b = sum(r x).
type linArm struct {
	mu sync.Mutex
	a  [][]float64
	b  []float64
	n  int
}

func newLinArm(d int) *linArm {
	a := make([][]float64, d)
	for i := range a {
		a[i] = make([]float64, d)
		a[i][i] = 1
	}
	return &linArm{a: a, b: make([]float64, d)}
}

// LinUCB is the contextual policy: score = xT.theta + alpha*sqrt(xT.Ainv.x)
// with theta = Ainv.b per arm.
type LinUCB struct {
	mu    sync.RWMutex
	arms  map[qtable.Key]*linArm
	alpha float64
	dims  int
}

// NewLinUCB creates the policy. alpha <= 0 falls back to 1.0, dims <= 0 to
// DefaultFeatureDims.
func NewLinUCB(alpha float64, dims int) *LinUCB {
	if alpha <= 0 {
		alpha = 1.0
	}
	if dims <= 0 {
		dims = DefaultFeatureDims
	}
	return &LinUCB{
		arms:  make(map[qtable.Key]*linArm),
		alpha: alpha,
		dims:  dims,
	}
}

func (p *LinUCB) Name() string { return KindLinUCB }

// Dims returns the expected feature vector length.
func (p *LinUCB) Dims() int { return p.dims }

func (p *LinUCB) arm(key qtable.Key) *linArm {
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
	a = newLinArm(p.dims)
	p.arms[key] = a
	return a
}

// Observe applies the rank-one update A += x xT, b += r x.
func (p *LinUCB) Observe(key qtable.Key, reward float64, _ bool, features []float64) {
	x := p.normalize(features)
	a := p.arm(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < p.dims; i++ {
		for j := 0; j < p.dims; j++ {
			a.a[i][j] += x[i] * x[j]
		}
		a.b[i] += reward * x[i]
	}
	a.n++
}

func (p *LinUCB) Select(candidates []Arm, features []float64) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, ErrNoCandidates
	}
	x := p.normalize(features)

	best := candidates[0]
	bestScore := math.Inf(-1)
	var bestMean, bestBonus float64
	var bestN int
	for _, c := range candidates {
		a := p.arm(c.Key)
		a.mu.Lock()
		inv := invert(a.a)
		theta := matVec(inv, a.b)
		n := a.n
		a.mu.Unlock()

		mean := dot(x, theta)
		bonus := p.alpha * math.Sqrt(math.Max(0, dot(x, matVec(inv, x))))
		score := mean + bonus
		if score > bestScore {
			best, bestScore = c, score
			bestMean, bestBonus, bestN = mean, bonus, n
		}
	}

	return Decision{
		VariantID:   best.VariantID,
		Score:       bestScore,
		Exploration: bestN == 0,
		Policy:      p.Name(),
		Diagnostics: map[string]float64{
			"mean":         bestMean,
			"bonus":        bestBonus,
			"observations": float64(bestN),
			"alpha":        p.alpha,
		},
	}, nil
}

// normalize pads or truncates the feature vector to the configured
// dimension. A nil vector becomes the zero context, which scores every arm
// on its confidence bonus alone.
func (p *LinUCB) normalize(features []float64) []float64 {
	x := make([]float64, p.dims)
	copy(x, features)
	return x
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		out[i] = dot(m[i], v)
	}
	return out
}

// invert computes the inverse of a symmetric positive-definite matrix by
// Gauss-Jordan elimination with partial pivoting. A is I plus a sum of
// outer products, so it is always invertible.
func invert(m [][]float64) [][]float64 {
	n := len(m)
	aug := make([][]float64, n)
	for i := range aug {
		aug[i] = make([]float64, 2*n)
		copy(aug[i], m[i])
		aug[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]

		pv := aug[col][col]
		if pv == 0 {
			continue
		}
		for j := 0; j < 2*n; j++ {
			aug[col][j] /= pv
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := aug[r][col]
			if f == 0 {
				continue
			}
			for j := 0; j < 2*n; j++ {
				aug[r][j] -= f * aug[col][j]
			}
		}
	}

	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = aug[i][n:]
	}
	return inv
}
