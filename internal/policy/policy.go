// Package policy implements pluggable arm-selection strategies over the
// shared Q-table. Selection sits on the synchronous request path and must
// not block: no I/O, no global locks.
package policy

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/clawinfra/banditclaw/internal/qtable"
)

// Policy kinds accepted by New.
const (
	KindEpsilonGreedy = "epsilon"
	KindUCB1          = "ucb1"
	KindThompson      = "thompson"
	KindLinUCB        = "linucb"
)

// ErrNoCandidates is returned when Select is called with an empty arm list.
var ErrNoCandidates = errors.New("policy: no candidate variants")

// Arm is a candidate variant in the bandit framing.
type Arm struct {
	VariantID string
	Key       qtable.Key
}

// Decision is the outcome of one selection.
type Decision struct {
	VariantID   string             `json:"variantId"`
	Score       float64            `json:"score"`
	Exploration bool               `json:"exploration"`
	Policy      string             `json:"policy"`
	Diagnostics map[string]float64 `json:"diagnostics,omitempty"`
}

// Policy chooses an arm from the candidate list. Candidates are ordered by
// the caller with the default variant first; when no candidate has any data
// every policy degrades to that default.
type Policy interface {
	Name() string
	Select(candidates []Arm, features []float64) (Decision, error)
}

// Observer is implemented by policies that keep their own per-arm
// statistics beyond the Q-table (Thompson's Beta posteriors, LinUCB's
// design matrices). Outcome feedback may arrive long after the matching
// Select; Observe must not assume pairing.
type Observer interface {
	Observe(key qtable.Key, reward float64, success bool, features []float64)
}

// Config selects and parameterizes a policy.
type Config struct {
	Kind        string  `json:"kind"`
	Epsilon     float64 `json:"epsilon"`     // epsilon-greedy exploration rate
	Exploration float64 `json:"exploration"` // UCB1 c constant
	LinUCBAlpha float64 `json:"linucbAlpha"`
	FeatureDims int     `json:"featureDims"`
}

// New builds the configured policy over the given table. rng may be nil, in
// which case a time-seeded source is used.
func New(cfg Config, table *qtable.Table, rng *rand.Rand) (Policy, error) {
	if rng == nil {
		rng = newDefaultRand()
	}
	switch cfg.Kind {
	case KindEpsilonGreedy, "":
		return NewEpsilonGreedy(table, cfg.Epsilon, rng), nil
	case KindUCB1:
		return NewUCB1(table, cfg.Exploration), nil
	case KindThompson:
		return NewThompson(rng), nil
	case KindLinUCB:
		return NewLinUCB(cfg.LinUCBAlpha, cfg.FeatureDims), nil
	default:
		return nil, fmt.Errorf("policy: unknown kind %q", cfg.Kind)
	}
}
