package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/banditclaw/internal/qtable"
	"github.com/clawinfra/banditclaw/internal/store"
	"github.com/clawinfra/banditclaw/internal/variant"
)

// crossoverRate is the share of offspring produced by recombining two
// parents instead of mutating one.
const crossoverRate = 0.3

// ScoredVariant pairs a candidate with its fitness estimate.
type ScoredVariant struct {
	Variant *variant.Variant
	Fitness float64
}

// Evolve runs a generational search over a scope's variant space and stores
// the best unregistered survivors as pending proposals. Fitness is the arm's
// value estimate; unproven children inherit a discounted parent average, so
// the search explores around what already works.
func (a *Analyzer) Evolve(ctx context.Context, scope variant.Scope) ([]store.Proposal, error) {
	count, err := a.db.InvocationCount(ctx, scope.Agent, scope.TaskType)
	if err != nil {
		return nil, fmt.Errorf("proposer: invocation count: %w", err)
	}
	if count < a.cfg.MinInvocations {
		return nil, nil
	}

	seeds := a.registry.Candidates(scope)
	if len(seeds) == 0 {
		return nil, nil
	}

	a.genMu.Lock()
	pop := a.seedPopulation(scope, seeds)
	for gen := 0; gen < a.cfg.Generations; gen++ {
		pop = a.step(scope, a.rank(scope, pop))
	}
	final := a.rank(scope, pop)
	a.genMu.Unlock()

	return a.persistSurvivors(ctx, scope, count, final)
}

// seedPopulation fills the initial population: the authored candidates
// first, then mutations of tournament-picked parents. Caller holds genMu.
func (a *Analyzer) seedPopulation(scope variant.Scope, seeds []*variant.Variant) []*variant.Variant {
	size := a.cfg.Population
	if size < len(seeds) {
		size = len(seeds)
	}

	pop := make([]*variant.Variant, 0, size)
	pop = append(pop, seeds...)

	ranked := a.rank(scope, seeds)
	for len(pop) < size {
		pop = append(pop, a.mut.Mutate(a.pickParent(ranked)))
	}
	return pop
}

// step produces the next generation: the top Elites carried over unchanged,
// the rest bred from tournament-selected parents. Population size is
// preserved exactly. Caller holds genMu.
func (a *Analyzer) step(scope variant.Scope, ranked []ScoredVariant) []*variant.Variant {
	size := len(ranked)
	next := make([]*variant.Variant, 0, size)

	elites := a.cfg.Elites
	if elites > size {
		elites = size
	}
	for i := 0; i < elites; i++ {
		next = append(next, ranked[i].Variant)
	}

	for len(next) < size {
		parent := a.pickParent(ranked)
		var child *variant.Variant
		if size > 1 && a.rng.Float64() < crossoverRate {
			other := a.pickParent(ranked)
			if other.ID != parent.ID {
				child = a.mut.Crossover(parent, other)
			}
		}
		if child == nil {
			child = a.mut.Mutate(parent)
		}
		next = append(next, child)
	}
	return next
}

// pickParent runs tournament selection: sample TournamentSize candidates,
// keep the fittest. Caller holds genMu.
func (a *Analyzer) pickParent(ranked []ScoredVariant) *variant.Variant {
	size := a.cfg.TournamentSize
	if size <= 0 {
		size = 3
	}
	if size > len(ranked) {
		size = len(ranked)
	}

	best := ranked[a.rng.Intn(len(ranked))]
	for i := 1; i < size; i++ {
		c := ranked[a.rng.Intn(len(ranked))]
		if c.Fitness > best.Fitness {
			best = c
		}
	}
	return best.Variant
}

// rank scores a population and orders it fittest-first, ties broken by id
// for deterministic output.
func (a *Analyzer) rank(scope variant.Scope, pop []*variant.Variant) []ScoredVariant {
	out := make([]ScoredVariant, len(pop))
	for i, v := range pop {
		out[i] = ScoredVariant{Variant: v, Fitness: a.fitness(scope, v)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fitness != out[j].Fitness {
			return out[i].Fitness > out[j].Fitness
		}
		return out[i].Variant.ID < out[j].Variant.ID
	})
	return out
}

// fitness is the variant's own value estimate when it has been tried, else
// the average of its proven ancestors discounted for being unproven.
func (a *Analyzer) fitness(scope variant.Scope, v *variant.Variant) float64 {
	k := qtable.Key{Agent: scope.Agent, TaskType: scope.TaskType, VariantID: v.ID}
	if q, visits := a.table.Get(k); visits > 0 {
		return q
	}

	sum, n := 0.0, 0
	for _, pid := range v.Parents {
		pk := qtable.Key{Agent: scope.Agent, TaskType: scope.TaskType, VariantID: pid}
		if q, visits := a.table.Get(pk); visits > 0 {
			sum += q
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) * 0.95
}

// persistSurvivors stores the fittest unregistered children as pending
// proposals, up to the elite count.
func (a *Analyzer) persistSurvivors(ctx context.Context, scope variant.Scope, count int, final []ScoredVariant) ([]store.Proposal, error) {
	limit := a.cfg.Elites
	if limit <= 0 {
		limit = 1
	}

	var inserted []store.Proposal
	rank := 0
	for _, s := range final {
		if rank >= limit {
			break
		}
		if _, err := a.registry.Get(s.Variant.ID); err == nil {
			continue // already authored, nothing to propose
		}
		rank++

		doc, err := json.Marshal(s.Variant)
		if err != nil {
			return inserted, fmt.Errorf("proposer: marshal survivor: %w", err)
		}
		p := store.Proposal{
			ID:         fmt.Sprintf("prop_%s_%s", time.Now().Format("20060102_150405"), uuid.New().String()[:8]),
			Timestamp:  time.Now(),
			Agent:      scope.Agent,
			TaskType:   scope.TaskType,
			Type:       TypeEvolve,
			Reasoning: fmt.Sprintf(
				"survivor of %d-generation search over population %d, fitness %.3f, lineage %v",
				a.cfg.Generations, a.cfg.Population, s.Fitness, s.Variant.Parents),
			Confidence:  s.Fitness,
			Variant:     doc,
			Status:      store.ProposalPending,
			Fingerprint: analysisFingerprint(scope, TypeEvolve, fmt.Sprintf("rank-%d", rank-1), count),
		}
		ok, err := a.db.InsertProposal(ctx, p)
		if err != nil {
			return inserted, fmt.Errorf("proposer: insert survivor: %w", err)
		}
		if !ok {
			a.logger.Debug("duplicate survivor suppressed",
				"agent", scope.Agent, "taskType", scope.TaskType, "rank", rank-1)
			continue
		}
		inserted = append(inserted, p)
	}
	return inserted, nil
}
