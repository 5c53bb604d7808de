// Package proposer runs offline analyses over accumulated outcome history
// and emits variant-change proposals for human review. It never promotes
// anything itself.
package proposer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/banditclaw/internal/qtable"
	"github.com/clawinfra/banditclaw/internal/store"
	"github.com/clawinfra/banditclaw/internal/variant"
)

// Proposal types.
const (
	TypeGapFill    = "gap-fill"
	TypeSpecialize = "specialize"
	TypeMutate     = "mutate"
	TypeCrossover  = "crossover"
	TypeEvolve     = "evolve"
)

// Config holds analysis thresholds and evolutionary-search parameters.
type Config struct {
	// MinInvocations gates any analysis for a scope.
	MinInvocations int `json:"minInvocations"`
	// QFloor is the estimate below which a variant counts as underperforming.
	QFloor float64 `json:"qFloor"`
	// SpreadThreshold is the best-minus-worst gap that suggests specialization.
	SpreadThreshold float64 `json:"spreadThreshold"`
	// MinSamples is the per-arm visit floor before its estimate is trusted.
	MinSamples int `json:"minSamples"`
	// MutationStrength scales parameter jitter, see variant.NewMutator.
	MutationStrength float64 `json:"mutationStrength"`
	// Population, Generations, Elites, TournamentSize drive Evolve.
	Population     int `json:"population"`
	Generations    int `json:"generations"`
	Elites         int `json:"elites"`
	TournamentSize int `json:"tournamentSize"`
}

// DefaultConfig returns conservative analysis defaults.
func DefaultConfig() Config {
	return Config{
		MinInvocations:   50,
		QFloor:           0.6,
		SpreadThreshold:  0.20,
		MinSamples:       5,
		MutationStrength: 0.2,
		Population:       12,
		Generations:      5,
		Elites:           2,
		TournamentSize:   3,
	}
}

// Analyzer inspects per-scope learning state and produces proposals.
type Analyzer struct {
	cfg      Config
	db       *store.Store
	table    *qtable.Table
	registry *variant.Registry
	logger   *slog.Logger

	// genMu guards the shared random source used by mutation and search.
	genMu sync.Mutex
	rng   *rand.Rand
	mut   *variant.Mutator
}

// NewAnalyzer creates an analyzer. A nil rng gets a time-seeded source.
func NewAnalyzer(cfg Config, db *store.Store, table *qtable.Table, registry *variant.Registry, rng *rand.Rand, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Analyzer{
		cfg:      cfg,
		db:       db,
		table:    table,
		registry: registry,
		logger:   logger.With("component", "proposer"),
		rng:      rng,
		mut:      variant.NewMutator(rng, cfg.MutationStrength),
	}
}

type draft struct {
	ptype      string
	subject    string
	reasoning  string
	confidence float64
	child      *variant.Variant
}

// Analyze inspects one scope and stores any new proposals. Returns the
// proposals actually inserted; duplicates of earlier runs over the same
// history are dropped by fingerprint.
func (a *Analyzer) Analyze(ctx context.Context, scope variant.Scope) ([]store.Proposal, error) {
	count, err := a.db.InvocationCount(ctx, scope.Agent, scope.TaskType)
	if err != nil {
		return nil, fmt.Errorf("proposer: invocation count: %w", err)
	}
	if count < a.cfg.MinInvocations {
		return nil, nil
	}

	entries := a.trustedEntries(scope)
	if len(entries) == 0 {
		return nil, nil
	}

	a.genMu.Lock()
	drafts := a.draft(scope, entries)
	a.genMu.Unlock()

	return a.persist(ctx, scope, count, entries, drafts)
}

// AnalyzeAll fans Analyze out across every scope with history. A failing
// scope is logged and skipped; the batch continues.
func (a *Analyzer) AnalyzeAll(ctx context.Context) ([]store.Proposal, error) {
	scopes, err := a.db.Scopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("proposer: list scopes: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var mu sync.Mutex
	var all []store.Proposal
	for _, sc := range scopes {
		scope := variant.Scope{Agent: sc[0], TaskType: sc[1]}
		g.Go(func() error {
			props, err := a.Analyze(ctx, scope)
			if err != nil {
				a.logger.Warn("scope analysis failed",
					"agent", scope.Agent, "taskType", scope.TaskType, "error", err)
				return nil
			}
			mu.Lock()
			all = append(all, props...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return all, err
	}
	return all, nil
}

// trustedEntries returns the scope's arms with enough visits to judge,
// sorted best-first.
func (a *Analyzer) trustedEntries(scope variant.Scope) []qtable.Entry {
	var out []qtable.Entry
	for _, e := range a.table.Entries(scope.Agent, scope.TaskType) {
		if e.Visits >= a.cfg.MinSamples {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// draft applies the three analysis triggers. entries must be sorted
// best-first and non-empty. Caller holds genMu.
func (a *Analyzer) draft(scope variant.Scope, entries []qtable.Entry) []draft {
	var drafts []draft

	best := entries[0]
	worst := entries[len(entries)-1]

	// Gap: a scope running on a single variant that is not earning its keep
	// has no specialized alternative to switch to.
	if len(entries) == 1 && best.Q < a.cfg.QFloor {
		if parent, err := a.registry.Get(best.Key.VariantID); err == nil {
			drafts = append(drafts, draft{
				ptype:   TypeGapFill,
				subject: best.Key.VariantID,
				reasoning: fmt.Sprintf(
					"only variant for %s/%s holds Q=%.3f over %d visits, below the %.2f floor; no specialized alternative exists",
					scope.Agent, scope.TaskType, best.Q, best.Visits, a.cfg.QFloor),
				confidence: evidenceConfidence(best.Visits),
				child:      a.mut.Mutate(parent),
			})
		}
	}

	// Spread: a wide gap between best and worst suggests the scope rewards
	// specialization around the leader.
	if len(entries) >= 2 && best.Q-worst.Q > a.cfg.SpreadThreshold {
		if parent, err := a.registry.Get(best.Key.VariantID); err == nil {
			drafts = append(drafts, draft{
				ptype:   TypeSpecialize,
				subject: best.Key.VariantID,
				reasoning: fmt.Sprintf(
					"Q spread %.3f between %s (%.3f) and %s (%.3f) exceeds %.2f; specializing around the leader",
					best.Q-worst.Q, best.Key.VariantID, best.Q, worst.Key.VariantID, worst.Q, a.cfg.SpreadThreshold),
				confidence: evidenceConfidence(min(best.Visits, worst.Visits)),
				child:      a.mut.Mutate(parent),
			})
		}
	}

	// Underperformance: any trusted arm below the floor gets a repair
	// proposal, crossed with the leader when one exists.
	for _, e := range entries {
		if e.Q >= a.cfg.QFloor {
			continue
		}
		if len(entries) == 1 {
			break // already covered by the gap trigger
		}
		parent, err := a.registry.Get(e.Key.VariantID)
		if err != nil {
			continue
		}
		var child *variant.Variant
		ptype := TypeMutate
		if best.Key.VariantID != e.Key.VariantID && best.Q >= a.cfg.QFloor {
			if leader, err := a.registry.Get(best.Key.VariantID); err == nil {
				child = a.mut.Crossover(leader, parent)
				ptype = TypeCrossover
			}
		}
		if child == nil {
			child = a.mut.Mutate(parent)
		}
		drafts = append(drafts, draft{
			ptype:   ptype,
			subject: e.Key.VariantID,
			reasoning: fmt.Sprintf(
				"%s holds Q=%.3f over %d visits, below the %.2f floor",
				e.Key.VariantID, e.Q, e.Visits, a.cfg.QFloor),
			confidence: evidenceConfidence(e.Visits),
			child:      child,
		})
	}

	return drafts
}

// persist inserts drafts as pending proposals, deduplicating by window
// fingerprint.
func (a *Analyzer) persist(ctx context.Context, scope variant.Scope, count int, entries []qtable.Entry, drafts []draft) ([]store.Proposal, error) {
	if len(drafts) == 0 {
		return nil, nil
	}

	snapshot, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("proposer: marshal snapshot: %w", err)
	}

	var inserted []store.Proposal
	for _, d := range drafts {
		childDoc, err := json.Marshal(d.child)
		if err != nil {
			return inserted, fmt.Errorf("proposer: marshal variant: %w", err)
		}
		p := store.Proposal{
			ID:          fmt.Sprintf("prop_%s_%s", time.Now().Format("20060102_150405"), uuid.New().String()[:8]),
			Timestamp:   time.Now(),
			Agent:       scope.Agent,
			TaskType:    scope.TaskType,
			Type:        d.ptype,
			Reasoning:   d.reasoning,
			Confidence:  d.confidence,
			Snapshot:    snapshot,
			Variant:     childDoc,
			Status:      store.ProposalPending,
			Fingerprint: analysisFingerprint(scope, d.ptype, d.subject, count),
		}
		ok, err := a.db.InsertProposal(ctx, p)
		if err != nil {
			return inserted, fmt.Errorf("proposer: insert proposal: %w", err)
		}
		if !ok {
			a.logger.Debug("duplicate proposal suppressed",
				"agent", scope.Agent, "taskType", scope.TaskType, "type", d.ptype, "subject", d.subject)
			continue
		}
		a.logger.Info("proposal recorded",
			"id", p.ID, "type", d.ptype, "agent", scope.Agent, "taskType", scope.TaskType,
			"subject", d.subject, "confidence", fmt.Sprintf("%.2f", d.confidence))
		inserted = append(inserted, p)
	}
	return inserted, nil
}

// evidenceConfidence maps visit counts into (0,1): 10 visits ≈ 0.5,
// 90 visits ≈ 0.9.
func evidenceConfidence(visits int) float64 {
	v := float64(visits)
	return v / (v + 10)
}

// analysisFingerprint identifies one (scope, trigger, subject) finding over
// one exact history length. Re-running the analysis before new invocations
// arrive reproduces it.
func analysisFingerprint(scope variant.Scope, ptype, subject string, count int) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", scope.Agent, scope.TaskType, ptype, subject, count)
	return hex.EncodeToString(h.Sum(nil))
}

// sortEntries orders best-first, ties broken by variant id for stable output.
func sortEntries(entries []qtable.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Q != entries[j].Q {
			return entries[i].Q > entries[j].Q
		}
		return entries[i].Key.VariantID < entries[j].Key.VariantID
	})
}
