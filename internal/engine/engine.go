// Package engine wires the learning state, selection policy, and safety
// monitor into the two paths the platform calls: per-request variant
// selection and outcome ingestion.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/clawinfra/banditclaw/internal/policy"
	"github.com/clawinfra/banditclaw/internal/qtable"
	"github.com/clawinfra/banditclaw/internal/reward"
	"github.com/clawinfra/banditclaw/internal/safety"
	"github.com/clawinfra/banditclaw/internal/store"
	"github.com/clawinfra/banditclaw/internal/telemetry"
	"github.com/clawinfra/banditclaw/internal/variant"
)

// Engine is the hot-path orchestrator. Select must never block a request
// on learning-state problems: any failure degrades to the agent's default
// variant.
type Engine struct {
	table      *qtable.Table
	registry   *variant.Registry
	pol        policy.Policy
	weights    reward.Weights
	thresholds safety.Thresholds
	db         *store.Store
	logger     *slog.Logger
}

// New assembles an engine. db may be nil in tests that exercise only the
// in-memory paths.
func New(table *qtable.Table, registry *variant.Registry, pol policy.Policy, weights reward.Weights, thresholds safety.Thresholds, db *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		table:      table,
		registry:   registry,
		pol:        pol,
		weights:    weights,
		thresholds: thresholds,
		db:         db,
		logger:     logger.With("component", "engine"),
	}
}

// Select chooses a variant for one request. It fails open: an empty
// candidate list or a policy error yields the agent's default variant with
// the failure logged, never an error to the caller.
func (e *Engine) Select(ctx context.Context, agent, taskType string, features []float64) policy.Decision {
	scope := variant.Scope{Agent: agent, TaskType: taskType}

	candidates := e.registry.Candidates(scope)
	arms := make([]policy.Arm, 0, len(candidates))
	for _, c := range candidates {
		arms = append(arms, policy.Arm{
			VariantID: c.ID,
			Key:       qtable.Key{Agent: agent, TaskType: taskType, VariantID: c.ID},
		})
	}

	d, err := e.pol.Select(arms, features)
	if err != nil {
		if err != policy.ErrNoCandidates {
			e.logger.Warn("selection failed, serving default variant",
				"agent", agent, "taskType", taskType, "error", err)
		}
		return e.fallback(agent)
	}
	return d
}

// fallback returns the hard-coded default variant, registering it on first
// use so later outcomes and promotions have something to attach to.
func (e *Engine) fallback(agent string) policy.Decision {
	def := variant.NewDefault(agent)
	if _, err := e.registry.Get(def.ID); err != nil {
		if addErr := e.registry.Add(def); addErr != nil {
			e.logger.Warn("default variant registration failed", "agent", agent, "error", addErr)
		}
	}
	return policy.Decision{VariantID: def.ID, Policy: "fallback"}
}

// RecordOutcome folds one invocation outcome into the learning state and
// persists it. Malformed records are rejected before any state changes.
// Outcomes need no pairing with an earlier Select and may arrive in any
// order.
func (e *Engine) RecordOutcome(ctx context.Context, rec telemetry.InvocationRecord) error {
	r, err := reward.Compute(rec, e.weights)
	if err != nil {
		return fmt.Errorf("engine: reject outcome: %w", err)
	}
	rec.Reward = r

	k := qtable.Key{Agent: rec.Agent, TaskType: rec.TaskType, VariantID: rec.VariantID}
	entry := e.table.Update(k, r)

	if obs, ok := e.pol.(policy.Observer); ok {
		obs.Observe(k, r, rec.Success, rec.Features)
	}

	if e.db != nil {
		if err := e.db.AppendInvocation(ctx, rec); err != nil {
			// The in-memory update stands; history is degraded, not the
			// request path.
			return fmt.Errorf("engine: persist outcome: %w", err)
		}
	}

	e.logger.Debug("outcome recorded",
		"agent", rec.Agent, "taskType", rec.TaskType, "variant", rec.VariantID,
		"reward", fmt.Sprintf("%.3f", r), "q", fmt.Sprintf("%.3f", entry.Q), "visits", entry.Visits)
	return nil
}

// EvaluatePromotions runs the safety monitor over every candidate variant
// in a scope and applies the verdicts: the best auto-apply candidate is
// promoted without human input, human-approval candidates are left for the
// review surface, the rest are untouched. The returned decisions are
// recomputed each call and carry no authority of their own.
func (e *Engine) EvaluatePromotions(scope variant.Scope) []safety.Decision {
	activeID := e.registry.Active(scope)

	var decisions []safety.Decision
	var autoApply []safety.Decision
	for _, c := range e.registry.Candidates(scope) {
		if c.ID == activeID {
			continue
		}
		q, visits := e.table.Get(qtable.Key{Agent: scope.Agent, TaskType: scope.TaskType, VariantID: c.ID})
		d := safety.Decide(c.ID, q, visits, e.thresholds)
		decisions = append(decisions, d)
		if d.Action == safety.AutoApply {
			autoApply = append(autoApply, d)
		}
	}

	if len(autoApply) > 0 {
		sort.Slice(autoApply, func(i, j int) bool {
			if autoApply[i].Q != autoApply[j].Q {
				return autoApply[i].Q > autoApply[j].Q
			}
			return autoApply[i].VariantID < autoApply[j].VariantID
		})
		best := autoApply[0]
		if err := e.registry.SetActive(scope, best.VariantID); err != nil {
			e.logger.Warn("auto-apply promotion failed",
				"agent", scope.Agent, "taskType", scope.TaskType,
				"variant", best.VariantID, "error", err)
		} else {
			e.logger.Info("variant auto-applied",
				"agent", scope.Agent, "taskType", scope.TaskType,
				"variant", best.VariantID,
				"q", fmt.Sprintf("%.3f", best.Q), "visits", best.Visits)
		}
	}
	return decisions
}

// ApproveVariant applies a human reviewer's verdict on a human-approval
// tier variant: approval activates it for the scope, rejection retires it.
func (e *Engine) ApproveVariant(scope variant.Scope, variantID string, approve bool) error {
	if approve {
		if err := e.registry.SetActive(scope, variantID); err != nil {
			return fmt.Errorf("engine: approve %s: %w", variantID, err)
		}
		return nil
	}
	if err := e.registry.SetStatus(variantID, variant.StatusRetired); err != nil {
		return fmt.Errorf("engine: reject %s: %w", variantID, err)
	}
	return nil
}

// Summary is the dashboard view of one engine.
type Summary struct {
	Policy   string         `json:"policy"`
	Entries  int            `json:"entries"`
	Variants int            `json:"variants"`
	Table    []qtable.Entry `json:"table,omitempty"`
}

// Summarize returns a read-only snapshot for status surfaces. withTable
// controls whether the full Q-table rides along.
func (e *Engine) Summarize(withTable bool) Summary {
	s := Summary{
		Policy:   e.pol.Name(),
		Entries:  e.table.Len(),
		Variants: len(e.registry.All()),
	}
	if withTable {
		s.Table = e.table.Snapshot()
	}
	return s
}

// Registry exposes the variant registry for wiring the review API.
func (e *Engine) Registry() *variant.Registry { return e.registry }

// Table exposes the value table for read-only dashboard queries.
func (e *Engine) Table() *qtable.Table { return e.table }
