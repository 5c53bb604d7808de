package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/banditclaw/internal/proposer"
	"github.com/clawinfra/banditclaw/internal/rollback"
	"github.com/clawinfra/banditclaw/internal/store"
	"github.com/clawinfra/banditclaw/internal/variant"
)

// Batch bundles the cold-path jobs behind the scheduler's executor
// contract. An empty agent targets every scope with recorded history.
type Batch struct {
	engine    *Engine
	rollbacks *rollback.Manager
	analyzer  *proposer.Analyzer
	db        *store.Store
	logger    *slog.Logger
}

// NewBatch creates the batch executor.
func NewBatch(e *Engine, rollbacks *rollback.Manager, analyzer *proposer.Analyzer, db *store.Store, logger *slog.Logger) *Batch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{
		engine:    e,
		rollbacks: rollbacks,
		analyzer:  analyzer,
		db:        db,
		logger:    logger.With("component", "batch"),
	}
}

// ScanRollbacks evaluates degradation and executes reversions.
func (b *Batch) ScanRollbacks(ctx context.Context, agent, taskType string) error {
	if agent == "" {
		events, err := b.rollbacks.EvaluateAll(ctx)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			b.logger.Warn("rollback scan reverted variants", "count", len(events))
		}
		return nil
	}
	_, err := b.rollbacks.Evaluate(ctx, variant.Scope{Agent: agent, TaskType: taskType})
	return err
}

// RunProposer runs the offline analysis triggers.
func (b *Batch) RunProposer(ctx context.Context, agent, taskType string) error {
	if agent == "" {
		props, err := b.analyzer.AnalyzeAll(ctx)
		if err != nil {
			return err
		}
		if len(props) > 0 {
			b.logger.Info("proposer run recorded proposals", "count", len(props))
		}
		return nil
	}
	_, err := b.analyzer.Analyze(ctx, variant.Scope{Agent: agent, TaskType: taskType})
	return err
}

// RunEvolution runs the generational search for one scope.
func (b *Batch) RunEvolution(ctx context.Context, agent, taskType string) error {
	if agent == "" || taskType == "" {
		return fmt.Errorf("batch: evolution requires a concrete scope")
	}
	props, err := b.analyzer.Evolve(ctx, variant.Scope{Agent: agent, TaskType: taskType})
	if err != nil {
		return err
	}
	if len(props) > 0 {
		b.logger.Info("evolution recorded survivors",
			"agent", agent, "taskType", taskType, "count", len(props))
	}
	return nil
}

// ScanPromotions runs the safety monitor over candidate variants, fanned
// out across scopes.
func (b *Batch) ScanPromotions(ctx context.Context, agent, taskType string) error {
	if agent != "" {
		b.engine.EvaluatePromotions(variant.Scope{Agent: agent, TaskType: taskType})
		return nil
	}

	scopes, err := b.db.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("batch: list scopes: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sc := range scopes {
		scope := variant.Scope{Agent: sc[0], TaskType: sc[1]}
		g.Go(func() error {
			b.engine.EvaluatePromotions(scope)
			return nil
		})
	}
	return g.Wait()
}
