// Package rollback watches recent outcome windows per active variant,
// detects degradation against a longer-run baseline, and reverts to a
// prior best variant.
package rollback

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/banditclaw/internal/qtable"
	"github.com/clawinfra/banditclaw/internal/store"
	"github.com/clawinfra/banditclaw/internal/telemetry"
	"github.com/clawinfra/banditclaw/internal/variant"
)

// Config holds degradation thresholds. Defaults come from the platform's
// operating experience; all are tunable.
type Config struct {
	// WindowSize is the number of most-recent invocations evaluated.
	WindowSize int `json:"windowSize"`
	// BaselineSize caps how far back the baseline looks.
	BaselineSize int `json:"baselineSize"`
	// SuccessDropPts triggers on an absolute success-rate drop.
	SuccessDropPts float64 `json:"successDropPts"`
	// RewardDropPct triggers on a relative mean-reward drop.
	RewardDropPct float64 `json:"rewardDropPct"`
	// ErrorRisePct triggers on a relative error-rate increase.
	ErrorRisePct float64 `json:"errorRisePct"`
	// Cooldown is the minimum gap between rollbacks for one scope.
	Cooldown time.Duration `json:"cooldown"`
	// MinSamples is the visit floor for a rollback target.
	MinSamples int `json:"minSamples"`
	// DefaultVariant is the hard-coded fallback target suffix; the full id
	// is agent + "-" + DefaultVariant.
	DefaultVariant string `json:"defaultVariant"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize:     20,
		BaselineSize:   100,
		SuccessDropPts: 0.10,
		RewardDropPct:  0.15,
		ErrorRisePct:   0.20,
		Cooldown:       24 * time.Hour,
		MinSamples:     5,
		DefaultVariant: "default",
	}
}

// Manager detects degradation and executes reversions.
type Manager struct {
	cfg      Config
	db       *store.Store
	table    *qtable.Table
	registry *variant.Registry
	logger   *slog.Logger

	// scopeMu serializes detection + switch per scope so two concurrent
	// scans cannot trigger conflicting rollbacks.
	mu      sync.Mutex
	scopeMu map[variant.Scope]*sync.Mutex
}

// NewManager creates a rollback manager.
func NewManager(cfg Config, db *store.Store, table *qtable.Table, registry *variant.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		db:       db,
		table:    table,
		registry: registry,
		logger:   logger.With("component", "rollback"),
		scopeMu:  make(map[variant.Scope]*sync.Mutex),
	}
}

func (m *Manager) lockScope(scope variant.Scope) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.scopeMu[scope]
	if !ok {
		mu = &sync.Mutex{}
		m.scopeMu[scope] = mu
	}
	return mu
}

// WindowStats summarizes one slice of invocations.
type WindowStats struct {
	Count       int
	SuccessRate float64
	MeanReward  float64
	ErrorRate   float64 // mean errors per invocation
}

// Stats computes window statistics over a record slice.
func Stats(records []telemetry.InvocationRecord) WindowStats {
	s := WindowStats{Count: len(records)}
	if s.Count == 0 {
		return s
	}
	successes, errors := 0, 0
	rewardSum := 0.0
	for _, r := range records {
		if r.Success {
			successes++
		}
		errors += r.ErrorCount
		rewardSum += r.Reward
	}
	n := float64(s.Count)
	s.SuccessRate = float64(successes) / n
	s.MeanReward = rewardSum / n
	s.ErrorRate = float64(errors) / n
	return s
}

// Degraded reports whether the recent window degraded versus the baseline,
// and why. Any one trigger is sufficient.
func (m *Manager) Degraded(baseline, recent WindowStats) (bool, []string) {
	var reasons []string

	if drop := baseline.SuccessRate - recent.SuccessRate; drop > m.cfg.SuccessDropPts {
		reasons = append(reasons, fmt.Sprintf(
			"success rate dropped %.1f points (%.2f -> %.2f)",
			drop*100, baseline.SuccessRate, recent.SuccessRate))
	}
	if baseline.MeanReward > 0 {
		if drop := (baseline.MeanReward - recent.MeanReward) / baseline.MeanReward; drop > m.cfg.RewardDropPct {
			reasons = append(reasons, fmt.Sprintf(
				"mean reward dropped %.0f%% (%.3f -> %.3f)",
				drop*100, baseline.MeanReward, recent.MeanReward))
		}
	}
	if baseline.ErrorRate > 0 {
		if rise := (recent.ErrorRate - baseline.ErrorRate) / baseline.ErrorRate; rise > m.cfg.ErrorRisePct {
			reasons = append(reasons, fmt.Sprintf(
				"error rate rose %.0f%% (%.3f -> %.3f)",
				rise*100, baseline.ErrorRate, recent.ErrorRate))
		}
	}
	return len(reasons) > 0, reasons
}

// Evaluate checks one scope and executes a rollback if the active variant
// degraded. Returns the appended event, or nil when no action was taken.
// Safe to re-run: an unchanged window produces the same fingerprint and is
// dropped by the store, and the cooldown suppresses repeat triggers.
func (m *Manager) Evaluate(ctx context.Context, scope variant.Scope) (*store.RollbackEvent, error) {
	mu := m.lockScope(scope)
	mu.Lock()
	defer mu.Unlock()

	activeID := m.registry.Active(scope)
	if activeID == "" {
		return nil, nil
	}

	// Cooldown: check the most recent event before any analysis.
	last, err := m.db.LastRollbackEvent(ctx, scope.Agent, scope.TaskType)
	if err != nil {
		return nil, fmt.Errorf("rollback: last event: %w", err)
	}
	if last != nil && time.Since(last.Timestamp) < m.cfg.Cooldown {
		m.logger.Debug("rollback suppressed by cooldown",
			"agent", scope.Agent,
			"taskType", scope.TaskType,
			"lastEvent", last.ID,
		)
		return nil, nil
	}

	history, err := m.db.RecentInvocations(ctx, scope.Agent, scope.TaskType,
		m.cfg.WindowSize+m.cfg.BaselineSize)
	if err != nil {
		return nil, fmt.Errorf("rollback: load history: %w", err)
	}

	// Only the active variant's outcomes count against it.
	var forActive []telemetry.InvocationRecord
	for _, r := range history {
		if r.VariantID == activeID {
			forActive = append(forActive, r)
		}
	}
	if len(forActive) < m.cfg.WindowSize+m.cfg.MinSamples {
		return nil, nil // not enough evidence to judge
	}

	// history is newest-first: the window is the head, the baseline the tail.
	recent := Stats(forActive[:m.cfg.WindowSize])
	baseline := Stats(forActive[m.cfg.WindowSize:])

	degraded, reasons := m.Degraded(baseline, recent)
	if !degraded {
		return nil, nil
	}

	target, warning := m.selectTarget(scope, activeID)
	reason := strings.Join(reasons, "; ")
	if warning != "" {
		reason += "; " + warning
	}

	ev := store.RollbackEvent{
		ID:          fmt.Sprintf("rb_%s_%s", time.Now().Format("20060102_150405"), uuid.New().String()[:8]),
		Timestamp:   time.Now(),
		Agent:       scope.Agent,
		TaskType:    scope.TaskType,
		FromVariant: activeID,
		ToVariant:   target,
		Reason:      reason,
		Metrics: store.DegradationMetrics{
			BaselineSuccessRate: baseline.SuccessRate,
			RecentSuccessRate:   recent.SuccessRate,
			BaselineMeanReward:  baseline.MeanReward,
			RecentMeanReward:    recent.MeanReward,
			BaselineErrorRate:   baseline.ErrorRate,
			RecentErrorRate:     recent.ErrorRate,
			BaselineCount:       baseline.Count,
			RecentCount:         recent.Count,
		},
		Fingerprint: windowFingerprint(scope, activeID, forActive[:m.cfg.WindowSize]),
	}

	// Event first, switch second: if the append dedupes (same window seen
	// before) the switch already happened on the earlier run.
	appended, err := m.db.AppendRollbackEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("rollback: append event: %w", err)
	}
	if !appended {
		return nil, nil
	}

	if err := m.switchTo(scope, target); err != nil {
		// The event stands as the audit record of the attempt.
		m.logger.Error("rollback switch failed",
			"agent", scope.Agent,
			"taskType", scope.TaskType,
			"target", target,
			"error", err,
		)
		return &ev, err
	}

	m.logger.Warn("rollback executed",
		"agent", scope.Agent,
		"taskType", scope.TaskType,
		"from", activeID,
		"to", target,
		"reason", reason,
	)
	return &ev, nil
}

// EvaluateAll runs Evaluate over every scope with recorded history.
func (m *Manager) EvaluateAll(ctx context.Context) ([]store.RollbackEvent, error) {
	scopes, err := m.db.Scopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("rollback: list scopes: %w", err)
	}

	var events []store.RollbackEvent
	for _, sc := range scopes {
		ev, err := m.Evaluate(ctx, variant.Scope{Agent: sc[0], TaskType: sc[1]})
		if err != nil {
			m.logger.Warn("scope evaluation failed",
				"agent", sc[0], "taskType", sc[1], "error", err)
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

// selectTarget picks the best-qualified prior variant: highest Q among
// arms with enough visits, excluding the degraded one. With no qualifying
// arm it falls back to the agent's hard-coded default variant.
func (m *Manager) selectTarget(scope variant.Scope, excludeID string) (target, warning string) {
	bestID := ""
	bestQ := -1.0
	for _, e := range m.table.Entries(scope.Agent, scope.TaskType) {
		if e.Key.VariantID == excludeID || e.Visits < m.cfg.MinSamples {
			continue
		}
		if _, err := m.registry.Get(e.Key.VariantID); err != nil {
			continue // unknown to the registry, cannot activate
		}
		if e.Q > bestQ {
			bestID, bestQ = e.Key.VariantID, e.Q
		}
	}
	if bestID != "" {
		return bestID, ""
	}

	fallback := scope.Agent + "-" + m.cfg.DefaultVariant
	m.logger.Warn("no qualifying rollback target, using default variant",
		"agent", scope.Agent,
		"taskType", scope.TaskType,
		"fallback", fallback,
	)
	return fallback, "no qualifying prior variant; fell back to default"
}

func (m *Manager) switchTo(scope variant.Scope, target string) error {
	if err := m.registry.SetActive(scope, target); err != nil {
		if err == variant.ErrNotFound {
			// Fallback default variant may not be registered yet.
			def := variant.NewDefault(scope.Agent)
			def.ID = target
			def.TaskType = scope.TaskType
			// Registered as candidate so SetActive performs the promotion
			// and demotes the degraded variant in one step.
			def.Status = variant.StatusCandidate
			if addErr := m.registry.Add(def); addErr != nil {
				return addErr
			}
			return m.registry.SetActive(scope, target)
		}
		return err
	}
	return nil
}

// windowFingerprint hashes the scope plus the exact record timestamps in
// the evaluated window. Re-running the analysis over the same window with
// no new data reproduces the fingerprint byte for byte.
func windowFingerprint(scope variant.Scope, activeID string, window []telemetry.InvocationRecord) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(scope.Agent))
	h.Write([]byte{0})
	h.Write([]byte(scope.TaskType))
	h.Write([]byte{0})
	h.Write([]byte(activeID))
	for _, r := range window {
		fmt.Fprintf(h, "|%d", r.Timestamp.UnixMilli())
	}
	return hex.EncodeToString(h.Sum(nil))
}
