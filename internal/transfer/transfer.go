// Package transfer warm-starts Q-values for task types with insufficient
// native data from similar, already-learned task types.
package transfer

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/clawinfra/banditclaw/internal/qtable"
)

// Matrix is a symmetric task-similarity matrix with entries in [0,1].
type Matrix struct {
	entries map[string]map[string]float64
}

// matrixFile is the on-disk TOML shape:
//
//	[similarity]
//	[similarity.api-design]
//	backend-api = 0.8
//	cli-tool    = 0.4
type matrixFile struct {
	Similarity map[string]map[string]float64 `toml:"similarity"`
}

// NewMatrix builds an empty matrix.
func NewMatrix() *Matrix {
	return &Matrix{entries: make(map[string]map[string]float64)}
}

// LoadMatrix reads a similarity matrix from a TOML file. Entries outside
// [0,1] are rejected; symmetry is enforced by construction (each pair is
// set in both directions).
func LoadMatrix(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read similarity matrix: %w", err)
	}

	var f matrixFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse similarity matrix: %w", err)
	}

	m := NewMatrix()
	for a, row := range f.Similarity {
		for b, sim := range row {
			if sim < 0 || sim > 1 {
				return nil, fmt.Errorf("similarity(%s, %s) = %f out of [0,1]", a, b, sim)
			}
			m.Set(a, b, sim)
		}
	}
	return m, nil
}

// Set records the similarity for a pair in both directions.
func (m *Matrix) Set(a, b string, sim float64) {
	if m.entries[a] == nil {
		m.entries[a] = make(map[string]float64)
	}
	if m.entries[b] == nil {
		m.entries[b] = make(map[string]float64)
	}
	m.entries[a][b] = sim
	m.entries[b][a] = sim
}

// Similarity returns the similarity for a pair. A task is fully similar to
// itself; unknown pairs are 0.
func (m *Matrix) Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return m.entries[a][b]
}

// MostSimilar returns up to n known task types most similar to the target,
// best first, skipping zero-similarity entries.
func (m *Matrix) MostSimilar(target string, n int) []string {
	type pair struct {
		task string
		sim  float64
	}
	var pairs []pair
	for task, sim := range m.entries[target] {
		if task != target && sim > 0 {
			pairs = append(pairs, pair{task, sim})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].sim != pairs[j].sim {
			return pairs[i].sim > pairs[j].sim
		}
		return pairs[i].task < pairs[j].task
	})
	if n > len(pairs) {
		n = len(pairs)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = pairs[i].task
	}
	return out
}

// Engine applies warm starts against the shared Q-table.
type Engine struct {
	table  *qtable.Table
	matrix *Matrix
	// ratio weighs transferred knowledge against any prior target estimate.
	ratio float64
	// minNativeVisits guards well-sampled target entries from being
	// overwritten by transfer.
	minNativeVisits int
	logger          *slog.Logger
}

// NewEngine creates a transfer engine. ratio outside (0,1] falls back to 0.5.
func NewEngine(table *qtable.Table, matrix *Matrix, ratio float64, minNativeVisits int, logger *slog.Logger) *Engine {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	if minNativeVisits <= 0 {
		minNativeVisits = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		table:           table,
		matrix:          matrix,
		ratio:           ratio,
		minNativeVisits: minNativeVisits,
		logger:          logger.With("component", "transfer"),
	}
}

// WarmStart seeds Q-values for targetTask from sourceTask for the given
// agent. For each variant with a source entry:
//
//	Q_target <- (1-ratio)*Q_target_prior + ratio*Q_source*similarity
//
// Target entries with at least minNativeVisits native visits are left
// untouched. Returns the number of entries seeded.
func (e *Engine) WarmStart(agent, targetTask, sourceTask string) int {
	sim := e.matrix.Similarity(sourceTask, targetTask)
	if sim <= 0 {
		e.logger.Debug("no similarity between tasks, skipping warm start",
			"source", sourceTask, "target", targetTask)
		return 0
	}

	seeded := 0
	for _, src := range e.table.Entries(agent, sourceTask) {
		targetKey := qtable.Key{
			Agent:     agent,
			TaskType:  targetTask,
			VariantID: src.Key.VariantID,
		}
		prior, visits := e.table.Get(targetKey)
		if visits >= e.minNativeVisits {
			continue
		}
		blended := (1-e.ratio)*prior + e.ratio*src.Q*sim
		if e.table.Seed(targetKey, blended, e.minNativeVisits) {
			seeded++
		}
	}

	if seeded > 0 {
		e.logger.Info("warm start applied",
			"agent", agent,
			"source", sourceTask,
			"target", targetTask,
			"similarity", sim,
			"seeded", seeded,
		)
	}
	return seeded
}

// WarmStartFromBest seeds the target task from its most similar known
// tasks until one contributes entries.
func (e *Engine) WarmStartFromBest(agent, targetTask string) int {
	for _, source := range e.matrix.MostSimilar(targetTask, 3) {
		if n := e.WarmStart(agent, targetTask, source); n > 0 {
			return n
		}
	}
	return 0
}
