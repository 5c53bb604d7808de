package variant

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Mutator applies structured mutation operators to variants. All randomness
// flows through the injected source so searches are reproducible.
type Mutator struct {
	rng      *rand.Rand
	strength float64 // fractional perturbation scale for numeric params
}

// NewMutator creates a mutator. strength outside (0,1] falls back to 0.2.
func NewMutator(rng *rand.Rand, strength float64) *Mutator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if strength <= 0 || strength > 1 {
		strength = 0.2
	}
	return &Mutator{rng: rng, strength: strength}
}

func (m *Mutator) childOf(parents ...*Variant) *Variant {
	base := parents[0]
	ids := make([]string, len(parents))
	for i, p := range parents {
		ids[i] = p.ID
	}
	child, _ := base.Clone()
	child.ID = fmt.Sprintf("%s-m%s", base.Agent, uuid.New().String()[:8])
	child.Parents = ids
	child.Status = StatusCandidate
	child.CreatedAt = time.Now()
	return child
}

// JitterParams perturbs the numeric parameters within bounds.
func (m *Mutator) JitterParams(parent *Variant) *Variant {
	child := m.childOf(parent)
	child.Params.Temperature = m.jitter(parent.Params.Temperature, 0, 2)
	if parent.Params.MaxTokens > 0 {
		child.Params.MaxTokens = int(m.jitter(float64(parent.Params.MaxTokens), 1, 1<<20))
	}
	if len(parent.Params.Extra) > 0 {
		child.Params.Extra = make(map[string]float64, len(parent.Params.Extra))
		for k, v := range parent.Params.Extra {
			child.Params.Extra[k] = m.jitter(v, -1e6, 1e6)
		}
	}
	return child
}

// EditPromptSection applies one structured edit to the child's edit list.
func (m *Mutator) EditPromptSection(parent *Variant, edit PromptEdit) (*Variant, error) {
	switch edit.Op {
	case EditAppend, EditRemove, EditReplace:
	default:
		return nil, fmt.Errorf("variant: invalid edit op %q", edit.Op)
	}
	if edit.Section == "" {
		return nil, fmt.Errorf("variant: edit missing section tag")
	}

	child := m.childOf(parent)
	if edit.Op == EditRemove {
		// Drop prior edits against the section, then record the removal.
		kept := child.Edits[:0]
		for _, e := range child.Edits {
			if e.Section != edit.Section {
				kept = append(kept, e)
			}
		}
		child.Edits = kept
	}
	child.Edits = append(child.Edits, edit)
	return child, nil
}

// StepModelTier moves the model tier one step up or down the ordered tier
// list. At either end the step reflects back inward.
func (m *Mutator) StepModelTier(parent *Variant) *Variant {
	child := m.childOf(parent)

	idx := tierIndex(parent.Params.ModelTier)
	if idx < 0 {
		idx = 1 // unset tier starts from "standard"
	}
	step := 1
	if m.rng.Float64() < 0.5 {
		step = -1
	}
	next := idx + step
	if next < 0 || next >= len(ModelTiers) {
		next = idx - step
	}
	child.Params.ModelTier = ModelTiers[next]
	return child
}

// Crossover merges two parents: numeric parameters average, edit lists
// merge section-by-section with parent a winning conflicts.
func (m *Mutator) Crossover(a, b *Variant) *Variant {
	child := m.childOf(a, b)

	child.Params.Temperature = (a.Params.Temperature + b.Params.Temperature) / 2
	child.Params.MaxTokens = (a.Params.MaxTokens + b.Params.MaxTokens) / 2
	if tierIndex(a.Params.ModelTier) >= 0 && tierIndex(b.Params.ModelTier) >= 0 {
		child.Params.ModelTier = ModelTiers[(tierIndex(a.Params.ModelTier)+tierIndex(b.Params.ModelTier))/2]
	}

	extra := make(map[string]float64)
	for k, v := range a.Params.Extra {
		extra[k] = v
	}
	for k, v := range b.Params.Extra {
		if av, ok := extra[k]; ok {
			extra[k] = (av + v) / 2
		} else {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		child.Params.Extra = extra
	}

	// Merge edits: a's edits in order, then b's edits for sections a never
	// touched. Order within each parent is preserved.
	seen := make(map[string]bool)
	merged := append([]PromptEdit(nil), a.Edits...)
	for _, e := range a.Edits {
		seen[e.Section] = true
	}
	for _, e := range b.Edits {
		if !seen[e.Section] {
			merged = append(merged, e)
		}
	}
	child.Edits = merged
	return child
}

// Mutate applies one randomly chosen operator, excluding prompt edits
// (those need a concrete edit supplied by the caller or the proposer's
// edit pool).
func (m *Mutator) Mutate(parent *Variant) *Variant {
	switch m.rng.Intn(2) {
	case 0:
		return m.JitterParams(parent)
	default:
		return m.StepModelTier(parent)
	}
}

// jitter perturbs v by up to +/- strength*v (or strength alone when v is
// zero), clamped to [min, max].
func (m *Mutator) jitter(v, min, max float64) float64 {
	scale := v
	if scale == 0 {
		scale = 1
	}
	delta := scale * m.strength * (2*m.rng.Float64() - 1)
	out := v + delta
	if out < min {
		out = min
	}
	if out > max {
		out = max
	}
	return out
}

// SortByID orders variants deterministically for stable output.
func SortByID(vs []*Variant) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })
}
