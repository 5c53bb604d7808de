// Package variant models agent variants: parameter overrides plus ordered
// prompt-section edits, with lineage and lifecycle status. The engine
// manages variant metadata only; prompt content is never interpreted
// semantically here.
package variant

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the variant lifecycle state.
type Status string

const (
	StatusCandidate Status = "candidate"
	StatusActive    Status = "active"
	StatusRetired   Status = "retired"
)

// Edit operations on tagged prompt sections.
const (
	EditAppend  = "append"
	EditRemove  = "remove"
	EditReplace = "replace"
)

// ModelTiers is the ordered set of model tiers a variant may select,
// cheapest first. Tier steps during mutation move one position at a time.
var ModelTiers = []string{"fast", "standard", "advanced", "premium"}

// PromptEdit is one structured edit against a tagged prompt section.
// Edits recombine and perturb; they never synthesize new prose.
type PromptEdit struct {
	Op      string `json:"op" yaml:"op"`           // append, remove, replace
	Section string `json:"section" yaml:"section"` // section tag
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
}

// Params are the numeric/tier overrides a variant applies to its agent.
type Params struct {
	Temperature float64            `json:"temperature" yaml:"temperature"`
	MaxTokens   int                `json:"maxTokens" yaml:"maxTokens"`
	ModelTier   string             `json:"modelTier" yaml:"modelTier"`
	Extra       map[string]float64 `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Variant is one selectable configuration of an agent.
type Variant struct {
	ID        string       `json:"id" yaml:"id"`
	Agent     string       `json:"agent" yaml:"agent"`
	TaskType  string       `json:"taskType,omitempty" yaml:"taskType,omitempty"` // optional specialization
	Status    Status       `json:"status" yaml:"status"`
	Params    Params       `json:"params" yaml:"params"`
	Edits     []PromptEdit `json:"edits,omitempty" yaml:"edits,omitempty"`
	Parents   []string     `json:"parents,omitempty" yaml:"parents,omitempty"` // lineage by id, never live references
	CreatedAt time.Time    `json:"createdAt" yaml:"createdAt"`
}

// Validate checks structural invariants.
func (v *Variant) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("variant: id required")
	}
	if v.Agent == "" {
		return fmt.Errorf("variant %s: agent required", v.ID)
	}
	switch v.Status {
	case StatusCandidate, StatusActive, StatusRetired:
	default:
		return fmt.Errorf("variant %s: invalid status %q", v.ID, v.Status)
	}
	if v.Params.ModelTier != "" && tierIndex(v.Params.ModelTier) < 0 {
		return fmt.Errorf("variant %s: unknown model tier %q", v.ID, v.Params.ModelTier)
	}
	if v.Params.Temperature < 0 || v.Params.Temperature > 2 {
		return fmt.Errorf("variant %s: temperature %f out of [0,2]", v.ID, v.Params.Temperature)
	}
	for i, e := range v.Edits {
		switch e.Op {
		case EditAppend, EditRemove, EditReplace:
		default:
			return fmt.Errorf("variant %s: edit %d has invalid op %q", v.ID, i, e.Op)
		}
		if e.Section == "" {
			return fmt.Errorf("variant %s: edit %d missing section tag", v.ID, i)
		}
	}
	return nil
}

// Clone deep-copies the variant via a JSON round-trip.
func (v *Variant) Clone() (*Variant, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var c Variant
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CanTransition reports whether a status change is a legal lifecycle move.
// Candidates activate or retire; active variants step down to candidate
// (demotion or rollback) or retire; retired variants are terminal
// (superseded, never resurrected in place).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusCandidate:
		return to == StatusActive || to == StatusRetired
	case StatusActive:
		return to == StatusCandidate || to == StatusRetired
	default:
		return false
	}
}

func tierIndex(tier string) int {
	for i, t := range ModelTiers {
		if t == tier {
			return i
		}
	}
	return -1
}
