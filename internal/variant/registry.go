package variant

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown variant ids.
var ErrNotFound = errors.New("variant: not found")

// Scope identifies one (agent, task type) selection scope.
type Scope struct {
	Agent    string
	TaskType string
}

// Registry holds variant metadata and the active variant per scope. The
// active switch is a single atomic transition per scope so two concurrent
// degradation detections cannot race into conflicting states.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]*Variant
	active   map[Scope]string
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		variants: make(map[string]*Variant),
		active:   make(map[Scope]string),
		logger:   logger.With("component", "variants"),
	}
}

// Add registers a variant. Existing ids are rejected; lineage records are
// append-only.
func (r *Registry) Add(v *Variant) error {
	if err := v.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.variants[v.ID]; exists {
		return fmt.Errorf("variant %s already registered", v.ID)
	}
	c, err := v.Clone()
	if err != nil {
		return err
	}
	r.variants[v.ID] = c

	if c.Status == StatusActive {
		r.active[Scope{Agent: c.Agent, TaskType: c.TaskType}] = c.ID
	}
	return nil
}

// Get returns a copy of the variant.
func (r *Registry) Get(id string) (*Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.variants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.Clone()
}

// Candidates returns the selectable variants for a scope: non-retired
// variants for the agent whose specialization matches the task type or is
// unset. The active variant sorts first so callers can treat it as the
// default arm.
func (r *Registry) Candidates(scope Scope) []*Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	activeID := r.active[scope]
	var out []*Variant
	for _, v := range r.variants {
		if v.Agent != scope.Agent || v.Status == StatusRetired {
			continue
		}
		if v.TaskType != "" && v.TaskType != scope.TaskType {
			continue
		}
		c, err := v.Clone()
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ID == activeID) != (out[j].ID == activeID) {
			return out[i].ID == activeID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active returns the active variant id for a scope, empty if none.
func (r *Registry) Active(scope Scope) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[scope]
}

// SetActive promotes a variant to active for a scope and demotes the
// previous active variant back to candidate in the same atomic step, so a
// later rollback can still target it.
func (r *Registry) SetActive(scope Scope, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.variants[id]
	if !ok {
		return ErrNotFound
	}
	if v.Agent != scope.Agent {
		return fmt.Errorf("variant %s belongs to agent %s, not %s", id, v.Agent, scope.Agent)
	}

	prevID := r.active[scope]
	if prevID == id {
		return nil
	}

	if v.Status != StatusActive {
		if !CanTransition(v.Status, StatusActive) {
			return fmt.Errorf("variant %s: illegal transition %s -> active", id, v.Status)
		}
		v.Status = StatusActive
	}
	r.active[scope] = id

	if prev, ok := r.variants[prevID]; ok && prev.Status == StatusActive {
		prev.Status = StatusCandidate
	}

	r.logger.Info("active variant switched",
		"agent", scope.Agent,
		"taskType", scope.TaskType,
		"from", prevID,
		"to", id,
	)
	return nil
}

// SetStatus applies a validated lifecycle transition.
func (r *Registry) SetStatus(id string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.variants[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status == to {
		return nil
	}
	if !CanTransition(v.Status, to) {
		return fmt.Errorf("variant %s: illegal transition %s -> %s", id, v.Status, to)
	}
	v.Status = to

	// Retiring the active variant clears every scope pointing at it; a
	// generalist variant may be active under a task type other than its
	// own (SetActive only checks the agent).
	if to == StatusRetired {
		for scope, activeID := range r.active {
			if activeID == id {
				delete(r.active, scope)
			}
		}
	}
	return nil
}

// All returns a copy of every registered variant, sorted by id.
func (r *Registry) All() []*Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Variant, 0, len(r.variants))
	for _, v := range r.variants {
		if c, err := v.Clone(); err == nil {
			out = append(out, c)
		}
	}
	SortByID(out)
	return out
}

// NewDefault builds a minimal active variant used as the hard-coded
// fallback for a scope with no authored variants.
func NewDefault(agent string) *Variant {
	return &Variant{
		ID:        agent + "-default",
		Agent:     agent,
		Status:    StatusActive,
		Params:    Params{Temperature: 0.7, ModelTier: "standard"},
		CreatedAt: time.Now(),
	}
}
