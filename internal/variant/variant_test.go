package variant

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func testVariant(id string) *Variant {
	return &Variant{
		ID:     id,
		Agent:  "coder",
		Status: StatusCandidate,
		Params: Params{
			Temperature: 0.7,
			MaxTokens:   4096,
			ModelTier:   "standard",
			Extra:       map[string]float64{"topP": 0.9},
		},
		Edits: []PromptEdit{
			{Op: EditAppend, Section: "guidelines", Content: "Prefer small diffs."},
		},
		CreatedAt: time.Now(),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Variant)
		wantErr bool
	}{
		{"valid", func(v *Variant) {}, false},
		{"missing id", func(v *Variant) { v.ID = "" }, true},
		{"missing agent", func(v *Variant) { v.Agent = "" }, true},
		{"bad status", func(v *Variant) { v.Status = "zombie" }, true},
		{"bad tier", func(v *Variant) { v.Params.ModelTier = "turbo" }, true},
		{"temperature out of range", func(v *Variant) { v.Params.Temperature = 3 }, true},
		{"bad edit op", func(v *Variant) { v.Edits[0].Op = "rewrite" }, true},
		{"edit missing section", func(v *Variant) { v.Edits[0].Section = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testVariant("v1")
			tt.mutate(v)
			if err := v.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCandidate, StatusActive, true},
		{StatusCandidate, StatusRetired, true},
		{StatusActive, StatusCandidate, true},
		{StatusActive, StatusRetired, true},
		{StatusRetired, StatusActive, false},
		{StatusRetired, StatusCandidate, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	v := testVariant("v1")
	c, err := v.Clone()
	if err != nil {
		t.Fatal(err)
	}
	c.Params.Extra["topP"] = 0.1
	c.Edits[0].Content = "changed"
	if v.Params.Extra["topP"] != 0.9 || v.Edits[0].Content == "changed" {
		t.Error("clone shares state with original")
	}
}

// --- mutation operators ---

func testMutator() *Mutator {
	return NewMutator(rand.New(rand.NewSource(7)), 0.2)
}

func TestJitterParamsStaysInBounds(t *testing.T) {
	m := testMutator()
	parent := testVariant("v1")
	for i := 0; i < 100; i++ {
		child := m.JitterParams(parent)
		if child.Params.Temperature < 0 || child.Params.Temperature > 2 {
			t.Fatalf("temperature %f out of bounds", child.Params.Temperature)
		}
		if child.ID == parent.ID {
			t.Fatal("child must get a fresh id")
		}
		if len(child.Parents) != 1 || child.Parents[0] != parent.ID {
			t.Fatal("child must record parent lineage")
		}
		if child.Status != StatusCandidate {
			t.Fatal("mutated variants start as candidates")
		}
	}
}

func TestStepModelTierMovesOneStep(t *testing.T) {
	m := testMutator()
	parent := testVariant("v1")
	parent.Params.ModelTier = "standard"

	for i := 0; i < 50; i++ {
		child := m.StepModelTier(parent)
		got := child.Params.ModelTier
		if got != "fast" && got != "advanced" {
			t.Fatalf("tier stepped from standard to %q", got)
		}
	}
}

func TestStepModelTierReflectsAtEnds(t *testing.T) {
	m := testMutator()
	parent := testVariant("v1")
	parent.Params.ModelTier = ModelTiers[0]

	for i := 0; i < 50; i++ {
		child := m.StepModelTier(parent)
		if child.Params.ModelTier != ModelTiers[1] {
			t.Fatalf("step from lowest tier gave %q, want %q", child.Params.ModelTier, ModelTiers[1])
		}
	}
}

func TestEditPromptSection(t *testing.T) {
	m := testMutator()
	parent := testVariant("v1")

	child, err := m.EditPromptSection(parent, PromptEdit{Op: EditReplace, Section: "style", Content: "terse"})
	if err != nil {
		t.Fatal(err)
	}
	if len(child.Edits) != len(parent.Edits)+1 {
		t.Errorf("edit count = %d, want %d", len(child.Edits), len(parent.Edits)+1)
	}

	if _, err := m.EditPromptSection(parent, PromptEdit{Op: "invent", Section: "style"}); err == nil {
		t.Error("expected error for invalid op")
	}
	if _, err := m.EditPromptSection(parent, PromptEdit{Op: EditAppend}); err == nil {
		t.Error("expected error for missing section")
	}
}

func TestEditRemoveDropsPriorSectionEdits(t *testing.T) {
	m := testMutator()
	parent := testVariant("v1")

	child, err := m.EditPromptSection(parent, PromptEdit{Op: EditRemove, Section: "guidelines"})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range child.Edits {
		if e.Section == "guidelines" && e.Op != EditRemove {
			t.Errorf("stale edit survived removal: %+v", e)
		}
	}
}

func TestCrossoverAveragesAndMerges(t *testing.T) {
	m := testMutator()
	a := testVariant("a")
	a.Params.Temperature = 0.4
	a.Params.MaxTokens = 2000
	b := testVariant("b")
	b.Params.Temperature = 0.8
	b.Params.MaxTokens = 4000
	b.Edits = []PromptEdit{
		{Op: EditAppend, Section: "guidelines", Content: "conflicting"}, // conflict: a wins
		{Op: EditAppend, Section: "testing", Content: "add tests"},
	}

	child := m.Crossover(a, b)
	if math.Abs(child.Params.Temperature-0.6) > 1e-9 {
		t.Errorf("temperature = %f, want 0.6", child.Params.Temperature)
	}
	if child.Params.MaxTokens != 3000 {
		t.Errorf("maxTokens = %d, want 3000", child.Params.MaxTokens)
	}
	if len(child.Parents) != 2 {
		t.Errorf("lineage = %v, want both parents", child.Parents)
	}

	sections := make(map[string]string)
	for _, e := range child.Edits {
		if _, ok := sections[e.Section]; !ok {
			sections[e.Section] = e.Content
		}
	}
	if sections["guidelines"] != "Prefer small diffs." {
		t.Error("conflicting section must come from parent a")
	}
	if sections["testing"] != "add tests" {
		t.Error("non-conflicting section from parent b must merge in")
	}
}
