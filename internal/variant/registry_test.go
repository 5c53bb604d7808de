package variant

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry(testLogger())
	v := testVariant("v1")
	if err := r.Add(v); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(v); err == nil {
		t.Error("duplicate id must be rejected")
	}

	got, err := r.Get("v1")
	if err != nil {
		t.Fatal(err)
	}
	got.Params.Temperature = 1.9
	again, _ := r.Get("v1")
	if again.Params.Temperature == 1.9 {
		t.Error("Get must return a copy, not shared state")
	}

	if _, err := r.Get("missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCandidatesScoping(t *testing.T) {
	r := NewRegistry(testLogger())

	generic := testVariant("generic")
	specialized := testVariant("api-optimized")
	specialized.TaskType = "api-design"
	other := testVariant("frontend-only")
	other.TaskType = "frontend"
	retired := testVariant("old")
	retired.Status = StatusRetired

	for _, v := range []*Variant{generic, specialized, other, retired} {
		if err := r.Add(v); err != nil {
			t.Fatal(err)
		}
	}

	got := r.Candidates(Scope{Agent: "coder", TaskType: "api-design"})
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2 (generic + specialized)", len(got))
	}
	for _, v := range got {
		if v.ID == "frontend-only" || v.ID == "old" {
			t.Errorf("unexpected candidate %s", v.ID)
		}
	}
}

func TestCandidatesActiveSortsFirst(t *testing.T) {
	r := NewRegistry(testLogger())
	a := testVariant("aaa")
	z := testVariant("zzz")
	z.Status = StatusActive
	_ = r.Add(a)
	_ = r.Add(z)

	got := r.Candidates(Scope{Agent: "coder"})
	if len(got) != 2 || got[0].ID != "zzz" {
		t.Errorf("active variant must sort first, got %v", got[0].ID)
	}
}

func TestSetActiveSwitchesAtomically(t *testing.T) {
	r := NewRegistry(testLogger())
	scope := Scope{Agent: "coder", TaskType: "api-design"}

	v1 := testVariant("v1")
	v1.TaskType = "api-design"
	v1.Status = StatusActive
	v2 := testVariant("v2")
	v2.TaskType = "api-design"
	_ = r.Add(v1)
	_ = r.Add(v2)

	if r.Active(scope) != "v1" {
		t.Fatalf("active = %q, want v1", r.Active(scope))
	}

	if err := r.SetActive(scope, "v2"); err != nil {
		t.Fatal(err)
	}
	if r.Active(scope) != "v2" {
		t.Errorf("active = %q, want v2", r.Active(scope))
	}

	// Previous active is demoted to candidate so a rollback can return to it.
	prev, _ := r.Get("v1")
	if prev.Status != StatusCandidate {
		t.Errorf("previous active status = %s, want candidate", prev.Status)
	}
}

func TestSetActiveRejectsWrongAgent(t *testing.T) {
	r := NewRegistry(testLogger())
	v := testVariant("v1")
	_ = r.Add(v)
	if err := r.SetActive(Scope{Agent: "other"}, "v1"); err == nil {
		t.Error("expected error for agent mismatch")
	}
	if err := r.SetActive(Scope{Agent: "coder"}, "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetStatusValidatesTransitions(t *testing.T) {
	r := NewRegistry(testLogger())
	v := testVariant("v1")
	_ = r.Add(v)

	if err := r.SetStatus("v1", StatusRetired); err != nil {
		t.Fatal(err)
	}
	if err := r.SetStatus("v1", StatusActive); err == nil {
		t.Error("retired variants must not reactivate")
	}
}

func TestRetireClearsEveryActiveScope(t *testing.T) {
	r := NewRegistry(testLogger())
	// A generalist (no task type of its own) activated under concrete scopes.
	v := testVariant("v1")
	_ = r.Add(v)

	apiScope := Scope{Agent: "coder", TaskType: "api-design"}
	refactorScope := Scope{Agent: "coder", TaskType: "refactor"}
	if err := r.SetActive(apiScope, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActive(refactorScope, "v1"); err != nil {
		t.Fatal(err)
	}

	if err := r.SetStatus("v1", StatusRetired); err != nil {
		t.Fatal(err)
	}
	if got := r.Active(apiScope); got != "" {
		t.Errorf("active = %s for api-design after retire, want empty", got)
	}
	if got := r.Active(refactorScope); got != "" {
		t.Errorf("active = %s for refactor after retire, want empty", got)
	}
}

func TestConcurrentSetActiveSingleWinner(t *testing.T) {
	r := NewRegistry(testLogger())
	scope := Scope{Agent: "coder"}
	for _, id := range []string{"v1", "v2", "v3"} {
		_ = r.Add(testVariant(id))
	}

	var wg sync.WaitGroup
	for _, id := range []string{"v1", "v2", "v3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.SetActive(scope, id)
		}(id)
	}
	wg.Wait()

	// Exactly one variant holds active status and it matches the scope slot.
	activeID := r.Active(scope)
	activeCount := 0
	for _, v := range r.All() {
		if v.Status == StatusActive {
			activeCount++
			if v.ID != activeID {
				t.Errorf("active slot %q disagrees with status on %q", activeID, v.ID)
			}
		}
	}
	if activeCount != 1 {
		t.Errorf("active count = %d, want exactly 1", activeCount)
	}
}

func TestLoaderReadsDirectory(t *testing.T) {
	dir := t.TempDir()

	good := `id: api-optimized
agent: coder
taskType: api-design
params:
  temperature: 0.5
  maxTokens: 4096
  modelTier: advanced
edits:
  - op: append
    section: guidelines
    content: "Design endpoints before handlers."
`
	bad := "id: [broken yaml"
	invalid := "id: x\n" // missing agent

	if err := os.WriteFile(filepath.Join(dir, "api.yaml"), []byte(good), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "invalid.yml"), []byte(invalid), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir, testLogger())
	vs, err := l.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 {
		t.Fatalf("loaded %d variants, want 1", len(vs))
	}
	v := vs[0]
	if v.ID != "api-optimized" || v.Params.ModelTier != "advanced" || len(v.Edits) != 1 {
		t.Errorf("loaded variant mismatch: %+v", v)
	}
	if v.Status != StatusCandidate {
		t.Errorf("status defaulted to %s, want candidate", v.Status)
	}
}

func TestLoaderMissingDir(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "none"), testLogger())
	vs, err := l.LoadAll()
	if err != nil || vs != nil {
		t.Errorf("missing dir: vs=%v err=%v, want nil/nil", vs, err)
	}
}
