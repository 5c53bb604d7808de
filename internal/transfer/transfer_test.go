package transfer

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawinfra/banditclaw/internal/qtable"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMatrixSymmetry(t *testing.T) {
	m := NewMatrix()
	m.Set("api-design", "backend-api", 0.8)

	if m.Similarity("api-design", "backend-api") != 0.8 {
		t.Error("forward lookup failed")
	}
	if m.Similarity("backend-api", "api-design") != 0.8 {
		t.Error("matrix must be symmetric")
	}
	if m.Similarity("api-design", "api-design") != 1 {
		t.Error("self-similarity must be 1")
	}
	if m.Similarity("api-design", "unknown") != 0 {
		t.Error("unknown pair must be 0")
	}
}

func TestLoadMatrixFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "similarity.toml")
	content := `[similarity.api-design]
backend-api = 0.8
cli-tool = 0.4

[similarity.frontend]
api-design = 0.3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadMatrix(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Similarity("backend-api", "api-design") != 0.8 {
		t.Error("loaded matrix must be symmetric")
	}
	if m.Similarity("frontend", "api-design") != 0.3 {
		t.Error("second table missing")
	}
}

func TestLoadMatrixRejectsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "similarity.toml")
	if err := os.WriteFile(path, []byte("[similarity.a]\nb = 1.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMatrix(path); err == nil {
		t.Error("expected error for similarity > 1")
	}
}

func TestMostSimilarOrdering(t *testing.T) {
	m := NewMatrix()
	m.Set("target", "near", 0.9)
	m.Set("target", "mid", 0.5)
	m.Set("target", "far", 0.1)
	m.Set("target", "none", 0)

	got := m.MostSimilar("target", 10)
	want := []string{"near", "mid", "far"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestWarmStartBlending(t *testing.T) {
	tbl := qtable.New(0.05)
	m := NewMatrix()
	m.Set("source-task", "target-task", 0.8)

	srcKey := qtable.Key{Agent: "coder", TaskType: "source-task", VariantID: "v1"}
	for i := 0; i < 20; i++ {
		tbl.Update(srcKey, 0.9)
	}
	srcQ, _ := tbl.Get(srcKey)

	e := NewEngine(tbl, m, 0.5, 5, testLogger())
	if n := e.WarmStart("coder", "target-task", "source-task"); n != 1 {
		t.Fatalf("seeded %d entries, want 1", n)
	}

	targetKey := qtable.Key{Agent: "coder", TaskType: "target-task", VariantID: "v1"}
	got, visits := tbl.Get(targetKey)
	want := 0.5 * srcQ * 0.8 // prior was 0, ratio 0.5, similarity 0.8
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("target Q = %f, want %f", got, want)
	}
	if visits != 0 {
		t.Errorf("warm start must not fake visits, got %d", visits)
	}
}

func TestWarmStartNeverOverwritesNativeData(t *testing.T) {
	tbl := qtable.New(0.05)
	m := NewMatrix()
	m.Set("source-task", "target-task", 1.0)

	srcKey := qtable.Key{Agent: "coder", TaskType: "source-task", VariantID: "v1"}
	targetKey := qtable.Key{Agent: "coder", TaskType: "target-task", VariantID: "v1"}
	for i := 0; i < 10; i++ {
		tbl.Update(srcKey, 0.1)
		tbl.Update(targetKey, 0.9) // well-sampled native estimate
	}
	before, _ := tbl.Get(targetKey)

	e := NewEngine(tbl, m, 1.0, 5, testLogger())
	if n := e.WarmStart("coder", "target-task", "source-task"); n != 0 {
		t.Errorf("seeded %d entries over native data, want 0", n)
	}
	after, _ := tbl.Get(targetKey)
	if after != before {
		t.Errorf("native estimate changed: %f -> %f", before, after)
	}
}

func TestWarmStartUnrelatedTasksNoop(t *testing.T) {
	tbl := qtable.New(0.05)
	e := NewEngine(tbl, NewMatrix(), 0.5, 5, testLogger())
	srcKey := qtable.Key{Agent: "coder", TaskType: "a", VariantID: "v1"}
	tbl.Update(srcKey, 0.9)
	if n := e.WarmStart("coder", "b", "a"); n != 0 {
		t.Errorf("warm start across zero-similarity tasks seeded %d", n)
	}
}

func TestWarmStartFromBestFallsThrough(t *testing.T) {
	tbl := qtable.New(0.05)
	m := NewMatrix()
	m.Set("target", "empty-source", 0.9) // most similar but no data
	m.Set("target", "rich-source", 0.6)

	richKey := qtable.Key{Agent: "coder", TaskType: "rich-source", VariantID: "v1"}
	tbl.Update(richKey, 0.8)

	e := NewEngine(tbl, m, 0.5, 5, testLogger())
	if n := e.WarmStartFromBest("coder", "target"); n != 1 {
		t.Errorf("seeded %d, want 1 from the second-best source", n)
	}
}
