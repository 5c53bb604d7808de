package safety

import "testing"

func TestDecideTiers(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name   string
		q      float64
		visits int
		want   Action
	}{
		{"strong well-sampled", 0.95, 25, AutoApply},
		{"exactly at auto-apply boundary", 0.9, 10, AutoApply},
		{"high q thin evidence", 0.95, 9, HumanApproval},
		{"just below boundary q", 0.88, 9, HumanApproval},
		{"exactly at review boundary", 0.7, 5, HumanApproval},
		{"good q but too few visits", 0.8, 4, NoAction},
		{"weak q", 0.5, 100, NoAction},
		{"no evidence at all", 0, 0, NoAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide("v1", tt.q, tt.visits, th)
			if d.Action != tt.want {
				t.Errorf("Decide(%.2f, %d) = %s, want %s", tt.q, tt.visits, d.Action, tt.want)
			}
			if d.Reasoning == "" {
				t.Error("decision must carry reasoning")
			}
			if d.Q != tt.q || d.Visits != tt.visits {
				t.Error("decision must echo the evidence it evaluated")
			}
		})
	}
}

func TestNoFalsePositivesAtBoundary(t *testing.T) {
	// Sweep a grid straddling the boundary: auto_apply requires BOTH
	// q >= 0.9 AND visits >= 10, never one alone.
	th := DefaultThresholds()
	for _, q := range []float64{0.85, 0.88, 0.89, 0.8999, 0.9, 0.95, 1.0} {
		for _, visits := range []int{0, 5, 9, 10, 11, 50} {
			d := Decide("v", q, visits, th)
			shouldAuto := q >= 0.9 && visits >= 10
			if (d.Action == AutoApply) != shouldAuto {
				t.Errorf("Decide(%v, %d) = %s, auto-apply expected: %v", q, visits, d.Action, shouldAuto)
			}
		}
	}
}

func TestDecideIsPure(t *testing.T) {
	th := DefaultThresholds()
	first := Decide("v", 0.88, 9, th)
	for i := 0; i < 5; i++ {
		if again := Decide("v", 0.88, 9, th); again != first {
			t.Fatal("Decide is not deterministic")
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	bad := []Thresholds{
		{AutoApplyQ: 0.6, AutoApplyVisits: 10, ReviewQ: 0.7, ReviewVisits: 5},  // inverted q
		{AutoApplyQ: 0.9, AutoApplyVisits: 3, ReviewQ: 0.7, ReviewVisits: 5},   // inverted visits
		{AutoApplyQ: 1.5, AutoApplyVisits: 10, ReviewQ: 0.7, ReviewVisits: 5},  // out of range
		{AutoApplyQ: 0.9, AutoApplyVisits: 10, ReviewQ: -0.1, ReviewVisits: 5}, // out of range
	}
	for i, th := range bad {
		if err := th.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestCustomThresholds(t *testing.T) {
	th := Thresholds{AutoApplyQ: 0.95, AutoApplyVisits: 50, ReviewQ: 0.8, ReviewVisits: 20}
	if d := Decide("v", 0.92, 60, th); d.Action != HumanApproval {
		t.Errorf("stricter thresholds: got %s, want human_approval", d.Action)
	}
}
