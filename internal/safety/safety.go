// Package safety classifies candidate variant promotions from Q-table
// evidence. Decide is a pure function: no locking, no I/O, recomputed on
// demand rather than persisted as authoritative state.
package safety

import "fmt"

// Action is the promotion decision for a candidate variant.
type Action string

const (
	AutoApply     Action = "auto_apply"
	HumanApproval Action = "human_approval"
	NoAction      Action = "no_action"
)

// Thresholds gates promotion on value estimate and evidence volume.
// Defaults are deliberately conservative: ambiguous evidence lands on
// human_approval or no_action, never auto_apply.
type Thresholds struct {
	AutoApplyQ      float64 `json:"autoApplyQ"`
	AutoApplyVisits int     `json:"autoApplyVisits"`
	ReviewQ         float64 `json:"reviewQ"`
	ReviewVisits    int     `json:"reviewVisits"`
}

// DefaultThresholds returns the conservative defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApplyQ:      0.9,
		AutoApplyVisits: 10,
		ReviewQ:         0.7,
		ReviewVisits:    5,
	}
}

// Validate rejects threshold sets that would invert the safety ordering.
func (t Thresholds) Validate() error {
	if t.AutoApplyQ < t.ReviewQ {
		return fmt.Errorf("safety: autoApplyQ %.2f below reviewQ %.2f", t.AutoApplyQ, t.ReviewQ)
	}
	if t.AutoApplyVisits < t.ReviewVisits {
		return fmt.Errorf("safety: autoApplyVisits %d below reviewVisits %d", t.AutoApplyVisits, t.ReviewVisits)
	}
	if t.AutoApplyQ <= 0 || t.AutoApplyQ > 1 || t.ReviewQ <= 0 || t.ReviewQ > 1 {
		return fmt.Errorf("safety: Q thresholds must be in (0,1]")
	}
	return nil
}

// Decision is the classification of one candidate promotion, with the
// evidence it was computed from.
type Decision struct {
	VariantID string  `json:"variantId"`
	Action    Action  `json:"action"`
	Q         float64 `json:"q"`
	Visits    int     `json:"visits"`
	Reasoning string  `json:"reasoning"`
}

// Decide classifies a candidate variant from its Q-value and visit count.
// Both the value and the evidence-volume bar must clear for a tier; a high
// Q with thin evidence drops to the lower tier.
func Decide(variantID string, q float64, visits int, t Thresholds) Decision {
	d := Decision{VariantID: variantID, Q: q, Visits: visits}

	switch {
	case q >= t.AutoApplyQ && visits >= t.AutoApplyVisits:
		d.Action = AutoApply
		d.Reasoning = fmt.Sprintf(
			"Q=%.3f >= %.2f with %d visits (>= %d): strong, well-sampled evidence; safe to apply automatically",
			q, t.AutoApplyQ, visits, t.AutoApplyVisits)
	case q >= t.ReviewQ && visits >= t.ReviewVisits:
		d.Action = HumanApproval
		d.Reasoning = fmt.Sprintf(
			"Q=%.3f >= %.2f with %d visits (>= %d): promising but below the auto-apply bar; route to human review",
			q, t.ReviewQ, visits, t.ReviewVisits)
	default:
		d.Action = NoAction
		d.Reasoning = fmt.Sprintf(
			"Q=%.3f with %d visits: insufficient evidence for promotion", q, visits)
	}
	return d
}
