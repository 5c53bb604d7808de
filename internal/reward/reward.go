// Package reward normalizes raw outcome signals into a scalar reward.
package reward

import (
	"math"

	"github.com/clawinfra/banditclaw/internal/telemetry"
)

// Weights controls how raw signals blend into the scalar reward.
type Weights struct {
	Success   float64 `json:"success"`
	Quality   float64 `json:"quality"`
	Speed     float64 `json:"speed"`
	ErrorFree float64 `json:"errorFree"`
	// TargetDurationMs is the duration at which the speed score is 0.5.
	TargetDurationMs float64 `json:"targetDurationMs"`
}

// DefaultWeights favors the success signal, mirroring how fitness is scored
// elsewhere in the platform.
func DefaultWeights() Weights {
	return Weights{
		Success:          0.4,
		Quality:          0.3,
		Speed:            0.15,
		ErrorFree:        0.15,
		TargetDurationMs: 5000,
	}
}

// Compute maps an invocation record to a reward in [0,1]. Deterministic and
// pure. A missing quality signal falls back to the success boolean alone.
// Malformed records return telemetry.ErrMalformedRecord; callers skip them.
func Compute(rec telemetry.InvocationRecord, w Weights) (float64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	success := 0.0
	if rec.Success {
		success = 1.0
	}

	// No quality rating: the success flag is the only trustworthy signal.
	if rec.Quality == nil && w.Quality > 0 {
		return success, nil
	}

	quality := success
	if rec.Quality != nil {
		quality = *rec.Quality
	}

	// Duration decays toward zero; TargetDurationMs scores exactly 0.5.
	speed := 1.0
	if w.TargetDurationMs > 0 {
		speed = w.TargetDurationMs / (w.TargetDurationMs + float64(rec.DurationMs))
	}

	errorFree := 1.0 / (1.0 + float64(rec.ErrorCount))

	total := w.Success + w.Quality + w.Speed + w.ErrorFree
	if total <= 0 {
		return success, nil
	}

	r := (w.Success*success + w.Quality*quality + w.Speed*speed + w.ErrorFree*errorFree) / total
	return clamp01(r), nil
}

func clamp01(v float64) float64 {
	return math.Min(1.0, math.Max(0.0, v))
}
