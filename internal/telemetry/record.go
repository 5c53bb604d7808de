// Package telemetry consumes the append-only invocation stream produced by
// the agent runtime. The engine treats the stream as read-only input.
package telemetry

import (
	"errors"
	"time"
)

// ErrMalformedRecord signals a record that cannot be used for learning.
// Callers skip the record; it is never fatal.
var ErrMalformedRecord = errors.New("telemetry: malformed invocation record")

// InvocationRecord is one completed agent invocation as reported by the
// runtime. Immutable once written; ordering by Timestamp matters for
// windowed analysis.
type InvocationRecord struct {
	Agent      string    `json:"agent"`
	TaskType   string    `json:"taskType"`
	VariantID  string    `json:"variantId"`
	Success    bool      `json:"success"`
	Reward     float64   `json:"reward"`
	Quality    *float64  `json:"quality,omitempty"` // optional 0-1 rating
	DurationMs int64     `json:"durationMs"`
	ErrorCount int       `json:"errorCount"`
	Features   []float64 `json:"features,omitempty"` // optional context vector
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks the fields the learning path depends on.
func (r *InvocationRecord) Validate() error {
	if r.Agent == "" || r.TaskType == "" || r.VariantID == "" {
		return ErrMalformedRecord
	}
	if r.Timestamp.IsZero() {
		return ErrMalformedRecord
	}
	if r.Reward < 0 || r.Reward > 1 {
		return ErrMalformedRecord
	}
	if r.DurationMs < 0 || r.ErrorCount < 0 {
		return ErrMalformedRecord
	}
	if r.Quality != nil && (*r.Quality < 0 || *r.Quality > 1) {
		return ErrMalformedRecord
	}
	return nil
}

// Key identifies the learning scope plus arm for this record.
func (r *InvocationRecord) Key() (agent, taskType, variantID string) {
	return r.Agent, r.TaskType, r.VariantID
}
