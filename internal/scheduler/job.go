package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Action kinds dispatched to the executor.
const (
	ActionRollbackScan  = "rollback_scan"
	ActionProposerRun   = "proposer_run"
	ActionEvolveRun     = "evolve_run"
	ActionPromotionScan = "promotion_scan"
)

// Job represents a scheduled batch task
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Action   ActionConfig   `json:"action"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`
}

// ScheduleConfig defines when a job runs
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval", "cron", "at"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // cron expression
	Time       string `json:"time,omitempty"` // "HH:MM" for daily
	Timezone   string `json:"timezone,omitempty"`
}

// ActionConfig defines what a job does
type ActionConfig struct {
	Kind string `json:"kind"`
	// Agent/TaskType narrow the action to one scope; empty means every
	// scope with recorded history.
	Agent    string `json:"agent,omitempty"`
	TaskType string `json:"taskType,omitempty"`
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}

	// Validate schedule
	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case "cron":
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case "at":
		if j.Schedule.Time == "" {
			return fmt.Errorf("time required for 'at' schedule")
		}
		if _, err := time.Parse("15:04", j.Schedule.Time); err != nil {
			return fmt.Errorf("invalid time format (use HH:MM): %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval, cron, or at)", j.Schedule.Kind)
	}

	// Validate action
	switch j.Action.Kind {
	case ActionRollbackScan, ActionProposerRun, ActionEvolveRun, ActionPromotionScan:
	default:
		return fmt.Errorf("unknown action kind: %s (use rollback_scan, proposer_run, evolve_run, or promotion_scan)", j.Action.Kind)
	}
	// Evolution needs authored seeds, so it always targets one scope.
	if j.Action.Kind == ActionEvolveRun && (j.Action.Agent == "" || j.Action.TaskType == "") {
		return fmt.Errorf("agent and taskType required for evolve_run action")
	}

	return nil
}

// NextRun calculates the next run time based on schedule
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		interval := time.Duration(j.Schedule.IntervalMs) * time.Millisecond
		return from.Add(interval), nil

	case "cron":
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil

	case "at":
		t, err := time.Parse("15:04", j.Schedule.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}

		loc := time.Local
		if j.Schedule.Timezone != "" {
			loc, err = time.LoadLocation(j.Schedule.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}

		next := time.Date(from.Year(), from.Month(), from.Day(),
			t.Hour(), t.Minute(), 0, 0, loc)

		// If time has passed today, schedule for tomorrow
		if next.Before(from) || next.Equal(from) {
			next = next.Add(24 * time.Hour)
		}

		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// Clone creates a deep copy of the job
func (j *Job) Clone() *Job {
	data, _ := json.Marshal(j)
	var clone Job
	json.Unmarshal(data, &clone)
	return &clone
}
