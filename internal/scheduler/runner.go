package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// JobRunner executes a single job on schedule
type JobRunner struct {
	job      *Job
	ticker   *time.Ticker
	logger   *slog.Logger
	executor Executor
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Executor runs the batch analyses the scheduler can dispatch. An empty
// agent means every scope with history.
type Executor interface {
	ScanRollbacks(ctx context.Context, agent, taskType string) error
	RunProposer(ctx context.Context, agent, taskType string) error
	RunEvolution(ctx context.Context, agent, taskType string) error
	ScanPromotions(ctx context.Context, agent, taskType string) error
}

// NewJobRunner creates a new job runner
func NewJobRunner(job *Job, executor Executor, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:      job,
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins executing the job on schedule
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.job.State.NextRunAt = nextRun

	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	// Interval jobs tick at their interval; cron/at jobs are checked every
	// minute against the computed next run.
	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case "interval":
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	case "cron", "at":
		tickerDuration = 1 * time.Minute
	}

	r.ticker = time.NewTicker(tickerDuration)
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-r.ticker.C:
			shouldRun := false
			if r.job.Schedule.Kind == "interval" {
				shouldRun = true
			} else {
				shouldRun = now.After(r.job.State.NextRunAt) || now.Equal(r.job.State.NextRunAt)
			}

			if shouldRun {
				r.executeJob(ctx)

				nextRun, err := r.job.NextRun(time.Now())
				if err != nil {
					r.logger.Error("failed to calculate next run", "error", err)
				} else {
					r.job.State.NextRunAt = nextRun
					r.logger.Debug("next run scheduled", "next_run", nextRun.Format(time.RFC3339))
				}
			}
		}
	}
}

// Stop stops the job runner
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// executeJob runs the job once
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()
	r.logger.Info("executing job", "action", r.job.Action.Kind)

	err := r.dispatch(ctx)
	duration := time.Since(start)

	r.job.State.LastRunAt = time.Now()
	r.job.State.LastDuration = duration
	r.job.State.RunCount++

	if err != nil {
		r.job.State.ErrorCount++
		r.job.State.LastError = err.Error()
		r.logger.Error("job failed",
			"error", err,
			"duration", duration,
			"run_count", r.job.State.RunCount,
			"error_count", r.job.State.ErrorCount)
	} else {
		r.job.State.LastError = ""
		r.logger.Info("job completed",
			"duration", duration,
			"run_count", r.job.State.RunCount)
	}
}

func (r *JobRunner) dispatch(ctx context.Context) error {
	if r.executor == nil {
		return fmt.Errorf("executor not set (cannot run %s)", r.job.Action.Kind)
	}

	a := r.job.Action
	switch a.Kind {
	case ActionRollbackScan:
		return r.executor.ScanRollbacks(ctx, a.Agent, a.TaskType)
	case ActionProposerRun:
		return r.executor.RunProposer(ctx, a.Agent, a.TaskType)
	case ActionEvolveRun:
		return r.executor.RunEvolution(ctx, a.Agent, a.TaskType)
	case ActionPromotionScan:
		return r.executor.ScanPromotions(ctx, a.Agent, a.TaskType)
	default:
		return fmt.Errorf("unknown action kind: %s", a.Kind)
	}
}
