// ============================================================================
// Schedula Worker - Per-Job Execution Supervisor
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Simulates one placed job, one goroutine per job
//
// How it works:
//   ┌───────────────────────────────────────────────┐
//   │  Worker Goroutine                             │
//   │  for tick < task.Ticks                        │
//   │    select                                     │
//   │      ├─ ctx.Done()       -> cancelled         │
//   │      ├─ task.Cancel      -> cancelled         │
//   │      └─ ticker.C()                            │
//   │           ├─ step(ctx, job, tick)  -> failed  │
//   │           ├─ reporter.Progress(job, tick)     │
//   │           └─ task.Cancel closed?  -> cancelled│
//   │  reporter.Finish(result)  (always)            │
//   └───────────────────────────────────────────────┘
//
// Cancellation latency:
//   The cancel signal is observed while waiting for a tick and again right
//   after each tick, so a cancelled job stops within one tick interval.
//
// Fault handling:
//   A step error or a panic inside the step becomes *FaultError. The worker
//   never lets a panic escape its goroutine and Finish is reported on every
//   exit path, so the scheduler always gets the chance to release resources.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// worker 執行單一任務
type worker struct {
	task     Task
	started  time.Time
	ticker   clock.Ticker
	clock    clock.PassiveClock
	step     StepFunc
	reporter Reporter
}

// run 執行任務直到完成、取消或失敗，並回報結果
func (w *worker) run(ctx context.Context) {
	outcome, ticks, err := w.loop(ctx)
	w.ticker.Stop()

	result := Result{
		JobID:    w.task.JobID,
		Outcome:  outcome,
		Error:    err,
		Ticks:    ticks,
		Duration: w.clock.Since(w.started),
	}
	switch outcome {
	case OutcomeFailed:
		log.Warn("Job execution fault", "jobID", w.task.JobID, "tick", ticks, "error", err)
	default:
		log.Debug("Job execution finished", "jobID", w.task.JobID, "outcome", outcome, "duration", result.Duration)
	}
	w.reporter.Finish(result)
}

func (w *worker) loop(ctx context.Context) (outcome Outcome, done int, err error) {
	for done < w.task.Ticks {
		select {
		case <-ctx.Done():
			return OutcomeCancelled, done, nil
		case <-w.task.Cancel:
			return OutcomeCancelled, done, nil
		case <-w.ticker.C():
		}

		tick := done + 1
		if err := w.runStep(ctx, tick); err != nil {
			return OutcomeFailed, done, err
		}
		done = tick
		w.reporter.Progress(w.task.JobID, done)

		select {
		case <-w.task.Cancel:
			return OutcomeCancelled, done, nil
		default:
		}
	}
	return OutcomeCompleted, done, nil
}

// runStep 執行 step，把錯誤和 panic 包成 *FaultError
func (w *worker) runStep(ctx context.Context, tick int) (err error) {
	if w.step == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &FaultError{JobID: w.task.JobID, Tick: tick, Panic: r}
		}
	}()
	if cause := w.step(ctx, w.task.JobID, tick); cause != nil {
		return &FaultError{JobID: w.task.JobID, Tick: tick, Cause: cause}
	}
	return nil
}
