package jobrun

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"

	"github.com/meshinfer/meshinfer/internal/pattern"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// Activities exposes pattern.Executor's per-step Pipeline logic as a single
// Temporal activity, so the workflow in workflow.go checkpoints progress
// through Store between every step instead of holding it in process memory.
type Activities struct {
	Log      *logger.Logger
	Executor *pattern.Executor
	Store    *Store
}

// Tick runs at most one pipeline step for jobID. A run already in a
// terminal status is reported as-is without re-running anything, so a
// replayed or duplicated activity invocation is a no-op.
func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: jobID}
	if a == nil || a.Executor == nil || a.Store == nil {
		return res, fmt.Errorf("jobrun: activity not configured")
	}
	activity.RecordHeartbeat(ctx)

	row, err := a.Store.Load(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("jobrun: load run %s: %w", jobID, err)
	}

	if row.Status != "running" {
		res.Status = row.Status
		res.ResultHandle = row.ResultHandle
		res.ErrorKind = row.ErrorKind
		res.ErrorMessage = row.ErrorMessage
		return res, nil
	}

	job, err := a.Store.job(row)
	if err != nil {
		return res, err
	}
	outputs, err := a.Store.stepOutputs(row)
	if err != nil {
		return res, err
	}

	out, done, derr := a.Executor.RunPipelineStep(ctx, job, row.CursorStep, outputs)
	if derr != nil {
		if a.Log != nil {
			a.Log.Warn("pipeline step failed", "job_id", jobID, "step", row.CursorStep, "error", derr)
		}
		if err := a.Store.fail(ctx, jobID, derr); err != nil {
			return res, fmt.Errorf("jobrun: persist failure: %w", err)
		}
		res.Status = "failed"
		res.ErrorKind = string(derr.Kind)
		res.ErrorMessage = derr.Error()
		return res, nil
	}

	outputs[row.CursorStep] = out
	res.Step = row.CursorStep

	if done {
		if err := a.Store.complete(ctx, jobID, out); err != nil {
			return res, fmt.Errorf("jobrun: persist completion: %w", err)
		}
		res.Status = "succeeded"
		res.ResultHandle = out
		return res, nil
	}

	if err := a.Store.advance(ctx, jobID, row.CursorStep+1, outputs); err != nil {
		return res, fmt.Errorf("jobrun: persist checkpoint: %w", err)
	}
	res.Status = "running"
	return res, nil
}
