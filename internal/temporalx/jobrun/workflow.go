package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

const (
	tickInterval         = 500 * time.Millisecond
	continueTickLimit    = 2000
	continueHistoryLimit = 15000
)

// Workflow drives one Pipeline-pattern Job to completion one step per
// activity tick, so a step already checkpointed in jobrun.Store is never
// re-run after a workflow replay or worker restart. The workflow ID is the
// Job ID, so Durable.Execute can start it idempotently by ID.
func Workflow(ctx workflow.Context) (string, error) {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return "", fmt.Errorf("jobrun: missing job id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
	})

	for tick := 0; ; tick++ {
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, jobID).Get(ctx, &out); err != nil {
			return "", err
		}

		switch out.Status {
		case "succeeded":
			return out.ResultHandle, nil
		case "failed":
			return "", fmt.Errorf("%s: %s", out.ErrorKind, out.ErrorMessage)
		default: // "running"
			if err := workflow.Sleep(ctx, tickInterval); err != nil {
				return "", err
			}
			if shouldContinueAsNew(ctx, tick+1) {
				return "", workflow.NewContinueAsNewError(ctx, Workflow)
			}
		}
	}
}

func shouldContinueAsNew(ctx workflow.Context, ticks int) bool {
	if ticks >= continueTickLimit {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && info.GetCurrentHistoryLength() >= continueHistoryLimit
}
