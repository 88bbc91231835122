package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/meshinfer/meshinfer/internal/domain"
)

// executePipeline runs spec.Steps strictly in order, feeding each step's
// output handle forward as the next step's input. This is the in-process
// (non-durable) execution path, driven to completion within one goroutine
// lifetime; jobrun.Durable drives the same per-step logic through
// RunPipelineStep instead, checkpointing between steps so a Pipeline job
// survives an orchestrator restart mid-run.
func (e *Executor) executePipeline(ctx context.Context, job domain.Job) (string, *domain.Error) {
	if job.Spec.Pipeline == nil {
		return "", domain.NewError(domain.ErrBadSpec, "pipeline spec required", nil)
	}

	e.reportProgress(job.ID, 0, len(job.Spec.Pipeline.Steps))
	stepOutputs := make(map[int]string)
	var lastOutput string
	for i := range job.Spec.Pipeline.Steps {
		out, done, derr := e.RunPipelineStep(ctx, job, i, stepOutputs)
		if derr != nil {
			return "", derr
		}
		stepOutputs[i] = out
		lastOutput = out
		if done {
			break
		}
	}
	return lastOutput, nil
}

// RunPipelineStep executes exactly one step of job's pipeline spec, given
// the blob handles already produced by earlier steps. done reports whether
// stepIndex was the pipeline's final step. Exported so jobrun.Activities can
// checkpoint a durable pipeline run one step per Temporal activity tick
// instead of relying on executePipeline's single-goroutine loop.
func (e *Executor) RunPipelineStep(ctx context.Context, job domain.Job, stepIndex int, stepOutputs map[int]string) (outputHandle string, done bool, derr *domain.Error) {
	spec := job.Spec.Pipeline
	if spec == nil {
		return "", false, domain.NewError(domain.ErrBadSpec, "pipeline spec required", nil)
	}
	if stepIndex < 0 || stepIndex >= len(spec.Steps) {
		return "", false, domain.NewError(domain.ErrBadSpec, fmt.Sprintf("step index %d out of range", stepIndex), nil)
	}
	step := spec.Steps[stepIndex]

	// stepOutputs is keyed by position in spec.Steps; InputRef "step-N"
	// names a StepIndex, so re-key before resolving.
	byStepIndex := make(map[int]string, len(stepOutputs))
	for pos, handle := range stepOutputs {
		if pos >= 0 && pos < len(spec.Steps) {
			byStepIndex[spec.Steps[pos].StepIndex] = handle
		}
	}
	stepInput, derr := resolveStepInput(step.InputRef, job.Spec.InputHandle, byStepIndex)
	if derr != nil {
		return "", false, derr
	}

	out, derr := e.runStepWithRetry(ctx, job, step, stepInput, spec.FailurePolicy, spec.RetryLimit)
	if derr != nil {
		return "", false, derr
	}
	e.reportProgress(job.ID, stepIndex+1, len(spec.Steps))
	return out, stepIndex == len(spec.Steps)-1, nil
}

// resolveStepInput maps a step's InputRef ("client" or "step-N") to a
// concrete blob handle: the job's original input, or a prior step's output.
func resolveStepInput(ref, clientInput string, outputs map[int]string) (string, *domain.Error) {
	if ref == "" || ref == "client" {
		return clientInput, nil
	}
	var n int
	if _, err := fmt.Sscanf(ref, "step-%d", &n); err != nil {
		return "", domain.NewError(domain.ErrBadSpec, fmt.Sprintf("malformed input_ref %q", ref), err)
	}
	out, ok := outputs[n]
	if !ok {
		return "", domain.NewError(domain.ErrBadSpec, fmt.Sprintf("input_ref %q references a step that has not run yet", ref), nil)
	}
	return out, nil
}

func (e *Executor) runStepWithRetry(ctx context.Context, job domain.Job, step domain.PipelineStep, inputHandle string, policy domain.FailurePolicy, retryLimit int) (string, *domain.Error) {
	attempts := 1
	if policy == domain.FailurePolicyRollbackRetry && retryLimit > 0 {
		attempts += retryLimit
	}

	var lastErr *domain.Error
	for attempt := 0; attempt < attempts; attempt++ {
		out, derr := e.runStep(ctx, job, step, inputHandle)
		if derr == nil {
			return out, nil
		}
		lastErr = derr
		if policy == domain.FailurePolicyFailFast {
			break
		}
		e.log.Warn("pipeline step failed, retrying", "job_id", job.ID, "step", step.StepIndex, "attempt", attempt+1, "error", derr)
	}
	return "", domain.NewError(domain.ErrStepFailed, fmt.Sprintf("step %d failed after retries", step.StepIndex), lastErr)
}

func (e *Executor) runStep(ctx context.Context, job domain.Job, step domain.PipelineStep, inputHandle string) (string, *domain.Error) {
	deadline := time.Now().Add(jobTimeout(step.TimeoutSeconds))
	item := domain.WorkItem{
		ID:          newWorkItemID(),
		JobID:       job.ID,
		NodeID:      step.NodeID,
		ModelID:     step.ModelID,
		InputHandle: inputHandle,
		Deadline:    deadline,
		Priority:    job.Priority,
	}

	result, derr := e.dispatchOne(ctx, item)
	if derr != nil {
		return "", derr
	}
	if !result.OK() {
		return "", result.Error
	}
	if result.OutputHandle == "" {
		return "", domain.NewError(domain.ErrStepFailed, "step produced no output handle", nil)
	}
	return result.OutputHandle, nil
}
