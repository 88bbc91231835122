// Package jobrun wraps pattern.Executor's Pipeline step logic in a Temporal
// workflow/activity pair so a Pipeline-pattern Job can checkpoint between
// steps and resume on any orchestrator replica, instead of being lost if the
// replica running it restarts mid-pipeline.
package jobrun

const (
	WorkflowName = "pipeline_run"
	ActivityTick = "pipeline_run_tick"
)

// TickResult is what one activity invocation reports back to the workflow
// loop. Status is one of "running", "succeeded", "failed"; the workflow
// keeps polling on "running" and returns on the other two.
type TickResult struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	Step         int    `json:"step,omitempty"`
	ResultHandle string `json:"result_handle,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
