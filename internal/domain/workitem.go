package domain

import "time"

// WorkItem is created by a PatternExecutor and destroyed when its
// PartialResult is observed or its deadline fires.
type WorkItem struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	NodeID      string    `json:"node_id"`
	ModelID     string    `json:"model_id"`
	InputHandle string    `json:"input_handle"`
	Deadline    time.Time `json:"deadline"`
	Priority    Priority  `json:"priority"`
}

// PartialResult is produced once per WorkItem, by the node that ran it.
type PartialResult struct {
	WorkItemID   string        `json:"work_item_id"`
	NodeID       string        `json:"node_id"`
	OutputHandle string        `json:"output_handle,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	Error        *Error        `json:"error,omitempty"`
}

func (p PartialResult) OK() bool { return p.Error == nil }
