package domain

import "time"

// JobState is the state-machine position of a Job. A Job is in exactly one
// state at any time; every mutation is paired with a jobs.updates event.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Pattern identifies which PatternExecutor strategy a JobSpec uses.
type Pattern string

const (
	PatternFanOut    Pattern = "fan_out"
	PatternConsensus Pattern = "consensus"
	PatternPipeline  Pattern = "pipeline"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

type AggregationKind string

const (
	AggregationMean         AggregationKind = "mean"
	AggregationWeightedMean AggregationKind = "weighted-mean"
	AggregationMedian       AggregationKind = "median"
)

type ConsensusKind string

const (
	ConsensusMajority ConsensusKind = "majority"
	ConsensusWeighted ConsensusKind = "weighted"
	ConsensusReview   ConsensusKind = "review"
)

type FailurePolicy string

const (
	FailurePolicyRollbackRetry FailurePolicy = "rollback-and-retry"
	FailurePolicyFailFast      FailurePolicy = "fail-fast"
)

// PrivacyParams configures the optional Laplace-noise step applied to FanOut
// fusion output. Sensitivity defaults to 1 when zero.
type PrivacyParams struct {
	Epsilon     float64 `json:"epsilon"`
	Sensitivity float64 `json:"sensitivity,omitempty"`
}

type FanOutSpec struct {
	ModelID          string          `json:"model_id"`
	NodeIDs          []string        `json:"node_ids"`
	DataSelector     string          `json:"data_selector"`
	Aggregation      AggregationKind `json:"aggregation"`
	Privacy          *PrivacyParams  `json:"privacy,omitempty"`
	MinReputation    float64         `json:"min_reputation"`
	TimeoutSeconds   int             `json:"timeout_seconds"`
}

type ConsensusSpec struct {
	ModelIDs         []string      `json:"model_ids"`
	NodeID           string        `json:"node_id"`
	DataSelector     string        `json:"data_selector"`
	Kind             ConsensusKind `json:"kind"`
	MinAgreement     float64       `json:"min_agreement"`
	TimeoutSeconds   int           `json:"timeout_seconds"`

	// ModelReputations weights each model's vote for the weighted and review
	// consensus kinds. A model absent from the map votes with weight 1.
	ModelReputations map[string]float64 `json:"model_reputations,omitempty"`
}

// ModelWeight returns the voting weight for modelID, defaulting to 1 when no
// reputation is configured for it.
func (s *ConsensusSpec) ModelWeight(modelID string) float64 {
	if s == nil || s.ModelReputations == nil {
		return 1
	}
	w, ok := s.ModelReputations[modelID]
	if !ok || w <= 0 {
		return 1
	}
	return w
}

type PipelineStep struct {
	StepIndex      int    `json:"step_index"`
	ModelID        string `json:"model_id"`
	NodeID         string `json:"node_id"`
	InputRef       string `json:"input_ref"` // "client" or "step-N"
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type PipelineSpec struct {
	Steps         []PipelineStep `json:"steps"`
	FailurePolicy FailurePolicy  `json:"failure_policy"`
	RetryLimit    int            `json:"retry_limit"`
}

// JobSpec is the immutable-after-creation request body for a Job. Exactly one
// of FanOut/Consensus/Pipeline is populated, selected by Pattern.
type JobSpec struct {
	Pattern   Pattern        `json:"pattern"`
	FanOut    *FanOutSpec    `json:"fan_out,omitempty"`
	Consensus *ConsensusSpec `json:"consensus,omitempty"`
	Pipeline  *PipelineSpec  `json:"pipeline,omitempty"`

	InputHandle string `json:"input_handle,omitempty"`
}

// Validate enforces the submit-time structural checks from the JobManager
// design (node/model/step count floors). Registry-dependent checks (node
// existence, reputation ceiling) are performed by the caller, which has
// access to the live NodeRegistry.
func (s *JobSpec) Validate() *Error {
	switch s.Pattern {
	case PatternFanOut:
		if s.FanOut == nil {
			return NewError(ErrBadSpec, "fan_out spec required", nil)
		}
		if len(s.FanOut.NodeIDs) < 2 {
			return NewError(ErrBadSpec, "fan_out requires at least two nodes", nil)
		}
	case PatternConsensus:
		if s.Consensus == nil {
			return NewError(ErrBadSpec, "consensus spec required", nil)
		}
		if len(s.Consensus.ModelIDs) < 2 {
			return NewError(ErrBadSpec, "consensus requires at least two models", nil)
		}
	case PatternPipeline:
		if s.Pipeline == nil {
			return NewError(ErrBadSpec, "pipeline spec required", nil)
		}
		if len(s.Pipeline.Steps) < 2 {
			return NewError(ErrBadSpec, "pipeline requires at least two steps", nil)
		}
	default:
		return NewError(ErrBadSpec, "unknown pattern", nil)
	}
	return nil
}

// Progress summarizes how many of a Job's WorkItems have produced a
// PartialResult, for GetStatus responses.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// Job is the authoritative record for a single submitted unit of work. It is
// owned by exactly one orchestrator replica at a time; handoff transfers
// ownership atomically via the mutable-name registry.
type Job struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	Pattern     Pattern   `json:"pattern"`
	Spec        JobSpec   `json:"spec" gorm:"-"`
	SpecHandle  string    `json:"spec_handle"`
	Owner       string    `json:"owner"`
	Priority    Priority  `json:"priority"`
	CostCeiling float64   `json:"cost_ceiling,omitempty"`

	State      JobState `json:"state"`
	Progress   Progress `json:"progress" gorm:"-"`
	ResultHandle string `json:"result_handle,omitempty"`
	FailureKind  ErrorKind `json:"failure_kind,omitempty"`
	FailureMsg   string    `json:"failure_message,omitempty"`

	OrchestratorID string `json:"orchestrator_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobUpdateEvent is the envelope body published on the jobs.updates topic.
// Sequence is per-job monotonic so consumers can detect and discard
// out-of-order delivery.
type JobUpdateEvent struct {
	JobID    string   `json:"job_id"`
	State    JobState `json:"state"`
	Progress Progress `json:"progress"`
	Sequence uint64   `json:"sequence"`
	Error    string   `json:"error,omitempty"`
}
