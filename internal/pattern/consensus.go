package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/fleet"
)

// ConsensusVote is the wire shape a Consensus worker writes to the blob
// store: one label per model, run against the same inputs.
type ConsensusVote struct {
	Label string `json:"label"`
}

func decodeConsensusVote(raw []byte) (ConsensusVote, error) {
	var v ConsensusVote
	if err := json.Unmarshal(raw, &v); err != nil {
		return ConsensusVote{}, err
	}
	return v, nil
}

// executeConsensus sends every model in spec.ModelIDs to the same node, then
// combines the resulting labels according to spec.Kind.
func (e *Executor) executeConsensus(ctx context.Context, job domain.Job) (string, *domain.Error) {
	spec := job.Spec.Consensus
	if spec == nil {
		return "", domain.NewError(domain.ErrBadSpec, "consensus spec required", nil)
	}

	candidates, derr := e.selector.Select(fleet.Filters{AllowNodeIDs: []string{spec.NodeID}}, 1)
	if derr != nil {
		return "", derr
	}
	node := candidates[0]

	deadline := time.Now().Add(jobTimeout(spec.TimeoutSeconds))
	items := make([]domain.WorkItem, len(spec.ModelIDs))
	for i, modelID := range spec.ModelIDs {
		items[i] = domain.WorkItem{
			ID:          newWorkItemID(),
			JobID:       job.ID,
			NodeID:      node.NodeID,
			ModelID:     modelID,
			InputHandle: job.Spec.InputHandle,
			Deadline:    deadline,
			Priority:    job.Priority,
		}
	}

	e.reportProgress(job.ID, 0, len(items))
	results, errs := e.dispatchAll(ctx, items)

	type labeledVote struct {
		label  string
		weight float64
	}
	present := make([]labeledVote, 0, len(items))
	for i, res := range results {
		if errs[i] != nil || !res.OK() || res.OutputHandle == "" {
			continue // absent vote: counted as neither present nor a failure of the job
		}
		raw, err := e.gw.GetResult(ctx, res.OutputHandle)
		if err != nil {
			continue
		}
		cv, err := decodeConsensusVote(raw)
		if err != nil {
			continue
		}
		// Votes run on one node, so the node's own reputation is a constant
		// factor; what differentiates them is the per-model reputation the
		// spec carries.
		present = append(present, labeledVote{label: cv.Label, weight: spec.ModelWeight(items[i].ModelID)})
	}

	e.reportProgress(job.ID, len(present), len(items))
	if len(present) == 0 {
		return "", domain.NewError(domain.ErrNoConsensus, "no model produced a vote", nil)
	}

	counts := make(map[string]int)
	weights := make(map[string]float64)
	totalWeight := 0.0
	for _, v := range present {
		counts[v.label]++
		weights[v.label] += v.weight
		totalWeight += v.weight
	}

	topLabel, topCount := "", -1
	tied := false
	for label, count := range counts {
		switch {
		case count > topCount:
			topLabel, topCount, tied = label, count, false
		case count == topCount:
			tied = true
		}
	}

	switch spec.Kind {
	case domain.ConsensusMajority:
		if tied {
			return "", domain.NewError(domain.ErrNoConsensus, "tied vote under majority rule", nil)
		}
		return e.persistLabel(ctx, topLabel)

	case domain.ConsensusWeighted:
		winner := topWeightedLabel(weights)
		share := weightShare(weights, winner, totalWeight)
		if share < spec.MinAgreement {
			return "", domain.NewError(domain.ErrNoConsensus, fmt.Sprintf("top label share %.3f below minimum agreement %.3f", share, spec.MinAgreement), nil)
		}
		return e.persistLabel(ctx, winner)

	case domain.ConsensusReview:
		share := weightShare(weights, topWeightedLabel(weights), totalWeight)
		if share < spec.MinAgreement {
			return "", domain.NewError(domain.ErrReviewRequired, fmt.Sprintf("top label share %.3f below minimum agreement %.3f, flagged for review", share, spec.MinAgreement), nil)
		}
		return e.persistLabel(ctx, topWeightedLabel(weights))

	default:
		return "", domain.NewError(domain.ErrBadSpec, "unknown consensus kind", nil)
	}
}

func weightShare(weights map[string]float64, label string, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return weights[label] / total
}

func topWeightedLabel(weights map[string]float64) string {
	best, bestWeight := "", -1.0
	for label, w := range weights {
		if w > bestWeight {
			best, bestWeight = label, w
		}
	}
	return best
}

func (e *Executor) persistLabel(ctx context.Context, label string) (string, *domain.Error) {
	raw, err := json.Marshal(ConsensusVote{Label: label})
	if err != nil {
		return "", domain.NewError(domain.ErrInternal, "encode consensus result", err)
	}
	handle, err := e.gw.PutResult(ctx, raw)
	if err != nil {
		return "", domain.NewError(domain.ErrInternal, "persist consensus result", err)
	}
	return string(handle), nil
}
