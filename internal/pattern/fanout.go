package pattern

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/fleet"
)

// executeFanOut sends the same model to every listed node, fuses the
// element-wise numeric results once a quorum of partials arrives, and
// optionally perturbs the fused vector with Laplace noise.
func (e *Executor) executeFanOut(ctx context.Context, job domain.Job) (string, *domain.Error) {
	spec := job.Spec.FanOut
	if spec == nil {
		return "", domain.NewError(domain.ErrBadSpec, "fan_out spec required", nil)
	}

	candidates, derr := e.selector.Select(fleet.Filters{
		AllowNodeIDs: spec.NodeIDs,
		MinReputation: spec.MinReputation,
	}, len(spec.NodeIDs))
	if derr != nil {
		return "", derr
	}

	deadline := time.Now().Add(jobTimeout(spec.TimeoutSeconds))
	items := make([]domain.WorkItem, len(candidates))
	for i, node := range candidates {
		items[i] = domain.WorkItem{
			ID:          newWorkItemID(),
			JobID:       job.ID,
			NodeID:      node.NodeID,
			ModelID:     spec.ModelID,
			InputHandle: job.Spec.InputHandle,
			Deadline:    deadline,
			Priority:    job.Priority,
		}
	}

	e.reportProgress(job.ID, 0, len(items))
	results, errs := e.dispatchAll(ctx, items)

	quorum := (len(items) + 1) / 2 // ceil(n/2)
	votes := make([]vote, 0, len(results))
	for i, res := range results {
		if errs[i] != nil || !res.OK() || res.OutputHandle == "" {
			continue
		}
		raw, err := e.gw.GetResult(ctx, res.OutputHandle)
		if err != nil {
			e.log.Warn("fan_out: failed to fetch partial", "work_item_id", items[i].ID, "error", err)
			continue
		}
		vec, err := decodeVector(raw)
		if err != nil {
			e.log.Warn("fan_out: malformed partial vector", "work_item_id", items[i].ID, "error", err)
			continue
		}
		node, ok := e.registry.Get(items[i].NodeID)
		weight := 1.0
		if ok {
			weight = node.Reputation
		}
		votes = append(votes, vote{vector: vec.Values, weight: weight})
	}

	e.reportProgress(job.ID, len(votes), len(items))
	if len(votes) < quorum {
		return "", domain.NewError(domain.ErrQuorumLost, fmt.Sprintf("only %d/%d partials reached quorum %d", len(votes), len(items), quorum), nil)
	}

	fused := fuseVotes(spec.Aggregation, votes)
	if spec.Privacy != nil {
		fused = addLaplaceNoise(fused, spec.Privacy.Epsilon, spec.Privacy.Sensitivity, rand.New(rand.NewSource(time.Now().UnixNano())))
	}

	raw, err := encodeVector(Vector{Values: fused})
	if err != nil {
		return "", domain.NewError(domain.ErrInternal, "encode fused result", err)
	}
	handle, err := e.gw.PutResult(ctx, raw)
	if err != nil {
		return "", domain.NewError(domain.ErrInternal, "persist fused result", err)
	}
	return string(handle), nil
}

func fuseVotes(kind domain.AggregationKind, votes []vote) []float64 {
	switch kind {
	case domain.AggregationWeightedMean:
		return fuseWeightedMean(votes)
	case domain.AggregationMedian:
		return fuseMedian(votes)
	default:
		return fuseMean(votes)
	}
}
