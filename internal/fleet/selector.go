package fleet

import (
	"sort"

	"github.com/meshinfer/meshinfer/internal/domain"
)

// SelectionWeights tunes NodeSelector's ranking score. Defaults chosen so
// reputation dominates but load and recent failures still matter.
type SelectionWeights struct {
	Reputation  float64
	Load        float64
	FailureRate float64
}

func DefaultSelectionWeights() SelectionWeights {
	return SelectionWeights{Reputation: 1.0, Load: 0.5, FailureRate: 0.5}
}

// Filters narrows the candidate set before ranking. A zero value filter
// component is a no-op (e.g. MinReputation == 0 admits everything).
type Filters struct {
	MinReputation       float64
	RequiredCapabilities []string
	// DataAvailabilityHints lists capability-like tags a node must declare to
	// be considered to already hold the data a job's selector needs local.
	DataAvailabilityHints []string
	// AllowNodeIDs, when non-empty, pins selection to exactly this set (in
	// filter order); used by jobs that pin specific nodes. Ranking is
	// skipped for pinned selection — the caller's order is preserved.
	AllowNodeIDs []string
}

// NodeSelector filters and ranks NodeRegistry's current snapshot.
// Determinism requirement: two calls with identical registry snapshots and
// arguments return identical outputs. Nothing here mutates NodeRegistry.
type NodeSelector struct {
	registry *NodeRegistry
	weights  SelectionWeights
}

func NewNodeSelector(registry *NodeRegistry, weights SelectionWeights) *NodeSelector {
	return &NodeSelector{registry: registry, weights: weights}
}

// Select returns up to n NodeRecords meeting every filter, ranked best
// first. Returns domain.ErrInsufficientNodes if fewer than n candidates
// satisfy the filters.
func (s *NodeSelector) Select(f Filters, n int) ([]domain.NodeRecord, *domain.Error) {
	if len(f.AllowNodeIDs) > 0 {
		return s.selectPinned(f, n)
	}

	candidates := make([]domain.NodeRecord, 0)
	for _, rec := range s.registry.Snapshot() {
		if !passesFilters(rec, f) {
			continue
		}
		candidates = append(candidates, rec)
	}

	if len(candidates) < n {
		return nil, domain.NewError(domain.ErrInsufficientNodes, "not enough nodes satisfy selection filters", nil)
	}

	sort.Slice(candidates, func(i, j int) bool {
		si := s.score(candidates[i])
		sj := s.score(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})

	return append([]domain.NodeRecord{}, candidates[:n]...), nil
}

func (s *NodeSelector) selectPinned(f Filters, n int) ([]domain.NodeRecord, *domain.Error) {
	out := make([]domain.NodeRecord, 0, len(f.AllowNodeIDs))
	for _, id := range f.AllowNodeIDs {
		rec, ok := s.registry.Get(id)
		if !ok || !passesFilters(rec, f) {
			continue
		}
		out = append(out, rec)
	}
	if len(out) < n {
		return nil, domain.NewError(domain.ErrInsufficientNodes, "pinned nodes unavailable", nil)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func passesFilters(rec domain.NodeRecord, f Filters) bool {
	if rec.Status != domain.NodeActive {
		return false
	}
	if rec.Reputation < f.MinReputation {
		return false
	}
	for _, cap := range f.RequiredCapabilities {
		if !rec.HasCapability(cap) {
			return false
		}
	}
	for _, hint := range f.DataAvailabilityHints {
		if !rec.HasCapability(hint) {
			return false
		}
	}
	return true
}

func (s *NodeSelector) score(rec domain.NodeRecord) float64 {
	w := s.weights
	return w.Reputation*rec.Reputation - w.Load*rec.LoadFraction() - w.FailureRate*rec.RecentFailureRate
}
