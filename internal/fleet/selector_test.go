package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

func newTestRegistry(t *testing.T) *NodeRegistry {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	cfg := config.FleetConfig{
		HeartbeatInterval:    config.Duration{Duration: 10 * time.Second},
		StaleAfterMultiplier: 3,
		EvictAfterMultiplier: 10,
	}
	return NewNodeRegistry(log, nil, nil, cfg)
}

func TestSelectorDeterministicOrdering(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "b", Capacity: 10, ActiveJobs: 1, Sequence: 1}, now)
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 10, ActiveJobs: 1, Sequence: 1}, now)
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "c", Capacity: 10, ActiveJobs: 1, Sequence: 1}, now)

	sel := NewNodeSelector(reg, DefaultSelectionWeights())

	list1, derr1 := sel.Select(Filters{}, 3)
	require.Nil(t, derr1)
	list2, derr2 := sel.Select(Filters{}, 3)
	require.Nil(t, derr2)
	require.Equal(t, list1, list2)
	// Identical scores tie-break lexicographically.
	require.Equal(t, []string{"a", "b", "c"}, []string{list1[0].NodeID, list1[1].NodeID, list1[2].NodeID})
}

func TestSelectorInsufficientNodes(t *testing.T) {
	reg := newTestRegistry(t)
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 10, Sequence: 1}, time.Now())
	sel := NewNodeSelector(reg, DefaultSelectionWeights())

	_, derr := sel.Select(Filters{}, 2)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrInsufficientNodes, derr.Kind)
}

func TestSelectorExcludesStaleNodes(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 10, Sequence: 1}, now.Add(-1*time.Hour))
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "b", Capacity: 10, Sequence: 1}, now)
	reg.Sweep(now)

	sel := NewNodeSelector(reg, DefaultSelectionWeights())
	list, derr := sel.Select(Filters{}, 1)
	require.Nil(t, derr)
	require.Equal(t, "b", list[0].NodeID)
}

func TestSelectorFiltersByCapability(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "gpu", Capacity: 10, Capabilities: []string{"gpu"}, Sequence: 1}, now)
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "cpu", Capacity: 10, Sequence: 1}, now)

	sel := NewNodeSelector(reg, DefaultSelectionWeights())
	list, derr := sel.Select(Filters{RequiredCapabilities: []string{"gpu"}}, 1)
	require.Nil(t, derr)
	require.Equal(t, "gpu", list[0].NodeID)
}

func TestSelectorPinnedAllowlist(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 10, Sequence: 1}, now)
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "b", Capacity: 10, Sequence: 1}, now)

	sel := NewNodeSelector(reg, DefaultSelectionWeights())
	list, derr := sel.Select(Filters{AllowNodeIDs: []string{"b", "a"}}, 2)
	require.Nil(t, derr)
	require.Equal(t, []string{"b", "a"}, []string{list[0].NodeID, list[1].NodeID})
}
