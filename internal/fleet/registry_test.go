package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshinfer/meshinfer/internal/domain"
)

func TestSweepMarksStaleThenEvicted(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 1, Sequence: 1}, now)

	// H=10s, stale after 3H=30s, evict after 10H=100s.
	reg.Sweep(now.Add(45 * time.Second))
	rec, ok := reg.Get("a")
	require.True(t, ok)
	require.Equal(t, domain.NodeStale, rec.Status)

	reg.Sweep(now.Add(200 * time.Second))
	rec, ok = reg.Get("a")
	require.True(t, ok)
	require.Equal(t, domain.NodeEvicted, rec.Status)
}

func TestHeartbeatPromotesStaleBackToActive(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 1, Sequence: 1}, now)
	reg.Sweep(now.Add(45 * time.Second))
	rec, _ := reg.Get("a")
	require.Equal(t, domain.NodeStale, rec.Status)

	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 1, Sequence: 2}, now.Add(46*time.Second))
	rec, _ = reg.Get("a")
	require.Equal(t, domain.NodeActive, rec.Status)
}

func TestOutOfOrderHeartbeatDiscarded(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 5, ActiveJobs: 2, Sequence: 5}, now)
	reg.applyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 5, ActiveJobs: 99, Sequence: 3}, now)

	rec, ok := reg.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, rec.ActiveJobs)
}
