package domain

import "time"

type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeDraining NodeStatus = "draining"
	NodeStale    NodeStatus = "stale"
	NodeEvicted  NodeStatus = "evicted"
)

// NodeRecord is the fleet's view of one worker node. Inserted on first
// heartbeat, mutated by subsequent heartbeats, and swept for staleness by
// NodeRegistry.
type NodeRecord struct {
	NodeID        string     `json:"node_id"`
	Endpoint      string     `json:"endpoint"`
	Capabilities  []string   `json:"capabilities"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Sequence      uint64     `json:"sequence"`
	ActiveJobs    int        `json:"active_jobs"`
	Capacity      int        `json:"capacity"`
	Reputation    float64    `json:"reputation"`
	RecentFailureRate float64 `json:"recent_failure_rate"`
	Status        NodeStatus `json:"status"`
}

func (n NodeRecord) LoadFraction() float64 {
	if n.Capacity <= 0 {
		return 1
	}
	return float64(n.ActiveJobs) / float64(n.Capacity)
}

// HasCapability reports whether the node declares cap among its
// capabilities; used by NodeSelector capability filters.
func (n NodeRecord) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// PeerRecord mirrors NodeRecord's lifecycle shape for orchestrator replicas
// tracked by PeerCoordinator.
type PeerRecord struct {
	PeerID        string    `json:"peer_id"`
	Endpoint      string    `json:"endpoint"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Sequence      uint64    `json:"sequence"`
	ActiveJobs    int       `json:"active_jobs"`
	Capacity      int       `json:"capacity"`
	Status        NodeStatus `json:"status"`
}

func (p PeerRecord) LoadFraction() float64 {
	if p.Capacity <= 0 {
		return 1
	}
	return float64(p.ActiveJobs) / float64(p.Capacity)
}

// HeartbeatPayload is the envelope body published to nodes.heartbeat.
type HeartbeatPayload struct {
	NodeID       string   `json:"node_id"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`
	ActiveJobs   int      `json:"active_jobs"`
	Capacity     int      `json:"capacity"`
	ReservedCPU  float64  `json:"reserved_cpu_fraction"`
	ReservedMemBytes int64 `json:"reserved_memory_bytes"`
	ReservedSlots int     `json:"reserved_accelerator_slots"`
	Sequence     uint64   `json:"sequence"`
}

// OrchestratorHeartbeatPayload is the envelope body published to
// orchestrator.heartbeat.
type OrchestratorHeartbeatPayload struct {
	PeerID     string  `json:"peer_id"`
	Endpoint   string  `json:"endpoint"`
	ActiveJobs int     `json:"active_jobs"`
	Capacity   int     `json:"capacity"`
	Sequence   uint64  `json:"sequence"`
}

// HandoffOffer is the envelope body published to orchestrator.handoff when a
// replica is overloaded and looking for a peer to take ownership of a job.
// It carries everything the accepting replica needs to adopt and run the
// job itself, not just record ownership.
type HandoffOffer struct {
	JobID    string   `json:"job_id"`
	Spec     JobSpec  `json:"spec"`
	Owner    string   `json:"owner"`
	Priority Priority `json:"priority"`
	FromPeer string   `json:"from_peer"`
}

// HandoffAccept is the reply a peer publishes to orchestrator.handoff to
// claim ownership of an offered job. The first accept wins; ownership is
// finalized in the mutable-name registry, not by this message alone.
// FromPeer echoes the offering replica's id so only it relinquishes the
// job locally.
type HandoffAccept struct {
	JobID    string `json:"job_id"`
	ByPeer   string `json:"by_peer"`
	FromPeer string `json:"from_peer"`
}
