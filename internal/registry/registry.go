// Package registry is the mutable-name registry: two well-known records,
// fleet-registry (a snapshot of every NodeRecord) and active-jobs (a
// job_id→owner map), each addressable by name and refreshed on a schedule.
// Readers tolerate staleness up to 2x the refresh interval, so a registry
// outage degrades selection and ownership lookups without corrupting them.
package registry

import (
	"context"

	"github.com/meshinfer/meshinfer/internal/domain"
)

const (
	NameFleetRegistry = "fleet-registry"
	NameActiveJobs    = "active-jobs"
)

// FleetSnapshot is the fleet-registry record.
type FleetSnapshot struct {
	Nodes      []domain.NodeRecord `json:"nodes"`
	AsOf       int64               `json:"as_of"`
	Sequence   uint64              `json:"sequence"`
}

// ActiveJobsSnapshot is the active-jobs record: which orchestrator replica
// currently owns each non-terminal job.
type ActiveJobsSnapshot struct {
	Owners   map[string]string `json:"owners"` // job_id -> orchestrator_id
	AsOf     int64             `json:"as_of"`
	Sequence uint64            `json:"sequence"`
}

// Registry reads and writes the two named records. Implementations must make
// Put atomic from the perspective of a single writer; concurrent writers
// from different replicas are expected (peer handoff updates active-jobs),
// so callers that need read-modify-write semantics should use PutActiveJobsOwner.
type Registry interface {
	GetFleet(ctx context.Context) (*FleetSnapshot, error)
	PutFleet(ctx context.Context, snap *FleetSnapshot) error

	GetActiveJobs(ctx context.Context) (*ActiveJobsSnapshot, error)
	// PutActiveJobsOwner sets the owner for a single job id, read-modify-write
	// against the current snapshot, used by submit and by handoff acceptance.
	PutActiveJobsOwner(ctx context.Context, jobID, ownerID string) error
	// DeleteActiveJobsOwner removes a job id from the active-jobs record, used
	// once a job reaches a terminal state and its TTL grace period elapses.
	DeleteActiveJobsOwner(ctx context.Context, jobID string) error

	Close() error
}
