// Package stategateway is the only component that talks to the blob store
// and the broadcast bus on behalf of the control tier. JobManager and
// PatternExecutor go through it for every persisted write and every
// published event, which is what keeps "StateGateway is the only
// persistence/bus authority" true by construction rather than by
// convention.
package stategateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meshinfer/meshinfer/internal/blobstore"
	"github.com/meshinfer/meshinfer/internal/bus"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/registry"
)

type Gateway struct {
	log   *logger.Logger
	blobs blobstore.Store
	bus   bus.Bus
	reg   registry.Registry

	orchestratorID string

	mu  sync.Mutex
	seq map[string]uint64 // per-job monotonic sequence, owning replica only
}

func New(log *logger.Logger, blobs blobstore.Store, b bus.Bus, reg registry.Registry, orchestratorID string) *Gateway {
	return &Gateway{
		log:            log.With("service", "StateGateway"),
		blobs:          blobs,
		bus:            b,
		reg:            reg,
		orchestratorID: orchestratorID,
		seq:            make(map[string]uint64),
	}
}

// PutSpec persists a JobSpec as a blob and returns its handle.
func (g *Gateway) PutSpec(ctx context.Context, spec domain.JobSpec) (blobstore.Handle, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("stategateway: encode spec: %w", err)
	}
	return g.blobs.Put(ctx, raw)
}

// GetSpec fetches and decodes a JobSpec by handle.
func (g *Gateway) GetSpec(ctx context.Context, handle string) (domain.JobSpec, error) {
	var spec domain.JobSpec
	raw, err := g.blobs.Get(ctx, blobstore.Handle(handle))
	if err != nil {
		return spec, fmt.Errorf("stategateway: get spec: %w", err)
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("stategateway: decode spec: %w", err)
	}
	return spec, nil
}

// PutResult persists a result/partial payload as a blob.
func (g *Gateway) PutResult(ctx context.Context, data []byte) (blobstore.Handle, error) {
	return g.blobs.Put(ctx, data)
}

// GetResult fetches a result/partial payload by handle.
func (g *Gateway) GetResult(ctx context.Context, handle string) ([]byte, error) {
	return g.blobs.Get(ctx, blobstore.Handle(handle))
}

// PutJobSnapshot persists the latest Job record as a blob, used so a
// restarted replica can reconstruct in-flight jobs it owns from the active
// jobs record plus this snapshot.
func (g *Gateway) PutJobSnapshot(ctx context.Context, job domain.Job) (blobstore.Handle, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("stategateway: encode job snapshot: %w", err)
	}
	return g.blobs.Put(ctx, raw)
}

// PublishJobUpdate writes the new JobState (via PutJobSnapshot, left to the
// caller) and publishes the jobs.updates event with this replica's next
// per-job sequence number. Sequence numbers are per-job monotonic so
// consumers on other replicas can detect and discard out-of-order delivery.
func (g *Gateway) PublishJobUpdate(ctx context.Context, evt domain.JobUpdateEvent) error {
	g.mu.Lock()
	g.seq[evt.JobID]++
	evt.Sequence = g.seq[evt.JobID]
	g.mu.Unlock()

	env, err := domain.NewEnvelope("job_state", g.orchestratorID, evt.Sequence, evt)
	if err != nil {
		return fmt.Errorf("stategateway: encode job update: %w", err)
	}
	if err := g.bus.Publish(ctx, domain.TopicJobsUpdates, env); err != nil {
		// Bus publish failures are logged but never roll back already-persisted
		// state; the owning replica re-publishes current state on its next
		// heartbeat tick.
		g.log.Warn("publish jobs.updates failed", "job_id", evt.JobID, "error", err)
		return err
	}
	return nil
}

// PublishCancel tombstones a job's outstanding WorkItems on jobs.cancel.
func (g *Gateway) PublishCancel(ctx context.Context, jobID string) error {
	env, err := domain.NewEnvelope("job_cancel", g.orchestratorID, 0, map[string]string{"job_id": jobID})
	if err != nil {
		return err
	}
	return g.bus.Publish(ctx, domain.TopicJobsCancel, env)
}

// PublishResultsReady announces a finished job's result handle.
func (g *Gateway) PublishResultsReady(ctx context.Context, jobID string, handle string) error {
	env, err := domain.NewEnvelope("results_ready", g.orchestratorID, 0, map[string]string{
		"job_id": jobID,
		"handle": handle,
	})
	if err != nil {
		return err
	}
	return g.bus.Publish(ctx, domain.TopicResultsReady, env)
}

// SubscribeJobUpdates lets a caller (e.g. the streaming-updates HTTP
// handler, or a replica holding a forwarding entry) observe jobs.updates
// events as they are published.
func (g *Gateway) SubscribeJobUpdates(ctx context.Context, onEvent func(domain.JobUpdateEvent)) error {
	return g.bus.Subscribe(ctx, domain.TopicJobsUpdates, func(env domain.Envelope) {
		evt, err := domain.DecodeBody[domain.JobUpdateEvent](env.Body)
		if err != nil {
			g.log.Warn("bad jobs.updates payload", "error", err)
			return
		}
		onEvent(evt)
	})
}

// ClaimOwnership sets this job's owner in the active-jobs record.
func (g *Gateway) ClaimOwnership(ctx context.Context, jobID string) error {
	return g.reg.PutActiveJobsOwner(ctx, jobID, g.orchestratorID)
}

// TransferOwnership sets a job's owner to a different replica id, used by
// PeerCoordinator handoff acceptance.
func (g *Gateway) TransferOwnership(ctx context.Context, jobID, ownerID string) error {
	return g.reg.PutActiveJobsOwner(ctx, jobID, ownerID)
}

// ReleaseOwnership removes a terminal job from the active-jobs record,
// called once its retention TTL elapses.
func (g *Gateway) ReleaseOwnership(ctx context.Context, jobID string) error {
	return g.reg.DeleteActiveJobsOwner(ctx, jobID)
}

// Owner reads the current owner of jobID from the active-jobs record.
func (g *Gateway) Owner(ctx context.Context, jobID string) (string, bool, error) {
	snap, err := g.reg.GetActiveJobs(ctx)
	if err != nil {
		return "", false, err
	}
	owner, ok := snap.Owners[jobID]
	return owner, ok, nil
}
