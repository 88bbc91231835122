// Package fleet is the control tier's view of the worker fleet: NodeRegistry
// maintains an in-memory, continuously refreshed cache of every NodeRecord,
// and NodeSelector filters and ranks candidates out of that cache for
// PatternExecutor. Nothing here talks to the blob store or bus directly
// except through the narrow registry.Registry and bus.Bus interfaces, the
// same single-writer/many-readers shape NodeRegistry documents for itself.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/meshinfer/meshinfer/internal/bus"
	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/registry"
)

// NodeRegistry is the replica-local, eventually-consistent fleet cache.
// Selection always reads from here, never from the remote mutable-name
// registry directly, so a slow or unreachable registry degrades to stale
// data rather than added latency on the hot path.
type NodeRegistry struct {
	log *logger.Logger
	reg registry.Registry
	b   bus.Bus
	cfg config.FleetConfig

	mu    sync.RWMutex
	nodes map[string]domain.NodeRecord
}

func NewNodeRegistry(log *logger.Logger, reg registry.Registry, b bus.Bus, cfg config.FleetConfig) *NodeRegistry {
	return &NodeRegistry{
		log:   log.With("service", "NodeRegistry"),
		reg:   reg,
		b:     b,
		cfg:   cfg,
		nodes: make(map[string]domain.NodeRecord),
	}
}

// Start subscribes to nodes.heartbeat and launches the periodic reconcile
// and staleness-sweep loops. It returns once the subscription is live;
// the loops run until ctx is canceled.
func (r *NodeRegistry) Start(ctx context.Context) error {
	if err := r.b.Subscribe(ctx, domain.TopicNodesHeartbeat, r.onHeartbeat); err != nil {
		return err
	}

	go r.reconcileLoop(ctx)
	go r.sweepLoop(ctx)
	return nil
}

func (r *NodeRegistry) onHeartbeat(env domain.Envelope) {
	body, err := domain.DecodeBody[domain.HeartbeatPayload](env.Body)
	if err != nil {
		r.log.Warn("bad heartbeat payload", "error", err)
		return
	}
	r.applyHeartbeat(body, time.Now())
}

// applyHeartbeat upserts a NodeRecord. Out-of-order heartbeats (a lower
// sequence than one already applied) are discarded so a delayed retransmit
// can never clobber newer state. Promotion back to active happens
// immediately on any accepted heartbeat, even if the node was previously
// stale or evicted.
func (r *NodeRegistry) applyHeartbeat(hb domain.HeartbeatPayload, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.nodes[hb.NodeID]
	if ok && hb.Sequence != 0 && hb.Sequence <= existing.Sequence {
		return
	}

	rec := existing
	rec.NodeID = hb.NodeID
	rec.Endpoint = hb.Endpoint
	rec.Capabilities = hb.Capabilities
	rec.LastHeartbeat = now
	rec.Sequence = hb.Sequence
	rec.ActiveJobs = hb.ActiveJobs
	rec.Capacity = hb.Capacity
	rec.Status = domain.NodeActive
	if !ok {
		rec.Reputation = 1
	}
	r.nodes[hb.NodeID] = rec
}

// ApplyHeartbeat applies a single heartbeat as if it had arrived over the
// bus. Exported for replay of a node daemon's SQLite heartbeat log on
// restart and for tests that need deterministic registry state without a
// live subscription.
func (r *NodeRegistry) ApplyHeartbeat(hb domain.HeartbeatPayload, now time.Time) {
	r.applyHeartbeat(hb, now)
}

// reconcileLoop periodically merges in the authoritative fleet-registry
// snapshot for nodes this replica hasn't heard a heartbeat from directly
// (e.g. just after a restart, before any heartbeat has arrived).
func (r *NodeRegistry) reconcileLoop(ctx context.Context) {
	interval := r.cfg.ReconcileInterval.Duration
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *NodeRegistry) reconcileOnce(ctx context.Context) {
	snap, err := r.reg.GetFleet(ctx)
	if err != nil {
		r.log.Warn("fleet reconcile failed", "error", domain.NewError(domain.ErrRegistryStale, "mutable-name registry unreachable", err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range snap.Nodes {
		existing, ok := r.nodes[n.NodeID]
		if ok && existing.Sequence >= n.Sequence {
			continue
		}
		r.nodes[n.NodeID] = n
	}
}

// PublishSnapshot writes the current cache out to the mutable-name registry,
// used by a replica that owns write responsibility for fleet-registry (in
// this design, every replica publishes its own view; readers merge by
// newest sequence per node, so concurrent writers never corrupt the record).
func (r *NodeRegistry) PublishSnapshot(ctx context.Context) error {
	return r.reg.PutFleet(ctx, &registry.FleetSnapshot{Nodes: r.Snapshot()})
}

// sweepLoop marks nodes stale/evicted on missed heartbeats. Runs every
// heartbeat interval.
func (r *NodeRegistry) sweepLoop(ctx context.Context) {
	h := r.cfg.HeartbeatInterval.Duration
	if h <= 0 {
		h = 10 * time.Second
	}
	ticker := time.NewTicker(h)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep applies the staleness thresholds against now. Exported so tests can
// drive it deterministically without waiting on a real ticker.
func (r *NodeRegistry) Sweep(now time.Time) {
	staleMul := r.cfg.StaleAfterMultiplier
	if staleMul <= 0 {
		staleMul = 3
	}
	evictMul := r.cfg.EvictAfterMultiplier
	if evictMul <= 0 {
		evictMul = 10
	}
	h := r.cfg.HeartbeatInterval.Duration
	if h <= 0 {
		h = 10 * time.Second
	}

	staleAfter := time.Duration(float64(h) * staleMul)
	evictAfter := time.Duration(float64(h) * evictMul)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, n := range r.nodes {
		if n.Status == domain.NodeDraining || n.Status == domain.NodeEvicted {
			continue
		}
		since := now.Sub(n.LastHeartbeat)
		switch {
		case since > evictAfter:
			n.Status = domain.NodeEvicted
		case since > staleAfter:
			n.Status = domain.NodeStale
		default:
			n.Status = domain.NodeActive
		}
		r.nodes[id] = n
	}
}

// Snapshot returns a copy of every known NodeRecord. Safe for concurrent use.
func (r *NodeRegistry) Snapshot() []domain.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.NodeRecord, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Get looks up a single node by id.
func (r *NodeRegistry) Get(nodeID string) (domain.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// MaxReputation returns the highest reputation among known nodes, used by
// JobManager's submit-time validation (min-reputation must not exceed it).
func (r *NodeRegistry) MaxReputation() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := 0.0
	for _, n := range r.nodes {
		if n.Reputation > max {
			max = n.Reputation
		}
	}
	return max
}

// ApplyFailure nudges a node's recent-failure-rate estimate after a dispatch
// or execution error is attributed to it; used by PatternExecutor so
// NodeSelector's ranking reacts to observed reliability, not just heartbeats.
func (r *NodeRegistry) ApplyFailure(nodeID string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	const alpha = 0.2
	sample := 0.0
	if failed {
		sample = 1.0
	}
	n.RecentFailureRate = n.RecentFailureRate*(1-alpha) + sample*alpha
	r.nodes[nodeID] = n
}
