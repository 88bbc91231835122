// Package peer is the control tier's view of sibling orchestrator replicas:
// PeerCoordinator tracks every peer's load from orchestrator.heartbeat, emits
// this replica's own heartbeat, and runs the handoff protocol that offers a
// job to a less-loaded peer when local capacity is saturated. It mirrors
// fleet.NodeRegistry's single-writer/many-readers cache shape, scoped to
// orchestrator replicas instead of worker nodes.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/meshinfer/meshinfer/internal/bus"
	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/stategateway"
)

// JobSource gives PeerCoordinator just enough of JobManager to evaluate and
// carry out a handoff without an import cycle back to that package.
type JobSource interface {
	// PendingSpecs returns jobs this replica owns that are eligible to be
	// offered away (held Pending, not yet started).
	PendingSpecs() []domain.Job
	// Adopt takes over an offered job: index it locally and start executing
	// it on this replica. Called on the accepting side after ownership has
	// been pointed at it.
	Adopt(offer domain.HandoffOffer) error
	// Relinquish marks a job as handed off locally, so JobManager stops
	// tracking it once a peer has accepted ownership.
	Relinquish(jobID string)
}

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultStaleMultiplier   = 3
	defaultForwardGrace      = 5 * time.Minute
)

// forwardingEntry records that a job offered away is, for a grace period,
// still worth forwarding status queries for if a client asks this replica
// about it before learning of the new owner.
type forwardingEntry struct {
	newOwner string
	expires  time.Time
}

type Coordinator struct {
	log *logger.Logger
	b   bus.Bus
	gw  *stategateway.Gateway
	cfg config.FleetConfig

	selfID       string
	selfEndpoint string
	capacity     int

	jobs JobSource

	mu          sync.RWMutex
	peers       map[string]domain.PeerRecord
	forwarding  map[string]forwardingEntry
	activeJobs  func() int // returns this replica's current active job count
	seq         uint64
}

func NewCoordinator(log *logger.Logger, b bus.Bus, gw *stategateway.Gateway, cfg config.FleetConfig, selfID, selfEndpoint string, capacity int, jobs JobSource, activeJobs func() int) *Coordinator {
	return &Coordinator{
		log:          log.With("service", "PeerCoordinator"),
		b:            b,
		gw:           gw,
		cfg:          cfg,
		selfID:       selfID,
		selfEndpoint: selfEndpoint,
		capacity:     capacity,
		jobs:         jobs,
		peers:        make(map[string]domain.PeerRecord),
		forwarding:   make(map[string]forwardingEntry),
		activeJobs:   activeJobs,
	}
}

// Start subscribes to orchestrator.heartbeat and orchestrator.handoff and
// launches this replica's own heartbeat and staleness-sweep loops.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.b.Subscribe(ctx, domain.TopicOrchestratorHeartbeat, c.onHeartbeat); err != nil {
		return err
	}
	if err := c.b.Subscribe(ctx, domain.TopicOrchestratorHandoff, c.onHandoffEnvelope); err != nil {
		return err
	}
	go c.heartbeatLoop(ctx)
	go c.sweepLoop(ctx)
	go c.handoffLoop(ctx)
	return nil
}

func (c *Coordinator) onHeartbeat(env domain.Envelope) {
	if env.Type != "orchestrator_heartbeat" {
		return
	}
	hb, err := domain.DecodeBody[domain.OrchestratorHeartbeatPayload](env.Body)
	if err != nil {
		c.log.Warn("bad orchestrator heartbeat payload", "error", err)
		return
	}
	if hb.PeerID == c.selfID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.peers[hb.PeerID]
	if ok && hb.Sequence != 0 && hb.Sequence <= existing.Sequence {
		return
	}
	c.peers[hb.PeerID] = domain.PeerRecord{
		PeerID:        hb.PeerID,
		Endpoint:      hb.Endpoint,
		LastHeartbeat: time.Now(),
		Sequence:      hb.Sequence,
		ActiveJobs:    hb.ActiveJobs,
		Capacity:      hb.Capacity,
		Status:        domain.NodeActive,
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval.Duration
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitHeartbeat(ctx)
		}
	}
}

func (c *Coordinator) emitHeartbeat(ctx context.Context) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	active := 0
	if c.activeJobs != nil {
		active = c.activeJobs()
	}
	payload := domain.OrchestratorHeartbeatPayload{
		PeerID:     c.selfID,
		Endpoint:   c.selfEndpoint,
		ActiveJobs: active,
		Capacity:   c.capacity,
		Sequence:   seq,
	}
	env, err := domain.NewEnvelope("orchestrator_heartbeat", c.selfID, seq, payload)
	if err != nil {
		c.log.Warn("encode orchestrator heartbeat failed", "error", err)
		return
	}
	if err := c.b.Publish(ctx, domain.TopicOrchestratorHeartbeat, env); err != nil {
		c.log.Warn("publish orchestrator heartbeat failed", "error", err)
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval.Duration
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(time.Now())
		}
	}
}

// Sweep marks peers that have missed several heartbeat intervals as evicted,
// so load-fraction reads over a dead peer don't mislead handoff decisions.
// Exported for deterministic tests.
func (c *Coordinator) Sweep(now time.Time) {
	mul := c.cfg.StaleAfterMultiplier
	if mul <= 0 {
		mul = defaultStaleMultiplier
	}
	interval := c.cfg.HeartbeatInterval.Duration
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	staleAfter := time.Duration(float64(interval) * mul)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.peers {
		if now.Sub(p.LastHeartbeat) > staleAfter && p.Status == domain.NodeActive {
			p.Status = domain.NodeEvicted
			c.peers[id] = p
			c.log.Warn("peer evicted", "peer_id", id,
				"error", domain.NewError(domain.ErrPeerTimeout, "missed heartbeat window", nil))
		}
	}
}

// Snapshot returns a copy of every known peer.
func (c *Coordinator) Snapshot() []domain.PeerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.PeerRecord, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// leastLoadedEligiblePeer returns the lowest-load active peer under the
// configured max-load ceiling, or false if none qualifies.
func (c *Coordinator) leastLoadedEligiblePeer() (domain.PeerRecord, bool) {
	maxLoad := c.cfg.HandoffPeerMaxLoad
	if maxLoad <= 0 {
		maxLoad = 0.5
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	best := domain.PeerRecord{}
	found := false
	for _, p := range c.peers {
		if p.Status != domain.NodeActive {
			continue
		}
		if p.LoadFraction() >= maxLoad {
			continue
		}
		if !found || p.LoadFraction() < best.LoadFraction() {
			best = p
			found = true
		}
	}
	return best, found
}

// Overloaded reports whether this replica's load has crossed
// HandoffLoadThreshold. JobManager consults it at submit time to decide
// whether to hold a new job Pending for handoff instead of starting it.
func (c *Coordinator) Overloaded() bool {
	threshold := c.cfg.HandoffLoadThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	return c.localLoadFraction() >= threshold
}

// localLoadFraction is this replica's own load, used against
// HandoffLoadThreshold to decide whether to start offering jobs away.
func (c *Coordinator) localLoadFraction() float64 {
	if c.capacity <= 0 {
		return 1
	}
	active := 0
	if c.activeJobs != nil {
		active = c.activeJobs()
	}
	return float64(active) / float64(c.capacity)
}

func (c *Coordinator) handoffLoop(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval.Duration
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.offerIfOverloaded(ctx)
		}
	}
}

// offerIfOverloaded publishes a HandoffOffer for one pending job when local
// load crosses HandoffLoadThreshold and a peer under HandoffPeerMaxLoad
// exists. Offering one job per tick avoids dumping the whole pending queue
// onto the first peer to heartbeat.
func (c *Coordinator) offerIfOverloaded(ctx context.Context) {
	if !c.Overloaded() || c.jobs == nil {
		return
	}
	pending := c.jobs.PendingSpecs()
	if len(pending) == 0 {
		return
	}
	peerRec, ok := c.leastLoadedEligiblePeer()
	if !ok {
		return
	}

	job := pending[0]
	offer := domain.HandoffOffer{
		JobID:    job.ID,
		Spec:     job.Spec,
		Owner:    job.Owner,
		Priority: job.Priority,
		FromPeer: c.selfID,
	}
	env, err := domain.NewEnvelope("handoff_offer", c.selfID, 0, offer)
	if err != nil {
		c.log.Warn("encode handoff offer failed", "error", err)
		return
	}
	if err := c.b.Publish(ctx, domain.TopicOrchestratorHandoff, env); err != nil {
		c.log.Warn("publish handoff offer failed", "error", err)
		return
	}
	c.log.Info("offered job for handoff", "job_id", job.ID, "to_peer_hint", peerRec.PeerID)
}

func (c *Coordinator) onHandoffEnvelope(env domain.Envelope) {
	switch env.Type {
	case "handoff_offer":
		c.onHandoffOffer(env)
	case "handoff_accept":
		c.onHandoffAccept(env)
	}
}

// onHandoffOffer evaluates an offer from another replica and, if this
// replica has spare capacity, takes it: point the active-jobs record here,
// adopt the job into the local JobManager so it actually executes, then
// broadcast the accept. First-accept-wins is resolved by the active-jobs
// record: TransferOwnership is a last-writer-wins set, so racing accepts
// may briefly both run the job — tolerated, since exactly-once completion
// across replicas is an explicit non-goal.
func (c *Coordinator) onHandoffOffer(env domain.Envelope) {
	offer, err := domain.DecodeBody[domain.HandoffOffer](env.Body)
	if err != nil {
		c.log.Warn("bad handoff offer payload", "error", err)
		return
	}
	if offer.FromPeer == c.selfID || c.jobs == nil {
		return
	}
	maxLoad := c.cfg.HandoffPeerMaxLoad
	if maxLoad <= 0 {
		maxLoad = 0.5
	}
	if c.localLoadFraction() >= maxLoad {
		return
	}

	ctx := context.Background()
	if err := c.gw.TransferOwnership(ctx, offer.JobID, c.selfID); err != nil {
		c.log.Warn("transfer ownership on handoff accept failed", "job_id", offer.JobID,
			"error", domain.NewError(domain.ErrHandoffRejected, "could not claim ownership record", err))
		return
	}

	if err := c.jobs.Adopt(offer); err != nil {
		c.log.Warn("adopt offered job failed", "job_id", offer.JobID,
			"error", domain.NewError(domain.ErrHandoffRejected, "could not adopt offered job", err))
		return
	}

	accept := domain.HandoffAccept{JobID: offer.JobID, ByPeer: c.selfID, FromPeer: offer.FromPeer}
	acceptEnv, err := domain.NewEnvelope("handoff_accept", c.selfID, 0, accept)
	if err != nil {
		c.log.Warn("encode handoff accept failed", "error", err)
		return
	}
	if err := c.b.Publish(ctx, domain.TopicOrchestratorHandoff, acceptEnv); err != nil {
		c.log.Warn("publish handoff accept failed", "error", err)
	}
	c.log.Info("adopted job via handoff", "job_id", offer.JobID, "from_peer", offer.FromPeer)
}

// onHandoffAccept lets the offering replica observe who took ownership, so
// it can relinquish the still-held job locally and retain a forwarding
// entry for clients still querying this replica about it. Replicas that
// neither offered nor accepted ignore the message.
func (c *Coordinator) onHandoffAccept(env domain.Envelope) {
	accept, err := domain.DecodeBody[domain.HandoffAccept](env.Body)
	if err != nil {
		c.log.Warn("bad handoff accept payload", "error", err)
		return
	}
	if accept.ByPeer == c.selfID || accept.FromPeer != c.selfID {
		return
	}
	if c.jobs != nil {
		c.jobs.Relinquish(accept.JobID)
	}

	c.mu.Lock()
	c.forwarding[accept.JobID] = forwardingEntry{newOwner: accept.ByPeer, expires: time.Now().Add(defaultForwardGrace)}
	c.mu.Unlock()
}

// ForwardTarget reports the peer id a job was handed off to, if the
// forwarding grace period for it hasn't yet expired.
func (c *Coordinator) ForwardTarget(jobID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.forwarding[jobID]
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.newOwner, true
}
