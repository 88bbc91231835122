package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshinfer/meshinfer/internal/blobstore"
	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/fleet"
	"github.com/meshinfer/meshinfer/internal/jobmanager"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/registry"
	"github.com/meshinfer/meshinfer/internal/stategateway"
)

// routerBus is an in-process bus.Bus double that delivers published
// envelopes synchronously to every subscriber of the same topic, letting
// tests exercise the handoff offer/accept round trip without Redis.
type routerBus struct {
	mu   sync.Mutex
	subs map[string][]func(domain.Envelope)
}

func newRouterBus() *routerBus { return &routerBus{subs: make(map[string][]func(domain.Envelope))} }

func (b *routerBus) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	b.mu.Lock()
	handlers := append([]func(domain.Envelope){}, b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *routerBus) Subscribe(ctx context.Context, topic string, onMsg func(domain.Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], onMsg)
	return nil
}

func (b *routerBus) Close() error { return nil }

type memRegistry struct {
	mu     sync.Mutex
	active registry.ActiveJobsSnapshot
}

func newMemRegistry() *memRegistry {
	return &memRegistry{active: registry.ActiveJobsSnapshot{Owners: map[string]string{}}}
}
func (r *memRegistry) GetFleet(ctx context.Context) (*registry.FleetSnapshot, error) {
	return &registry.FleetSnapshot{}, nil
}
func (r *memRegistry) PutFleet(ctx context.Context, snap *registry.FleetSnapshot) error { return nil }
func (r *memRegistry) GetActiveJobs(ctx context.Context) (*registry.ActiveJobsSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &r.active, nil
}
func (r *memRegistry) PutActiveJobsOwner(ctx context.Context, jobID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active.Owners[jobID] = ownerID
	return nil
}
func (r *memRegistry) DeleteActiveJobsOwner(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active.Owners, jobID)
	return nil
}
func (r *memRegistry) Close() error { return nil }

type fakeJobSource struct {
	mu           sync.Mutex
	pending      []domain.Job
	adopted      []domain.HandoffOffer
	relinquished []string
}

func (f *fakeJobSource) PendingSpecs() []domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Job{}, f.pending...)
}

func (f *fakeJobSource) Adopt(offer domain.HandoffOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopted = append(f.adopted, offer)
	return nil
}

func (f *fakeJobSource) Relinquish(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relinquished = append(f.relinquished, jobID)
}

func newTestCoordinator(t *testing.T, b *routerBus, selfID string, capacity int, jobs JobSource, active func() int) *Coordinator {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	store, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	gw := stategateway.New(log, store, b, newMemRegistry(), selfID)
	cfg := config.FleetConfig{
		HeartbeatInterval:    config.Duration{Duration: time.Minute},
		HandoffLoadThreshold: 0.8,
		HandoffPeerMaxLoad:   0.5,
	}
	return NewCoordinator(log, b, gw, cfg, selfID, "http://"+selfID, capacity, jobs, active)
}

func TestHeartbeatPopulatesPeerSnapshot(t *testing.T) {
	b := newRouterBus()
	a := newTestCoordinator(t, b, "orch-a", 10, nil, func() int { return 0 })
	c := newTestCoordinator(t, b, "orch-b", 10, nil, func() int { return 0 })

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	a.emitHeartbeat(context.Background())

	peers := c.Snapshot()
	require.Len(t, peers, 1)
	require.Equal(t, "orch-a", peers[0].PeerID)
}

func TestSweepEvictsStalePeer(t *testing.T) {
	b := newRouterBus()
	c := newTestCoordinator(t, b, "orch-b", 10, nil, func() int { return 0 })
	require.NoError(t, c.Start(context.Background()))

	c.onHeartbeat(mustEnvelope(t, "orchestrator_heartbeat", "orch-a", domain.OrchestratorHeartbeatPayload{
		PeerID: "orch-a", Capacity: 10, Sequence: 1,
	}))

	c.Sweep(time.Now().Add(10 * time.Minute))
	peers := c.Snapshot()
	require.Len(t, peers, 1)
	require.Equal(t, domain.NodeEvicted, peers[0].Status)
}

func TestHandoffOfferAcceptedByUnderloadedPeer(t *testing.T) {
	b := newRouterBus()
	source := &fakeJobSource{pending: []domain.Job{{ID: "job-1", Owner: "owner-1", Priority: domain.PriorityNormal, Spec: domain.JobSpec{}}}}
	idleSource := &fakeJobSource{}

	overloaded := newTestCoordinator(t, b, "orch-a", 10, source, func() int { return 9 })     // 0.9 load
	idle := newTestCoordinator(t, b, "orch-b", 10, idleSource, func() int { return 1 })       // 0.1 load

	require.NoError(t, overloaded.Start(context.Background()))
	require.NoError(t, idle.Start(context.Background()))

	// Give each coordinator a view of the other as an active peer.
	overloaded.onHeartbeat(mustEnvelope(t, "orchestrator_heartbeat", "orch-b", domain.OrchestratorHeartbeatPayload{
		PeerID: "orch-b", Capacity: 10, ActiveJobs: 1, Sequence: 1,
	}))

	overloaded.offerIfOverloaded(context.Background())

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.relinquished) == 1
	}, time.Second, 5*time.Millisecond)

	// The accepting side adopted the job for execution, with the offer's
	// owner and priority intact.
	idleSource.mu.Lock()
	require.Len(t, idleSource.adopted, 1)
	require.Equal(t, "job-1", idleSource.adopted[0].JobID)
	require.Equal(t, "owner-1", idleSource.adopted[0].Owner)
	idleSource.mu.Unlock()

	owner, ok, err := idle.gw.Owner(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "orch-b", owner)

	target, ok := overloaded.ForwardTarget("job-1")
	require.True(t, ok)
	require.Equal(t, "orch-b", target)
}

// recordingExecutor satisfies jobmanager.Executor and records which jobs it
// actually ran, so the handoff test can prove execution moved replicas.
type recordingExecutor struct {
	mu     sync.Mutex
	ran    []string
	handle string
}

func (f *recordingExecutor) Execute(ctx context.Context, job domain.Job) (string, *domain.Error) {
	f.mu.Lock()
	f.ran = append(f.ran, job.ID)
	f.mu.Unlock()
	return f.handle, nil
}

func (f *recordingExecutor) ranJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ran...)
}

func TestHandoffRunsJobOnAcceptingReplica(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)
	b := newRouterBus()
	sharedReg := newMemRegistry() // one active-jobs record shared by both replicas

	fleetCfg := config.FleetConfig{
		HeartbeatInterval:    config.Duration{Duration: time.Minute},
		HandoffLoadThreshold: 0.8,
		HandoffPeerMaxLoad:   0.5,
	}

	mkManager := func(selfID string, exec jobmanager.Executor) (*jobmanager.Manager, *stategateway.Gateway) {
		store, err := blobstore.NewLocalStore(t.TempDir())
		require.NoError(t, err)
		gw := stategateway.New(log, store, b, sharedReg, selfID)
		freg := fleet.NewNodeRegistry(log, sharedReg, b, fleetCfg)
		now := time.Now()
		freg.ApplyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 10, Sequence: 1}, now)
		freg.ApplyHeartbeat(domain.HeartbeatPayload{NodeID: "b", Capacity: 10, Sequence: 1}, now)
		return jobmanager.New(log, freg, gw, exec, selfID), gw
	}

	execA := &recordingExecutor{handle: "handle-a"}
	execB := &recordingExecutor{handle: "handle-b"}
	mgrA, gwA := mkManager("orch-a", execA)
	mgrB, gwB := mkManager("orch-b", execB)

	// Capacity 1 puts orch-a at full load with its single submission.
	coordA := NewCoordinator(log, b, gwA, fleetCfg, "orch-a", "http://orch-a", 1, mgrA, mgrA.ActiveJobCount)
	coordB := NewCoordinator(log, b, gwB, fleetCfg, "orch-b", "http://orch-b", 10, mgrB, mgrB.ActiveJobCount)
	require.NoError(t, coordA.Start(context.Background()))
	require.NoError(t, coordB.Start(context.Background()))
	mgrA.SetOffloadGate(coordA.Overloaded)

	spec := domain.JobSpec{
		Pattern: domain.PatternFanOut,
		FanOut: &domain.FanOutSpec{
			ModelID:     "m1",
			NodeIDs:     []string{"a", "b"},
			Aggregation: domain.AggregationMean,
		},
	}
	jobID, derr := mgrA.Submit(context.Background(), spec, "owner-1", domain.PriorityNormal, 0)
	require.Nil(t, derr)

	// Held Pending on orch-a: the offload gate fired, so nothing ran yet.
	job, derr := mgrA.Status(jobID)
	require.Nil(t, derr)
	require.Equal(t, domain.JobPending, job.State)
	require.Empty(t, execA.ranJobs())

	coordA.onHeartbeat(mustEnvelope(t, "orchestrator_heartbeat", "orch-b", domain.OrchestratorHeartbeatPayload{
		PeerID: "orch-b", Capacity: 10, ActiveJobs: 1, Sequence: 1,
	}))
	coordA.offerIfOverloaded(context.Background())

	// orch-b adopts and runs the job to completion.
	require.Eventually(t, func() bool {
		job, derr := mgrB.Status(jobID)
		return derr == nil && job.State == domain.JobCompleted
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{jobID}, execB.ranJobs())
	require.Empty(t, execA.ranJobs())

	owner, ok, err := gwB.Owner(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "orch-b", owner)

	// orch-a relinquished the held job and keeps a forwarding entry.
	require.Eventually(t, func() bool {
		_, derr := mgrA.Status(jobID)
		return derr != nil && derr.Kind == domain.ErrNotFound
	}, time.Second, 5*time.Millisecond)
	target, ok := coordA.ForwardTarget(jobID)
	require.True(t, ok)
	require.Equal(t, "orch-b", target)
}

func mustEnvelope(t *testing.T, typ, sender string, body any) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(typ, sender, 0, body)
	require.NoError(t, err)
	return env
}
