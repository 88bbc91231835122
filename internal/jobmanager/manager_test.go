package jobmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshinfer/meshinfer/internal/blobstore"
	"github.com/meshinfer/meshinfer/internal/bus"
	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/fleet"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/registry"
	"github.com/meshinfer/meshinfer/internal/stategateway"
)

type noopBus struct{}

func (noopBus) Publish(ctx context.Context, topic string, env domain.Envelope) error { return nil }
func (noopBus) Subscribe(ctx context.Context, topic string, onMsg func(domain.Envelope)) error {
	return nil
}
func (noopBus) Close() error { return nil }

var _ bus.Bus = noopBus{}

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

var _ registry.Registry = (*memRegistry)(nil)

type fakeExecutor struct {
	handle string
	err    *domain.Error
	delay  time.Duration
}

func (f fakeExecutor) Execute(ctx context.Context, job domain.Job) (string, *domain.Error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.handle, nil
}

func newTestManager(t *testing.T, exec Executor) (*Manager, *fleet.NodeRegistry) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)

	reg := fleet.NewNodeRegistry(log, newMemRegistry(), noopBus{}, config.FleetConfig{
		HeartbeatInterval: config.Duration{Duration: time.Minute},
	})
	reg.ApplyHeartbeat(domain.HeartbeatPayload{NodeID: "a", Capacity: 10, Sequence: 1}, time.Now())
	reg.ApplyHeartbeat(domain.HeartbeatPayload{NodeID: "b", Capacity: 10, Sequence: 1}, time.Now())

	store, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	gw := stategateway.New(log, store, noopBus{}, newMemRegistry(), "orch-test")

	mgr := New(log, reg, gw, exec, "orch-test")
	mgr.retention = 50 * time.Millisecond
	return mgr, reg
}

func fanOutSpec(nodeIDs []string) domain.JobSpec {
	return domain.JobSpec{
		Pattern: domain.PatternFanOut,
		FanOut: &domain.FanOutSpec{
			ModelID:     "m1",
			NodeIDs:     nodeIDs,
			Aggregation: domain.AggregationMean,
		},
	}
}

func TestSubmitRejectsUnknownNode(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{handle: "h"})
	_, derr := mgr.Submit(context.Background(), fanOutSpec([]string{"a", "ghost"}), "owner-1", domain.PriorityNormal, 0)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrBadSpec, derr.Kind)
}

func TestSubmitRejectsTooFewNodes(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{handle: "h"})
	_, derr := mgr.Submit(context.Background(), fanOutSpec([]string{"a"}), "owner-1", domain.PriorityNormal, 0)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrBadSpec, derr.Kind)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{handle: "result-handle"})
	jobID, derr := mgr.Submit(context.Background(), fanOutSpec([]string{"a", "b"}), "owner-1", domain.PriorityNormal, 0)
	require.Nil(t, derr)

	require.Eventually(t, func() bool {
		job, derr := mgr.Status(jobID)
		return derr == nil && job.State == domain.JobCompleted
	}, time.Second, 5*time.Millisecond)

	job, derr := mgr.Status(jobID)
	require.Nil(t, derr)
	require.Equal(t, "result-handle", job.ResultHandle)

	handle, derr := mgr.Result(jobID)
	require.Nil(t, derr)
	require.Equal(t, "result-handle", handle)
}

func TestSubmitRunsToFailure(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{err: domain.NewError(domain.ErrQuorumLost, "lost", nil)})
	jobID, derr := mgr.Submit(context.Background(), fanOutSpec([]string{"a", "b"}), "owner-1", domain.PriorityNormal, 0)
	require.Nil(t, derr)

	require.Eventually(t, func() bool {
		job, derr := mgr.Status(jobID)
		return derr == nil && job.State == domain.JobFailed
	}, time.Second, 5*time.Millisecond)

	_, derr = mgr.Result(jobID)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrQuorumLost, derr.Kind)
}

func TestCancelRejectsAlreadyTerminal(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{handle: "h"})
	jobID, derr := mgr.Submit(context.Background(), fanOutSpec([]string{"a", "b"}), "owner-1", domain.PriorityNormal, 0)
	require.Nil(t, derr)

	require.Eventually(t, func() bool {
		job, derr := mgr.Status(jobID)
		return derr == nil && job.State == domain.JobCompleted
	}, time.Second, 5*time.Millisecond)

	derr = mgr.Cancel(context.Background(), jobID)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrAlreadyTerminal, derr.Kind)
}

func TestHeldSubmitRunsLocallyAfterHoldGrace(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{handle: "h"})
	mgr.holdGrace = 30 * time.Millisecond
	mgr.SetOffloadGate(func() bool { return true })

	jobID, derr := mgr.Submit(context.Background(), fanOutSpec([]string{"a", "b"}), "owner-1", domain.PriorityNormal, 0)
	require.Nil(t, derr)

	// Held for handoff: still Pending, and offered via PendingSpecs.
	job, derr := mgr.Status(jobID)
	require.Nil(t, derr)
	require.Equal(t, domain.JobPending, job.State)
	require.Len(t, mgr.PendingSpecs(), 1)

	// No peer takes it, so the hold grace elapses and it runs here.
	require.Eventually(t, func() bool {
		job, derr := mgr.Status(jobID)
		return derr == nil && job.State == domain.JobCompleted
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, mgr.PendingSpecs())
}

func TestAdoptRunsOfferedJob(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{handle: "adopted-handle"})

	err := mgr.Adopt(domain.HandoffOffer{
		JobID:    "job-from-peer",
		Spec:     fanOutSpec([]string{"a", "b"}),
		Owner:    "owner-1",
		Priority: domain.PriorityNormal,
		FromPeer: "orch-other",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, derr := mgr.Status("job-from-peer")
		return derr == nil && job.State == domain.JobCompleted
	}, time.Second, 5*time.Millisecond)

	handle, derr := mgr.Result("job-from-peer")
	require.Nil(t, derr)
	require.Equal(t, "adopted-handle", handle)
}

func TestLateCompletionDoesNotOverwriteCancel(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{handle: "h", delay: 100 * time.Millisecond})
	mgr.retention = time.Minute // keep the cancelled job indexed past the sleep below
	jobID, derr := mgr.Submit(context.Background(), fanOutSpec([]string{"a", "b"}), "owner-1", domain.PriorityNormal, 0)
	require.Nil(t, derr)

	require.Eventually(t, func() bool {
		job, derr := mgr.Status(jobID)
		return derr == nil && job.State == domain.JobRunning
	}, time.Second, 5*time.Millisecond)

	require.Nil(t, mgr.Cancel(context.Background(), jobID))

	// Let the executor finish its (now discarded) run, then confirm the
	// terminal state never regressed.
	time.Sleep(200 * time.Millisecond)
	job, derr := mgr.Status(jobID)
	require.Nil(t, derr)
	require.Equal(t, domain.JobCancelled, job.State)
	require.Empty(t, job.ResultHandle)
}

func TestCancelSucceedsWhileRunning(t *testing.T) {
	mgr, _ := newTestManager(t, fakeExecutor{handle: "h", delay: 200 * time.Millisecond})
	jobID, derr := mgr.Submit(context.Background(), fanOutSpec([]string{"a", "b"}), "owner-1", domain.PriorityNormal, 0)
	require.Nil(t, derr)

	require.Eventually(t, func() bool {
		job, derr := mgr.Status(jobID)
		return derr == nil && job.State == domain.JobRunning
	}, time.Second, 5*time.Millisecond)

	derr = mgr.Cancel(context.Background(), jobID)
	require.Nil(t, derr)

	job, derr := mgr.Status(jobID)
	require.Nil(t, derr)
	require.Equal(t, domain.JobCancelled, job.State)
}
