package stategateway

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshinfer/meshinfer/internal/blobstore"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/registry"
)

// fakeBus is an in-process Bus double: Publish delivers synchronously to
// every subscriber currently registered on that topic.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]func(domain.Envelope)
}

func newFakeBus() *fakeBus { return &fakeBus{subs: make(map[string][]func(domain.Envelope))} }

func (b *fakeBus) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	b.mu.Lock()
	handlers := append([]func(domain.Envelope){}, b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, topic string, onMsg func(domain.Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], onMsg)
	return nil
}

func (b *fakeBus) Close() error { return nil }

// fakeRegistry is an in-memory Registry double.
type fakeRegistry struct {
	mu     sync.Mutex
	fleet  *registry.FleetSnapshot
	active *registry.ActiveJobsSnapshot
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		fleet:  &registry.FleetSnapshot{},
		active: &registry.ActiveJobsSnapshot{Owners: map[string]string{}},
	}
}

func (r *fakeRegistry) GetFleet(ctx context.Context) (*registry.FleetSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fleet, nil
}

func (r *fakeRegistry) PutFleet(ctx context.Context, snap *registry.FleetSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fleet = snap
	return nil
}

func (r *fakeRegistry) GetActiveJobs(ctx context.Context) (*registry.ActiveJobsSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, nil
}

func (r *fakeRegistry) PutActiveJobsOwner(ctx context.Context, jobID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active.Owners[jobID] = ownerID
	return nil
}

func (r *fakeRegistry) DeleteActiveJobsOwner(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active.Owners, jobID)
	return nil
}

func (r *fakeRegistry) Close() error { return nil }

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	store, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return New(log, store, newFakeBus(), newFakeRegistry(), "orch-1")
}

func TestPutGetSpecRoundTrip(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	spec := domain.JobSpec{
		Pattern: domain.PatternFanOut,
		FanOut: &domain.FanOutSpec{
			ModelID:     "m1",
			NodeIDs:     []string{"a", "b"},
			Aggregation: domain.AggregationMean,
		},
	}
	handle, err := gw.PutSpec(ctx, spec)
	require.NoError(t, err)

	got, err := gw.GetSpec(ctx, string(handle))
	require.NoError(t, err)
	require.Equal(t, spec.Pattern, got.Pattern)
	require.Equal(t, spec.FanOut.NodeIDs, got.FanOut.NodeIDs)
}

func TestPublishJobUpdateSequenceIsMonotonicPerJob(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	var received []domain.JobUpdateEvent
	var mu sync.Mutex
	err := gw.SubscribeJobUpdates(ctx, func(evt domain.JobUpdateEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evt)
	})
	require.NoError(t, err)

	require.NoError(t, gw.PublishJobUpdate(ctx, domain.JobUpdateEvent{JobID: "job-1", State: domain.JobRunning}))
	require.NoError(t, gw.PublishJobUpdate(ctx, domain.JobUpdateEvent{JobID: "job-1", State: domain.JobCompleted}))
	require.NoError(t, gw.PublishJobUpdate(ctx, domain.JobUpdateEvent{JobID: "job-2", State: domain.JobRunning}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	require.Equal(t, uint64(1), received[0].Sequence)
	require.Equal(t, uint64(2), received[1].Sequence)
	require.Equal(t, uint64(1), received[2].Sequence) // independent counter per job id
}

func TestOwnershipClaimTransferRelease(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, gw.ClaimOwnership(ctx, "job-1"))
	owner, ok, err := gw.Owner(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "orch-1", owner)

	require.NoError(t, gw.TransferOwnership(ctx, "job-1", "orch-2"))
	owner, ok, err = gw.Owner(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "orch-2", owner)

	require.NoError(t, gw.ReleaseOwnership(ctx, "job-1"))
	_, ok, err = gw.Owner(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPublishResultsReadyAndCancel(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	var cancelSeen, readySeen bool
	bus := gw.bus.(*fakeBus)
	require.NoError(t, bus.Subscribe(ctx, domain.TopicJobsCancel, func(env domain.Envelope) { cancelSeen = true }))
	require.NoError(t, bus.Subscribe(ctx, domain.TopicResultsReady, func(env domain.Envelope) { readySeen = true }))

	require.NoError(t, gw.PublishCancel(ctx, "job-1"))
	require.NoError(t, gw.PublishResultsReady(ctx, "job-1", "deadbeef"))
	require.True(t, cancelSeen)
	require.True(t, readySeen)
}
