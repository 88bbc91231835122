package pattern

import (
	"context"
	"encoding/json"
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

// noopBus satisfies bus.Bus without a real Redis connection.
type noopBus struct{}

func (noopBus) Publish(ctx context.Context, topic string, env domain.Envelope) error { return nil }
func (noopBus) Subscribe(ctx context.Context, topic string, onMsg func(domain.Envelope)) error {
	return nil
}
func (noopBus) Close() error { return nil }

var _ bus.Bus = noopBus{}

// memRegistry is an in-memory registry.Registry double.
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

// fakeSender routes WorkItems to scripted responses keyed by node id.
type fakeSender struct {
	mu        sync.Mutex
	responses map[string]func(domain.WorkItem) (domain.PartialResult, error)
	calls     map[string]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{responses: make(map[string]func(domain.WorkItem) (domain.PartialResult, error)), calls: make(map[string]int)}
}

func (f *fakeSender) on(nodeID string, fn func(domain.WorkItem) (domain.PartialResult, error)) {
	f.responses[nodeID] = fn
}

func (f *fakeSender) Send(ctx context.Context, nodeEndpoint string, item domain.WorkItem) (domain.PartialResult, error) {
	f.mu.Lock()
	f.calls[item.NodeID]++
	f.mu.Unlock()
	fn, ok := f.responses[item.NodeID]
	if !ok {
		return domain.PartialResult{NodeID: item.NodeID, WorkItemID: item.ID, Error: domain.NewError(domain.ErrInternal, "no script", nil)}, nil
	}
	return fn(item)
}

func setupExecutor(t *testing.T, nodeIDs []string) (*Executor, *fakeSender, *stategateway.Gateway) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)

	reg := fleet.NewNodeRegistry(log, newMemRegistry(), noopBus{}, config.FleetConfig{
		HeartbeatInterval: config.Duration{Duration: time.Minute},
	})
	now := time.Now()
	for i, id := range nodeIDs {
		reg.ApplyHeartbeat(domain.HeartbeatPayload{
			NodeID:   id,
			Endpoint: "http://" + id,
			Capacity: 10,
			Sequence: uint64(i + 1),
		}, now)
	}

	store, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	gw := stategateway.New(log, store, noopBus{}, newMemRegistry(), "orch-test")

	selector := fleet.NewNodeSelector(reg, fleet.DefaultSelectionWeights())
	send := newFakeSender()
	exec := &Executor{log: log.With("service", "PatternExecutor"), registry: reg, selector: selector, client: send, gw: gw}
	return exec, send, gw
}

func putVector(t *testing.T, gw *stategateway.Gateway, values []float64) string {
	t.Helper()
	raw, err := json.Marshal(Vector{Values: values})
	require.NoError(t, err)
	handle, err := gw.PutResult(context.Background(), raw)
	require.NoError(t, err)
	return string(handle)
}

func TestFanOutMeanFusionReachesQuorum(t *testing.T) {
	exec, send, gw := setupExecutor(t, []string{"a", "b", "c"})

	send.on("a", func(item domain.WorkItem) (domain.PartialResult, error) {
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "a", OutputHandle: putVector(t, gw, []float64{1, 2})}, nil
	})
	send.on("b", func(item domain.WorkItem) (domain.PartialResult, error) {
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "b", OutputHandle: putVector(t, gw, []float64{3, 4})}, nil
	})
	send.on("c", func(item domain.WorkItem) (domain.PartialResult, error) {
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "c", Error: domain.NewError(domain.ErrWorkerCrashed, "boom", nil)}, nil
	})

	job := domain.Job{
		ID:       "job-1",
		Priority: domain.PriorityNormal,
		Spec: domain.JobSpec{
			Pattern: domain.PatternFanOut,
			FanOut: &domain.FanOutSpec{
				ModelID:     "m1",
				NodeIDs:     []string{"a", "b", "c"},
				Aggregation: domain.AggregationMean,
			},
		},
	}

	handle, derr := exec.Execute(context.Background(), job)
	require.Nil(t, derr)
	raw, err := gw.GetResult(context.Background(), handle)
	require.NoError(t, err)
	vec, err := decodeVector(raw)
	require.NoError(t, err)
	require.Equal(t, []float64{2, 3}, vec.Values) // mean of (1,2) and (3,4); node c failed
}

func TestFanOutFailsQuorumLostBelowThreshold(t *testing.T) {
	exec, send, gw := setupExecutor(t, []string{"a", "b", "c"})
	// Two of three fail, leaving one partial below the ceil(3/2)=2 quorum.
	send.on("a", func(item domain.WorkItem) (domain.PartialResult, error) {
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "a", OutputHandle: putVector(t, gw, []float64{1, 1})}, nil
	})
	send.on("b", func(item domain.WorkItem) (domain.PartialResult, error) {
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "b", Error: domain.NewError(domain.ErrWorkerCrashed, "boom", nil)}, nil
	})
	send.on("c", func(item domain.WorkItem) (domain.PartialResult, error) {
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "c", Error: domain.NewError(domain.ErrWorkerCrashed, "boom", nil)}, nil
	})

	job := domain.Job{
		ID: "job-2",
		Spec: domain.JobSpec{
			Pattern: domain.PatternFanOut,
			FanOut: &domain.FanOutSpec{
				ModelID:     "m1",
				NodeIDs:     []string{"a", "b", "c"},
				Aggregation: domain.AggregationMean,
			},
		},
	}

	_, derr := exec.Execute(context.Background(), job)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrQuorumLost, derr.Kind)
}

func TestConsensusMajority(t *testing.T) {
	exec, send, gw := setupExecutor(t, []string{"n1"})
	send.on("n1", func(item domain.WorkItem) (domain.PartialResult, error) {
		label := "cat"
		if item.ModelID == "m2" {
			label = "dog"
		}
		raw, _ := json.Marshal(ConsensusVote{Label: label})
		handle, err := gw.PutResult(context.Background(), raw)
		require.NoError(t, err)
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "n1", OutputHandle: string(handle)}, nil
	})

	job := domain.Job{
		ID: "job-3",
		Spec: domain.JobSpec{
			Pattern: domain.PatternConsensus,
			Consensus: &domain.ConsensusSpec{
				ModelIDs: []string{"m1", "m2", "m3"},
				NodeID:   "n1",
				Kind:     domain.ConsensusMajority,
			},
		},
	}

	handle, derr := exec.Execute(context.Background(), job)
	require.Nil(t, derr)
	raw, err := gw.GetResult(context.Background(), handle)
	require.NoError(t, err)
	vote, err := decodeConsensusVote(raw)
	require.NoError(t, err)
	require.Equal(t, "cat", vote.Label) // m1 and m3 vote "cat", m2 votes "dog"
}

func TestConsensusMajorityTieFailsNoConsensus(t *testing.T) {
	exec, send, gw := setupExecutor(t, []string{"n1"})
	send.on("n1", func(item domain.WorkItem) (domain.PartialResult, error) {
		label := "cat"
		if item.ModelID == "m2" {
			label = "dog"
		}
		raw, _ := json.Marshal(ConsensusVote{Label: label})
		handle, err := gw.PutResult(context.Background(), raw)
		require.NoError(t, err)
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "n1", OutputHandle: string(handle)}, nil
	})

	job := domain.Job{
		ID: "job-3b",
		Spec: domain.JobSpec{
			Pattern: domain.PatternConsensus,
			Consensus: &domain.ConsensusSpec{
				ModelIDs: []string{"m1", "m2"},
				NodeID:   "n1",
				Kind:     domain.ConsensusMajority,
			},
		},
	}

	_, derr := exec.Execute(context.Background(), job)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrNoConsensus, derr.Kind)
}

func TestConsensusWeightedUsesPerModelReputation(t *testing.T) {
	exec, send, gw := setupExecutor(t, []string{"n1"})
	send.on("n1", func(item domain.WorkItem) (domain.PartialResult, error) {
		label := "X"
		if item.ModelID == "m3" {
			label = "Y"
		}
		raw, _ := json.Marshal(ConsensusVote{Label: label})
		handle, err := gw.PutResult(context.Background(), raw)
		require.NoError(t, err)
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "n1", OutputHandle: string(handle)}, nil
	})

	// weight(X) = 0.9 + 0.2 = 1.1, weight(Y) = 0.8;
	// share(X) = 1.1/1.9 ≈ 0.579 ≥ 0.5, so X wins despite only a 2/3 count.
	job := domain.Job{
		ID: "job-3c",
		Spec: domain.JobSpec{
			Pattern: domain.PatternConsensus,
			Consensus: &domain.ConsensusSpec{
				ModelIDs:         []string{"m1", "m2", "m3"},
				NodeID:           "n1",
				Kind:             domain.ConsensusWeighted,
				MinAgreement:     0.5,
				ModelReputations: map[string]float64{"m1": 0.9, "m2": 0.2, "m3": 0.8},
			},
		},
	}

	handle, derr := exec.Execute(context.Background(), job)
	require.Nil(t, derr)
	raw, err := gw.GetResult(context.Background(), handle)
	require.NoError(t, err)
	vote, err := decodeConsensusVote(raw)
	require.NoError(t, err)
	require.Equal(t, "X", vote.Label)
}

func TestConsensusWeightedFailsBelowMinimumAgreement(t *testing.T) {
	exec, send, gw := setupExecutor(t, []string{"n1"})
	send.on("n1", func(item domain.WorkItem) (domain.PartialResult, error) {
		label := "X"
		if item.ModelID == "m3" {
			label = "Y"
		}
		raw, _ := json.Marshal(ConsensusVote{Label: label})
		handle, err := gw.PutResult(context.Background(), raw)
		require.NoError(t, err)
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "n1", OutputHandle: string(handle)}, nil
	})

	// weight(X) = 0.1 + 0.1 = 0.2, weight(Y) = 0.9; the count-majority label
	// loses on weight and the weighted top label's share must still clear
	// min_agreement: share(Y) = 0.9/1.1 ≈ 0.818 < 0.95.
	job := domain.Job{
		ID: "job-3d",
		Spec: domain.JobSpec{
			Pattern: domain.PatternConsensus,
			Consensus: &domain.ConsensusSpec{
				ModelIDs:         []string{"m1", "m2", "m3"},
				NodeID:           "n1",
				Kind:             domain.ConsensusWeighted,
				MinAgreement:     0.95,
				ModelReputations: map[string]float64{"m1": 0.1, "m2": 0.1, "m3": 0.9},
			},
		},
	}

	_, derr := exec.Execute(context.Background(), job)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrNoConsensus, derr.Kind)
}

func TestConsensusReviewFlagsLowAgreement(t *testing.T) {
	exec, send, gw := setupExecutor(t, []string{"n1"})
	send.on("n1", func(item domain.WorkItem) (domain.PartialResult, error) {
		label := "X"
		if item.ModelID == "m2" {
			label = "Y"
		}
		raw, _ := json.Marshal(ConsensusVote{Label: label})
		handle, err := gw.PutResult(context.Background(), raw)
		require.NoError(t, err)
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "n1", OutputHandle: string(handle)}, nil
	})

	// Even split: share of either label is 0.5, below the 0.8 threshold, so
	// the job terminates as ReviewRequired rather than auto-resolving.
	job := domain.Job{
		ID: "job-3e",
		Spec: domain.JobSpec{
			Pattern: domain.PatternConsensus,
			Consensus: &domain.ConsensusSpec{
				ModelIDs:     []string{"m1", "m2"},
				NodeID:       "n1",
				Kind:         domain.ConsensusReview,
				MinAgreement: 0.8,
			},
		},
	}

	_, derr := exec.Execute(context.Background(), job)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrReviewRequired, derr.Kind)
}

func TestPipelineRollbackRetrySucceedsOnSecondAttempt(t *testing.T) {
	exec, send, gw := setupExecutor(t, []string{"n1"})
	attempt := 0
	send.on("n1", func(item domain.WorkItem) (domain.PartialResult, error) {
		attempt++
		if attempt == 1 {
			return domain.PartialResult{WorkItemID: item.ID, NodeID: "n1", Error: domain.NewError(domain.ErrTimeout, "slow", nil)}, nil
		}
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "n1", OutputHandle: putVector(t, gw, []float64{9})}, nil
	})

	job := domain.Job{
		ID: "job-4",
		Spec: domain.JobSpec{
			Pattern: domain.PatternPipeline,
			Pipeline: &domain.PipelineSpec{
				Steps: []domain.PipelineStep{
					{StepIndex: 1, ModelID: "m1", NodeID: "n1", InputRef: "client"},
					{StepIndex: 2, ModelID: "m2", NodeID: "n1", InputRef: "step-1"},
				},
				FailurePolicy: domain.FailurePolicyRollbackRetry,
				RetryLimit:    2,
			},
		},
	}

	handle, derr := exec.Execute(context.Background(), job)
	require.Nil(t, derr)
	require.NotEmpty(t, handle)
	require.Equal(t, 3, attempt) // first global dispatch fails, step 1 retries and succeeds, step 2 succeeds
}

func TestPipelineFailFastStopsImmediately(t *testing.T) {
	exec, send, _ := setupExecutor(t, []string{"n1"})
	send.on("n1", func(item domain.WorkItem) (domain.PartialResult, error) {
		return domain.PartialResult{WorkItemID: item.ID, NodeID: "n1", Error: domain.NewError(domain.ErrTimeout, "slow", nil)}, nil
	})

	job := domain.Job{
		ID: "job-5",
		Spec: domain.JobSpec{
			Pattern: domain.PatternPipeline,
			Pipeline: &domain.PipelineSpec{
				Steps: []domain.PipelineStep{
					{StepIndex: 1, ModelID: "m1", NodeID: "n1", InputRef: "client"},
					{StepIndex: 2, ModelID: "m2", NodeID: "n1", InputRef: "step-1"},
				},
				FailurePolicy: domain.FailurePolicyFailFast,
			},
		},
	}

	_, derr := exec.Execute(context.Background(), job)
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrStepFailed, derr.Kind)
}
