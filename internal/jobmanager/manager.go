// Package jobmanager owns per-job state machines: submit validates and
// persists a JobSpec, dispatches it to a PatternExecutor in the background,
// and tracks state transitions through to a terminal state. The ephemeral
// index here is a cache over StateGateway's persisted snapshots, never the
// source of truth, so a replica that loses this process state can rebuild
// it from the blob store and the active-jobs record.
package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/fleet"
	"github.com/meshinfer/meshinfer/internal/jobmanager/pgindex"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/stategateway"
)

// Executor is the subset of pattern.Executor that JobManager depends on,
// narrowed to keep this package free of a direct dependency on the dispatch
// transport.
type Executor interface {
	Execute(ctx context.Context, job domain.Job) (string, *domain.Error)
}

// DefaultRetention is how long a terminal job's index entry is kept before
// it is dropped and its active-jobs ownership record released.
const DefaultRetention = 1 * time.Hour

// DefaultHoldGrace is how long an overloaded replica holds a freshly
// submitted job in Pending, waiting for a peer to accept its handoff offer,
// before giving up and running it locally anyway.
const DefaultHoldGrace = 15 * time.Second

type Manager struct {
	log      *logger.Logger
	registry *fleet.NodeRegistry
	gw       *stategateway.Gateway
	executor Executor

	orchestratorID string
	retention      time.Duration

	// index, when set, mirrors every published job snapshot into the
	// Postgres secondary index. Best-effort: an index write failure is
	// logged and never blocks the state machine.
	index *pgindex.Index

	// offloadGate, when set, reports whether this replica is loaded enough
	// that a new submission should be held in Pending for peer handoff
	// instead of starting immediately. Wired to PeerCoordinator.Overloaded.
	offloadGate func() bool
	holdGrace   time.Duration

	mu      sync.RWMutex
	jobs    map[string]*domain.Job
	cancels map[string]context.CancelFunc
	held    map[string]*time.Timer // jobs parked Pending, awaiting handoff
}

func New(log *logger.Logger, registry *fleet.NodeRegistry, gw *stategateway.Gateway, executor Executor, orchestratorID string) *Manager {
	return &Manager{
		log:            log.With("service", "JobManager"),
		registry:       registry,
		gw:             gw,
		executor:       executor,
		orchestratorID: orchestratorID,
		retention:      DefaultRetention,
		holdGrace:      DefaultHoldGrace,
		jobs:           make(map[string]*domain.Job),
		cancels:        make(map[string]context.CancelFunc),
		held:           make(map[string]*time.Timer),
	}
}

// Submit validates spec, persists it, claims ownership, and launches
// execution in the background. Returns the new job id.
func (m *Manager) Submit(ctx context.Context, spec domain.JobSpec, owner string, priority domain.Priority, costCeiling float64) (string, *domain.Error) {
	if derr := spec.Validate(); derr != nil {
		return "", derr
	}
	if derr := m.validateAgainstFleet(spec); derr != nil {
		return "", derr
	}

	specHandle, err := m.gw.PutSpec(ctx, spec)
	if err != nil {
		return "", domain.NewError(domain.ErrInternal, "persist job spec", err)
	}

	job := &domain.Job{
		ID:             uuid.NewString(),
		Pattern:        spec.Pattern,
		Spec:           spec,
		SpecHandle:     string(specHandle),
		Owner:          owner,
		Priority:       priority,
		CostCeiling:    costCeiling,
		State:          domain.JobPending,
		OrchestratorID: m.orchestratorID,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if err := m.gw.ClaimOwnership(ctx, job.ID); err != nil {
		m.log.Warn("claim ownership failed", "job_id", job.ID, "error", err)
	}
	m.publish(ctx, job)

	if m.offloadGate != nil && m.offloadGate() {
		m.holdForHandoff(job.ID)
	} else {
		go m.run(job.ID)
	}

	return job.ID, nil
}

// SetOffloadGate installs the overload predicate consulted at submit time.
func (m *Manager) SetOffloadGate(fn func() bool) { m.offloadGate = fn }

// holdForHandoff parks a freshly submitted job in Pending so PeerCoordinator
// can offer it away; if no peer accepts within the hold grace, it starts
// locally after all.
func (m *Manager) holdForHandoff(jobID string) {
	m.mu.Lock()
	m.held[jobID] = time.AfterFunc(m.holdGrace, func() { m.startHeld(jobID) })
	m.mu.Unlock()
	m.log.Info("holding job for handoff", "job_id", jobID)
}

// startHeld moves a held job into execution, either because its hold grace
// elapsed with no taker or because the caller decided to run it after all.
func (m *Manager) startHeld(jobID string) {
	m.mu.Lock()
	timer, wasHeld := m.held[jobID]
	if wasHeld {
		timer.Stop()
		delete(m.held, jobID)
	}
	job, exists := m.jobs[jobID]
	stillPending := exists && job.State == domain.JobPending
	m.mu.Unlock()

	if !wasHeld || !stillPending {
		return
	}
	go m.run(jobID)
}

// Adopt takes ownership of a job another replica offered away: it persists
// the spec locally, indexes the job under the offered id, and starts
// execution. The accepting PeerCoordinator has already pointed the
// active-jobs record at this replica. Satisfies peer.JobSource.
func (m *Manager) Adopt(offer domain.HandoffOffer) error {
	if derr := offer.Spec.Validate(); derr != nil {
		return derr
	}
	if derr := m.validateAgainstFleet(offer.Spec); derr != nil {
		return derr
	}

	ctx := context.Background()
	specHandle, err := m.gw.PutSpec(ctx, offer.Spec)
	if err != nil {
		return domain.NewError(domain.ErrInternal, "persist adopted job spec", err)
	}

	priority := offer.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	job := &domain.Job{
		ID:             offer.JobID,
		Pattern:        offer.Spec.Pattern,
		Spec:           offer.Spec,
		SpecHandle:     string(specHandle),
		Owner:          offer.Owner,
		Priority:       priority,
		State:          domain.JobPending,
		OrchestratorID: m.orchestratorID,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	m.mu.Lock()
	if _, exists := m.jobs[job.ID]; exists {
		m.mu.Unlock()
		return nil // already adopted (duplicate offer delivery)
	}
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.publish(ctx, job)
	go m.run(job.ID)
	return nil
}

// validateAgainstFleet enforces the registry-dependent submit-time checks:
// referenced nodes must be active, and minimum reputation must not exceed
// the maximum currently known.
func (m *Manager) validateAgainstFleet(spec domain.JobSpec) *domain.Error {
	switch spec.Pattern {
	case domain.PatternFanOut:
		for _, id := range spec.FanOut.NodeIDs {
			if rec, ok := m.registry.Get(id); !ok || rec.Status != domain.NodeActive {
				return domain.NewError(domain.ErrBadSpec, fmt.Sprintf("node %q is not active in the fleet", id), nil)
			}
		}
		if spec.FanOut.MinReputation > m.registry.MaxReputation() {
			return domain.NewError(domain.ErrBadSpec, "min_reputation exceeds every known node's reputation", nil)
		}
	case domain.PatternConsensus:
		if rec, ok := m.registry.Get(spec.Consensus.NodeID); !ok || rec.Status != domain.NodeActive {
			return domain.NewError(domain.ErrBadSpec, fmt.Sprintf("node %q is not active in the fleet", spec.Consensus.NodeID), nil)
		}
	case domain.PatternPipeline:
		for _, step := range spec.Pipeline.Steps {
			if rec, ok := m.registry.Get(step.NodeID); !ok || rec.Status != domain.NodeActive {
				return domain.NewError(domain.ErrBadSpec, fmt.Sprintf("node %q is not active in the fleet", step.NodeID), nil)
			}
		}
	}
	return nil
}

// run executes job in the background and drives its state machine to a
// terminal state. Each job gets its own goroutine; PatternExecutor bounds
// its own internal parallelism.
func (m *Manager) run(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	m.cancels[jobID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, jobID)
		m.mu.Unlock()
	}()

	m.transition(ctx, jobID, domain.JobRunning, nil)

	job, ok := m.get(jobID)
	if !ok || job.State != domain.JobRunning {
		return
	}

	resultHandle, derr := m.executor.Execute(ctx, *job)
	if derr != nil {
		m.fail(ctx, jobID, derr)
		return
	}
	m.complete(ctx, jobID, resultHandle)
}

func (m *Manager) transition(ctx context.Context, jobID string, state domain.JobState, derr *domain.Error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.State.Terminal() {
		// Terminal states never regress: a partial that lands after a cancel,
		// or a cancel after completion, is dropped here.
		m.mu.Unlock()
		return
	}
	job.State = state
	job.UpdatedAt = time.Now()
	if derr != nil {
		job.FailureKind = derr.Kind
		job.FailureMsg = derr.Message
	}
	snapshot := *job
	m.mu.Unlock()

	m.publish(ctx, &snapshot)
}

func (m *Manager) complete(ctx context.Context, jobID, resultHandle string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if ok && job.State.Terminal() {
		ok = false // cancelled while the executor was finishing; discard the result
	}
	if ok {
		job.State = domain.JobCompleted
		job.ResultHandle = resultHandle
		job.UpdatedAt = time.Now()
		if job.Progress.Total > 0 {
			job.Progress.Completed = job.Progress.Total
			job.Progress.Percent = 100
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.gw.PublishResultsReady(ctx, jobID, resultHandle); err != nil {
		m.log.Warn("publish results ready failed", "job_id", jobID, "error", err)
	}
	snap, _ := m.get(jobID)
	m.publish(ctx, snap)
	m.scheduleRetentionSweep(jobID)
}

func (m *Manager) fail(ctx context.Context, jobID string, derr *domain.Error) {
	m.transition(ctx, jobID, domain.JobFailed, derr)
	m.scheduleRetentionSweep(jobID)
}

// ReportProgress updates a running job's progress counters and publishes the
// change as a jobs.updates event. Progress reported against a terminal job
// is dropped. Wired into pattern.Executor's progress sink.
func (m *Manager) ReportProgress(jobID string, completed, total int) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.State.Terminal() {
		m.mu.Unlock()
		return
	}
	job.Progress.Completed = completed
	job.Progress.Total = total
	if total > 0 {
		job.Progress.Percent = completed * 100 / total
	}
	job.UpdatedAt = time.Now()
	snapshot := *job
	m.mu.Unlock()

	m.publish(context.Background(), &snapshot)
}

// Cancel requests that an in-flight job stop. Already-terminal jobs are
// rejected with AlreadyTerminal. Best-effort: it does not wait for
// PatternExecutor to observe the tombstone.
func (m *Manager) Cancel(ctx context.Context, jobID string) *domain.Error {
	job, ok := m.get(jobID)
	if !ok {
		return domain.NewError(domain.ErrNotFound, "job not found", nil)
	}
	if job.State.Terminal() {
		return domain.NewError(domain.ErrAlreadyTerminal, "job already reached a terminal state", nil)
	}

	m.transition(ctx, jobID, domain.JobCancelled, nil)
	m.mu.Lock()
	cancel, hasCancel := m.cancels[jobID]
	m.mu.Unlock()
	if hasCancel {
		cancel()
	}
	if err := m.gw.PublishCancel(ctx, jobID); err != nil {
		m.log.Warn("publish cancel failed", "job_id", jobID, "error", err)
	}
	m.scheduleRetentionSweep(jobID)
	return nil
}

// PendingSpecs returns the jobs held for handoff: submitted but
// deliberately not started, the only ones safe to offer away. Satisfies
// peer.JobSource.
func (m *Manager) PendingSpecs() []domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Job, 0, len(m.held))
	for jobID := range m.held {
		job, ok := m.jobs[jobID]
		if !ok || job.State != domain.JobPending {
			continue
		}
		out = append(out, *job)
	}
	return out
}

// Relinquish drops a held job from this replica's index after a peer has
// accepted ownership via handoff, without touching the active-jobs record
// (the accepting peer already claimed it). A job that has already started
// running locally is left alone: ownership of it was never actually
// transferable, and dropping it would orphan the running goroutine's
// result. Satisfies peer.JobSource.
func (m *Manager) Relinquish(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.held[jobID]; ok {
		timer.Stop()
		delete(m.held, jobID)
	}
	if job, ok := m.jobs[jobID]; ok && job.State == domain.JobPending {
		delete(m.jobs, jobID)
	}
}

// ActiveJobCount returns the number of jobs this replica currently tracks in
// a non-terminal state, used by PeerCoordinator to compute local load.
func (m *Manager) ActiveJobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, job := range m.jobs {
		if !job.State.Terminal() {
			n++
		}
	}
	return n
}

// Status returns the current JobState and progress snapshot.
func (m *Manager) Status(jobID string) (domain.Job, *domain.Error) {
	job, ok := m.get(jobID)
	if !ok {
		return domain.Job{}, domain.NewError(domain.ErrNotFound, "job not found", nil)
	}
	return *job, nil
}

// Result returns the result blob handle for a completed job.
func (m *Manager) Result(jobID string) (string, *domain.Error) {
	job, ok := m.get(jobID)
	if !ok {
		return "", domain.NewError(domain.ErrNotFound, "job not found", nil)
	}
	switch job.State {
	case domain.JobCompleted:
		return job.ResultHandle, nil
	case domain.JobFailed:
		return "", domain.NewError(job.FailureKind, job.FailureMsg, nil)
	case domain.JobCancelled:
		return "", domain.NewError(domain.ErrAlreadyTerminal, "job was cancelled", nil)
	default:
		return "", domain.NewError(domain.ErrNotReady, "job not yet complete", nil)
	}
}

func (m *Manager) get(jobID string) (*domain.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// SetIndex attaches the optional Postgres secondary index.
func (m *Manager) SetIndex(ix *pgindex.Index) { m.index = ix }

func (m *Manager) publish(ctx context.Context, job *domain.Job) {
	if job == nil {
		return
	}
	if _, err := m.gw.PutJobSnapshot(ctx, *job); err != nil {
		m.log.Warn("persist job snapshot failed", "job_id", job.ID, "error", err)
	}
	if m.index != nil {
		if err := m.index.Upsert(ctx, *job); err != nil {
			m.log.Warn("job index upsert failed", "job_id", job.ID, "error", err)
		}
	}
	evt := domain.JobUpdateEvent{JobID: job.ID, State: job.State, Progress: job.Progress}
	if job.FailureMsg != "" {
		evt.Error = job.FailureMsg
	}
	if err := m.gw.PublishJobUpdate(ctx, evt); err != nil {
		m.log.Warn("publish job update failed", "job_id", job.ID, "error", err)
	}
}

// scheduleRetentionSweep drops a terminal job's index entry and ownership
// record after the retention window, so memory and the active-jobs record
// don't grow unbounded.
func (m *Manager) scheduleRetentionSweep(jobID string) {
	time.AfterFunc(m.retention, func() {
		ctx := context.Background()
		m.mu.Lock()
		delete(m.jobs, jobID)
		m.mu.Unlock()
		if err := m.gw.ReleaseOwnership(ctx, jobID); err != nil {
			m.log.Warn("release ownership failed", "job_id", jobID, "error", err)
		}
	})
}
