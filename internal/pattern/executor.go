// Package pattern implements PatternExecutor: the three dispatch strategies
// a Job can use (FanOut, Consensus, Pipeline) to turn a JobSpec into
// WorkItems, collect PartialResults, and produce a single fused result
// handle. One Executor call handles one Job; callers (JobManager) run many
// concurrently.
package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meshinfer/meshinfer/internal/dispatch"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/fleet"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
	"github.com/meshinfer/meshinfer/internal/stategateway"
)

const defaultTimeout = 30 * time.Second

// sender abstracts dispatch.Client so tests can substitute a fake node
// transport without standing up real HTTP servers.
type sender interface {
	Send(ctx context.Context, nodeEndpoint string, item domain.WorkItem) (domain.PartialResult, error)
}

// Executor runs one Job's dispatch strategy to completion.
type Executor struct {
	log      *logger.Logger
	registry *fleet.NodeRegistry
	selector *fleet.NodeSelector
	client   sender
	gw       *stategateway.Gateway

	// progress, when set, receives per-job completion counts as partials are
	// observed. JobManager wires it so GetStatus reflects live progress.
	progress func(jobID string, completed, total int)
}

func NewExecutor(log *logger.Logger, registry *fleet.NodeRegistry, selector *fleet.NodeSelector, client *dispatch.Client, gw *stategateway.Gateway) *Executor {
	return &Executor{
		log:      log.With("service", "PatternExecutor"),
		registry: registry,
		selector: selector,
		client:   client,
		gw:       gw,
	}
}

// Execute dispatches job.Spec according to its pattern and returns the
// handle of the fused/final result blob, or a *domain.Error describing why
// the job could not complete.
func (e *Executor) Execute(ctx context.Context, job domain.Job) (string, *domain.Error) {
	switch job.Spec.Pattern {
	case domain.PatternFanOut:
		return e.executeFanOut(ctx, job)
	case domain.PatternConsensus:
		return e.executeConsensus(ctx, job)
	case domain.PatternPipeline:
		return e.executePipeline(ctx, job)
	default:
		return "", domain.NewError(domain.ErrBadSpec, "unknown pattern", nil)
	}
}

// dispatchOne sends a single WorkItem to its target node, translating
// network/transport errors into a domain.Error and recording the outcome
// against the node's reputation signal.
func (e *Executor) dispatchOne(ctx context.Context, item domain.WorkItem) (domain.PartialResult, *domain.Error) {
	node, ok := e.registry.Get(item.NodeID)
	if !ok {
		return domain.PartialResult{}, domain.NewError(domain.ErrNodeUnavailable, fmt.Sprintf("node %s not in registry", item.NodeID), nil)
	}

	deadline := item.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(defaultTimeout)
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := e.client.Send(dctx, node.Endpoint, item)
	if err != nil {
		e.registry.ApplyFailure(item.NodeID, true)
		if de, ok := asDomainError(err); ok {
			return domain.PartialResult{}, de
		}
		return domain.PartialResult{}, domain.NewError(domain.ErrTimeout, "dispatch failed", err)
	}
	e.registry.ApplyFailure(item.NodeID, !result.OK())
	return result, nil
}

// SetProgressSink registers the callback Execute uses to report how many of
// a job's WorkItems have produced a PartialResult.
func (e *Executor) SetProgressSink(fn func(jobID string, completed, total int)) {
	e.progress = fn
}

func (e *Executor) reportProgress(jobID string, completed, total int) {
	if e.progress != nil {
		e.progress(jobID, completed, total)
	}
}

func asDomainError(err error) (*domain.Error, bool) {
	de, ok := err.(*domain.Error)
	return de, ok
}

func newWorkItemID() string { return uuid.NewString() }

func jobTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultTimeout
	}
	return time.Duration(seconds) * time.Second
}

// dispatchAll runs dispatchOne over every item concurrently, bounded by
// errgroup's default unlimited-but-ctx-scoped fan-out (callers cap the item
// count via the selector, so this is never unbounded in practice). Results
// are returned in item order; a failed dispatch yields a zero PartialResult
// paired with its error rather than aborting the rest.
func (e *Executor) dispatchAll(ctx context.Context, items []domain.WorkItem) ([]domain.PartialResult, []*domain.Error) {
	results := make([]domain.PartialResult, len(items))
	errs := make([]*domain.Error, len(items))

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, derr := e.dispatchOne(gctx, item)
			results[i] = res
			errs[i] = derr
			return nil // per-item errors are tolerated, not fatal to the group
		})
	}
	_ = g.Wait()
	return results, errs
}
