package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshinfer/meshinfer/internal/config"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/accountant"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// fakeRunner records the order items start in and answers with a canned
// per-item result.
type fakeRunner struct {
	mu    sync.Mutex
	order []string
}

func (r *fakeRunner) Run(ctx context.Context, item domain.WorkItem) domain.PartialResult {
	r.mu.Lock()
	r.order = append(r.order, item.ID)
	r.mu.Unlock()
	return domain.PartialResult{WorkItemID: item.ID, NodeID: item.NodeID, OutputHandle: "out-" + item.ID}
}

func (r *fakeRunner) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}

func newTestQueue(t *testing.T, maxWorkers int, runner Runner) (*Queue, *accountant.Accountant) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	acct := accountant.New(config.NodeDaemonConfig{}, maxWorkers)
	q, err := New(log, acct, runner, Options{})
	require.NoError(t, err)
	return q, acct
}

func workItem(id string, priority domain.Priority) domain.WorkItem {
	return domain.WorkItem{
		ID:       id,
		JobID:    "job-" + id,
		NodeID:   "node-1",
		ModelID:  "m1",
		Priority: priority,
		Deadline: time.Now().Add(time.Minute),
	}
}

func TestDispatchRunsItemAndReturnsResult(t *testing.T) {
	runner := &fakeRunner{}
	q, _ := newTestQueue(t, 4, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	res, err := q.Dispatch(ctx, workItem("w1", domain.PriorityNormal))
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, "out-w1", res.OutputHandle)
}

func TestEnqueueReturnsBackpressureWithoutHeadroom(t *testing.T) {
	runner := &fakeRunner{}
	q, _ := newTestQueue(t, 1, runner) // room for one admitted item, dispatcher not running

	derr := q.Enqueue(workItem("w1", domain.PriorityNormal))
	require.Nil(t, derr)

	derr = q.Enqueue(workItem("w2", domain.PriorityNormal))
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrBackpressure, derr.Kind)
	require.Equal(t, 1, q.Depth())
}

func TestDispatcherPopsInPriorityOrder(t *testing.T) {
	runner := &fakeRunner{}
	q, _ := newTestQueue(t, 8, runner)

	// Backlog built before the dispatcher starts, so pop order is decided
	// purely by (priority, enqueue time).
	require.Nil(t, q.Enqueue(workItem("low", domain.PriorityLow)))
	require.Nil(t, q.Enqueue(workItem("normal-1", domain.PriorityNormal)))
	require.Nil(t, q.Enqueue(workItem("high", domain.PriorityHigh)))
	require.Nil(t, q.Enqueue(workItem("normal-2", domain.PriorityNormal)))

	order := make([]string, 0, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for len(order) < 4 {
		item, ok := q.popReady(ctx)
		require.True(t, ok)
		order = append(order, item.ID)
	}
	require.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)
}

func TestExpiredItemDeliversTimeout(t *testing.T) {
	runner := &fakeRunner{}
	q, _ := newTestQueue(t, 4, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	item := workItem("late", domain.PriorityNormal)
	item.Deadline = time.Now().Add(-time.Second)

	res, err := q.Dispatch(ctx, item)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	require.Equal(t, domain.ErrTimeout, res.Error.Kind)
	require.Empty(t, runner.started(), "expired item must never reach the runner")
}

func TestBackpressureClearsOnceBacklogDrains(t *testing.T) {
	runner := &fakeRunner{}
	q, _ := newTestQueue(t, 1, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	res, err := q.Dispatch(ctx, workItem("w1", domain.PriorityNormal))
	require.NoError(t, err)
	require.True(t, res.OK())

	// The first item has drained, so admission has headroom again.
	require.Eventually(t, func() bool {
		derr := q.Enqueue(workItem("w2", domain.PriorityNormal))
		return derr == nil
	}, time.Second, 10*time.Millisecond)
}
