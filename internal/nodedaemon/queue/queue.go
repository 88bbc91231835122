// Package queue implements JobQueue: the node daemon's single admission
// point for work items. Admission consults accountant.Accountant for
// headroom; once admitted, a single dispatcher goroutine pops items in
// (priority, enqueue-time) order, reserves their resources, and starts one
// Runner (the WorkerSupervisor) per item, releasing the reservation when
// the worker exits.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/accountant"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// Runner executes one admitted work item to completion. WorkerSupervisor
// implements this; tests substitute a deterministic double.
type Runner interface {
	Run(ctx context.Context, item domain.WorkItem) domain.PartialResult
}

// priorityRank gives "high" the lowest rank so it pops first; ties break on
// enqueue time ascending (container/heap is not stable across equal keys
// otherwise, so the sequence counter in queuedItem fixes ordering).
func priorityRank(p domain.Priority) int {
	switch p {
	case domain.PriorityHigh:
		return 0
	case domain.PriorityNormal:
		return 1
	case domain.PriorityLow:
		return 2
	default:
		return 1
	}
}

type queuedItem struct {
	item     domain.WorkItem
	enqueued time.Time
	seq      uint64
	index    int
}

// itemHeap orders by (priority rank, enqueue time, sequence) ascending, so
// Pop always returns the highest-priority, oldest-enqueued ready item.
type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	pi, pj := priorityRank(h[i].item.Priority), priorityRank(h[j].item.Priority)
	if pi != pj {
		return pi < pj
	}
	if !h[i].enqueued.Equal(h[j].enqueued) {
		return h[i].enqueued.Before(h[j].enqueued)
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x any) {
	qi := x.(*queuedItem)
	qi.index = len(*h)
	*h = append(*h, qi)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	qi := old[n-1]
	old[n-1] = nil
	qi.index = -1
	*h = old[:n-1]
	return qi
}

// mirrorRow is the SQLite replay log entry for one admitted, not-yet-started
// work item. It is written on admission and deleted once the dispatcher
// pops the item, so it only ever reflects the queue's backlog, never its
// scheduling decisions (the in-memory heap remains the authority for order).
type mirrorRow struct {
	WorkItemID string `gorm:"primaryKey"`
	JobID      string
	Priority   string
	EnqueuedAt time.Time
	Payload    string // JSON-encoded domain.WorkItem, for crash-restart replay
}

func (mirrorRow) TableName() string { return "node_queue_mirror" }

// Queue is JobQueue. Run starts the single dispatcher loop; Enqueue admits
// one work item or returns Backpressure.
type Queue struct {
	log        *logger.Logger
	accountant *accountant.Accountant
	runner     Runner
	reqForItem func(domain.WorkItem) accountant.Request

	db *gorm.DB // nil disables the SQLite mirror (tests, ephemeral nodes)

	mu      sync.Mutex
	heap    itemHeap
	nextSeq uint64
	ready   chan struct{} // signaled on enqueue to wake the dispatcher
	waiters map[string]chan domain.PartialResult

	// pending aggregates the resource footprint of every admitted item that
	// has not yet reserved, plus its count, so admission sees the backlog as
	// committed capacity and returns Backpressure instead of overbooking.
	pending      accountant.Request
	pendingCount int

	closeOnce sync.Once
	done      chan struct{}
}

// Options configures a Queue.
type Options struct {
	// SQLitePath enables the local durability mirror when non-empty. Empty
	// disables it: an in-memory-only queue, fine for tests and nodes that
	// accept losing admitted-but-undispatched work on crash.
	SQLitePath string

	// ReqForItem derives the resource footprint a work item needs; cmd/node
	// keys it off the engine type configured for the item's model id.
	ReqForItem func(domain.WorkItem) accountant.Request
}

func New(log *logger.Logger, acct *accountant.Accountant, runner Runner, opts Options) (*Queue, error) {
	q := &Queue{
		log:        log.With("service", "JobQueue"),
		accountant: acct,
		runner:     runner,
		reqForItem: opts.ReqForItem,
		ready:      make(chan struct{}, 1),
		waiters:    make(map[string]chan domain.PartialResult),
		done:       make(chan struct{}),
	}
	if q.reqForItem == nil {
		q.reqForItem = func(domain.WorkItem) accountant.Request { return accountant.Request{} }
	}
	heap.Init(&q.heap)

	if opts.SQLitePath != "" {
		db, err := gorm.Open(sqlite.Open(opts.SQLitePath), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("queue: open sqlite mirror: %w", err)
		}
		if err := db.AutoMigrate(&mirrorRow{}); err != nil {
			return nil, fmt.Errorf("queue: migrate sqlite mirror: %w", err)
		}
		q.db = db
		if err := q.replayMirror(); err != nil {
			return nil, fmt.Errorf("queue: replay sqlite mirror: %w", err)
		}
	}

	return q, nil
}

// replayMirror reloads rows left by a crashed prior process into the heap,
// so admitted work is not silently dropped across a restart. Resource
// reservations are not restored: the new process re-admits on pop via the
// normal Enqueue path is not used here deliberately, since these items were
// already counted as admitted before the crash and must not double-reserve
// in a fresh accountant with a clean budget — they simply re-enter the heap
// and reserve at pop time, same as a fresh enqueue.
func (q *Queue) replayMirror() error {
	var rows []mirrorRow
	if err := q.db.Order("enqueued_at asc").Find(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		item, err := decodeWorkItem(r.Payload)
		if err != nil {
			q.log.Warn("dropping unreadable mirrored work item", "work_item_id", r.WorkItemID, "error", err)
			continue
		}
		q.mu.Lock()
		q.pending = addRequests(q.pending, q.reqForItem(item))
		q.pendingCount++
		q.mu.Unlock()
		q.pushLocked(item, r.EnqueuedAt)
	}
	if len(rows) > 0 {
		q.log.Info("replayed queue mirror", "count", len(rows))
	}
	return nil
}

// Enqueue admits item iff the accountant has headroom for it plus the
// current backlog right now; otherwise it returns Backpressure, which the
// orchestrator treats as "try another node", not failure. Admission reserves
// nothing against the accountant yet; reservation happens at dispatch time.
func (q *Queue) Enqueue(item domain.WorkItem) *domain.Error {
	now := time.Now()
	req := q.reqForItem(item)

	q.mu.Lock()
	combined := addRequests(q.pending, req)
	if !q.accountant.Headroom(combined, q.pendingCount+1) {
		q.mu.Unlock()
		return domain.NewError(domain.ErrBackpressure, "no resource headroom for work item", nil)
	}
	q.pending = combined
	q.pendingCount++
	q.mu.Unlock()

	if q.db != nil {
		payload, err := encodeWorkItem(item)
		if err != nil {
			q.dropPending(req)
			return domain.NewError(domain.ErrInternal, "encode work item", err)
		}
		row := mirrorRow{
			WorkItemID: item.ID,
			JobID:      item.JobID,
			Priority:   string(item.Priority),
			EnqueuedAt: now,
			Payload:    payload,
		}
		if err := q.db.Create(&row).Error; err != nil {
			q.dropPending(req)
			return domain.NewError(domain.ErrInternal, "persist queue mirror", err)
		}
	}

	q.pushLocked(item, now)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) pushLocked(item domain.WorkItem, enqueued time.Time) {
	q.mu.Lock()
	q.nextSeq++
	heap.Push(&q.heap, &queuedItem{item: item, enqueued: enqueued, seq: q.nextSeq})
	q.mu.Unlock()
}

// Run drives the single dispatcher loop until ctx is done. It pops the
// highest-priority ready item, reserves resources, and starts a worker;
// only one dispatcher ever pops, so admission order stays deterministic,
// while the workers themselves run in parallel, one per item.
func (q *Queue) Run(ctx context.Context) {
	for {
		item, ok := q.popReady(ctx)
		if !ok {
			return
		}

		req := q.reqForItem(item)
		if !item.Deadline.IsZero() && time.Now().After(item.Deadline) {
			// Expired before it could start; produce the timeout here so the
			// orchestrator's blocking dispatch call sees a result.
			q.dropPending(req)
			q.removeMirror(item.ID)
			q.deliver(item.ID, domain.PartialResult{
				WorkItemID: item.ID,
				NodeID:     item.NodeID,
				Error:      domain.NewError(domain.ErrTimeout, "work item expired in queue", nil),
			})
			continue
		}

		tok, reserved := q.accountant.TryReserve(req)
		if !reserved {
			// No headroom right now; re-queue at the back of its priority
			// band and wait for capacity to free up rather than busy-loop.
			q.pushLocked(item, time.Now())
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		q.dropPending(req)
		q.removeMirror(item.ID)
		go func(item domain.WorkItem, tok accountant.Token) {
			result := q.runner.Run(ctx, item)
			q.accountant.Release(tok)
			if result.Error != nil {
				q.log.Warn("work item failed", "work_item_id", item.ID, "job_id", item.JobID, "error", result.Error)
			}
			q.deliver(item.ID, result)
		}(item, tok)
	}
}

// dropPending removes one admitted item's footprint from the backlog tally,
// once it has either reserved for real or been dropped.
func (q *Queue) dropPending(req accountant.Request) {
	q.mu.Lock()
	q.pending = subRequests(q.pending, req)
	if q.pendingCount > 0 {
		q.pendingCount--
	}
	q.mu.Unlock()
}

// Dispatch satisfies dispatch.Handler: it admits item and blocks until the
// single dispatcher loop has run it (or ctx is done), so the orchestrator's
// synchronous HTTP call completes exactly once the work item's result is
// known, without the caller needing any separate polling mechanism.
func (q *Queue) Dispatch(ctx context.Context, item domain.WorkItem) (domain.PartialResult, error) {
	wait := make(chan domain.PartialResult, 1)
	q.mu.Lock()
	q.waiters[item.ID] = wait
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.waiters, item.ID)
		q.mu.Unlock()
	}()

	if derr := q.Enqueue(item); derr != nil {
		return domain.PartialResult{}, derr
	}

	select {
	case res := <-wait:
		return res, nil
	case <-ctx.Done():
		return domain.PartialResult{}, domain.NewError(domain.ErrTimeout, "dispatch deadline exceeded", ctx.Err())
	}
}

func (q *Queue) deliver(workItemID string, result domain.PartialResult) {
	q.mu.Lock()
	wait, ok := q.waiters[workItemID]
	q.mu.Unlock()
	if ok {
		select {
		case wait <- result:
		default:
		}
	}
}

// popReady blocks until an item is available, ctx is done, or the queue is
// closed.
func (q *Queue) popReady(ctx context.Context) (domain.WorkItem, bool) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			qi := heap.Pop(&q.heap).(*queuedItem)
			q.mu.Unlock()
			return qi.item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.WorkItem{}, false
		case <-q.done:
			return domain.WorkItem{}, false
		case <-q.ready:
		case <-time.After(time.Second):
		}
	}
}

func (q *Queue) removeMirror(workItemID string) {
	if q.db == nil {
		return
	}
	if err := q.db.Where("work_item_id = ?", workItemID).Delete(&mirrorRow{}).Error; err != nil {
		q.log.Warn("failed to remove dispatched item from queue mirror", "work_item_id", workItemID, "error", err)
	}
}

// Depth reports the current backlog size, for HeartbeatEmitter and
// diagnostics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
