// Package accountant implements ResourceAccountant: the node daemon's
// pessimistic, atomic tracker of CPU fraction, memory bytes, and accelerator
// slots reserved by in-flight workers. JobQueue consults it before admitting
// work; JobQueue's dispatcher releases a reservation when its worker exits.
package accountant

import (
	"sync"

	"github.com/meshinfer/meshinfer/internal/config"
)

// Request is the resource footprint a single work item needs for its
// worker's lifetime.
type Request struct {
	CPUFraction      float64
	MemoryBytes      int64
	AcceleratorSlots int
}

// Token identifies one outstanding reservation; callers must pass it back to
// Release exactly once.
type Token uint64

type reservation struct {
	req Request
}

// Accountant tracks the three scalar budgets plus a worker count against the
// node's configured capacity. All methods are safe for concurrent use;
// tryReserve is atomic with respect to the check-then-commit it performs.
type Accountant struct {
	mu sync.Mutex

	cpuBudget    float64
	memBudget    int64
	slotBudget   int
	maxWorkers   int

	cpuUsed  float64
	memUsed  int64
	slotUsed int
	workers  int

	nextToken    Token
	outstanding  map[Token]reservation
}

// New builds an Accountant from a node daemon's configured budgets.
// maxWorkers bounds concurrent worker processes independent of the scalar
// budgets; this Accountant is the only place that worker count is enforced.
func New(cfg config.NodeDaemonConfig, maxWorkers int) *Accountant {
	if maxWorkers <= 0 {
		maxWorkers = 1 << 30 // effectively unbounded when unset
	}
	return &Accountant{
		cpuBudget:   cfg.CPUFraction,
		memBudget:   cfg.MemoryBytes,
		slotBudget:  cfg.AcceleratorSlots,
		maxWorkers:  maxWorkers,
		outstanding: make(map[Token]reservation),
	}
}

// TryReserve attempts to atomically commit req against remaining headroom.
// Returns (token, true) on success, or (0, false) if any budget would be
// exceeded; callers map a false return to Backpressure.
func (a *Accountant) TryReserve(req Request) (Token, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.fitsLocked(req, 1) {
		return 0, false
	}

	a.cpuUsed += req.CPUFraction
	a.memUsed += req.MemoryBytes
	a.slotUsed += req.AcceleratorSlots
	a.workers++

	a.nextToken++
	tok := a.nextToken
	a.outstanding[tok] = reservation{req: req}
	return tok, true
}

func (a *Accountant) fitsLocked(req Request, workers int) bool {
	if a.workers+workers > a.maxWorkers {
		return false
	}
	if a.cpuBudget > 0 && a.cpuUsed+req.CPUFraction > a.cpuBudget {
		return false
	}
	if a.memBudget > 0 && a.memUsed+req.MemoryBytes > a.memBudget {
		return false
	}
	if a.slotBudget > 0 && a.slotUsed+req.AcceleratorSlots > a.slotBudget {
		return false
	}
	return true
}

// Headroom reports whether req could be reserved right now on top of
// workers additional in-flight items, without committing anything. JobQueue
// passes its queued-but-unreserved footprint here so admission control sees
// backlog as well as running work; the answer can go stale the moment the
// lock is released, so admitted work still reserves through TryReserve
// before it starts.
func (a *Accountant) Headroom(req Request, workers int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fitsLocked(req, workers)
}

// Release gives back the resources held by tok. Releasing an unknown or
// already-released token is a no-op, so a supervisor that races a timeout
// against a late exit can call it safely from either path.
func (a *Accountant) Release(tok Token) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, ok := a.outstanding[tok]
	if !ok {
		return
	}
	delete(a.outstanding, tok)

	a.cpuUsed -= res.req.CPUFraction
	a.memUsed -= res.req.MemoryBytes
	a.slotUsed -= res.req.AcceleratorSlots
	a.workers--
}

// Load reports current usage for HeartbeatEmitter to publish.
type Load struct {
	ActiveWorkers    int
	ReservedCPU      float64
	ReservedMemory   int64
	ReservedSlots    int
}

func (a *Accountant) Load() Load {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Load{
		ActiveWorkers:  a.workers,
		ReservedCPU:    a.cpuUsed,
		ReservedMemory: a.memUsed,
		ReservedSlots:  a.slotUsed,
	}
}

// Capacity reports the worker-count ceiling, published to nodes.heartbeat so
// NodeSelector can compute load fraction.
func (a *Accountant) Capacity() int {
	if a.maxWorkers >= 1<<30 {
		return 0
	}
	return a.maxWorkers
}
