// Package heartbeat implements HeartbeatEmitter: the node daemon's periodic
// publisher to nodes.heartbeat. It carries current load (from
// ResourceAccountant) and reports a monotonic sequence number so
// fleet.NodeRegistry can discard any heartbeat that arrives out of order.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/meshinfer/meshinfer/internal/bus"
	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/nodedaemon/accountant"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

const defaultInterval = 10 * time.Second

// QueueDepth reports how many work items are admitted but not yet
// dispatched, folded into ActiveJobs so the selector's load fraction
// reflects backlog as well as in-flight work.
type QueueDepth func() int

type Emitter struct {
	log *logger.Logger
	b   bus.Bus

	nodeID       string
	endpoint     string
	capabilities []string
	interval     time.Duration

	acct  *accountant.Accountant
	depth QueueDepth

	seq atomic.Uint64
}

func New(log *logger.Logger, b bus.Bus, nodeID, endpoint string, capabilities []string, acct *accountant.Accountant, depth QueueDepth, interval time.Duration) *Emitter {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Emitter{
		log:          log.With("service", "HeartbeatEmitter"),
		b:            b,
		nodeID:       nodeID,
		endpoint:     endpoint,
		capabilities: capabilities,
		interval:     interval,
		acct:         acct,
		depth:        depth,
	}
}

// Run publishes one heartbeat immediately, then every interval, until ctx
// is done. A publish failure is logged and does not alter local behavior:
// the control plane infers staleness from absence alone.
func (e *Emitter) Run(ctx context.Context) {
	e.publishOnce(ctx)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishOnce(ctx)
		}
	}
}

func (e *Emitter) publishOnce(ctx context.Context) {
	load := e.acct.Load()
	activeJobs := load.ActiveWorkers
	if e.depth != nil {
		activeJobs += e.depth()
	}

	payload := domain.HeartbeatPayload{
		NodeID:           e.nodeID,
		Endpoint:         e.endpoint,
		Capabilities:     e.capabilities,
		ActiveJobs:       activeJobs,
		Capacity:         e.acct.Capacity(),
		ReservedCPU:      load.ReservedCPU,
		ReservedMemBytes: load.ReservedMemory,
		ReservedSlots:    load.ReservedSlots,
		Sequence:         e.seq.Add(1),
	}

	env, err := domain.NewEnvelope("node_heartbeat", e.nodeID, payload.Sequence, payload)
	if err != nil {
		e.log.Warn("failed to encode heartbeat", "error", err)
		return
	}
	if err := e.b.Publish(ctx, domain.TopicNodesHeartbeat, env); err != nil {
		e.log.Warn("failed to publish heartbeat", "error", err)
	}
}
