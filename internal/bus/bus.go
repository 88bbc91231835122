// Package bus is the topic-based broadcast layer every replica, node, and
// client subscribes to: jobs.updates, jobs.cancel, nodes.heartbeat,
// orchestrator.heartbeat, orchestrator.handoff, and results.ready. Each
// topic is its own Redis channel; nothing here orders messages across
// topics, only within one (Redis preserves publish order per channel).
package bus

import (
	"context"

	"github.com/meshinfer/meshinfer/internal/domain"
)

// Bus publishes and subscribes domain.Envelope messages on a named topic.
// Implementations do not retain history: a subscriber that connects after a
// message was published never sees it, which is why every consumer treats
// the bus as a wake-up signal and reconciles against the blob store / node
// registry rather than trusting it as the source of truth.
type Bus interface {
	Publish(ctx context.Context, topic string, env domain.Envelope) error
	Subscribe(ctx context.Context, topic string, onMsg func(env domain.Envelope)) error
	Close() error
}
