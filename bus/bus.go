// Package bus provides event distribution for Flow Studio executions.
// It lets components publish and subscribe to run events, decoupling the
// execution engine from observers such as the SSE stream, run tracking,
// and monitoring handlers.
package bus

import (
	"context"

	"github.com/flowrunner/flowstudio/engine"
)

// EventBus distributes run events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event engine.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// runs. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns the channel of events for this subscription.
	Events() <-chan engine.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// EventStore persists run events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event engine.Event) error

	// List returns events for a run with Seq > afterSeq (0 means all),
	// up to limit events (0 means no limit).
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]engine.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}
