package core

import (
	"context"
	"time"

	"github.com/c360/eventcore/event"
)

// IndexTopic is the pubsub topic on which the core publishes every index
// mutation and expiration.
const IndexTopic = "index"

// Service is a stateful, possibly long-lived resource owned by a Core.
// Identity is logical: a TCP listener bound to port 5555 is the same
// service regardless of which instance implements it right now.
//
// Lifecycle contract: a constructed service is inert until Reload wires it
// to its owning core; Start begins consuming resources; Stop releases them.
// Start on an already-running service MUST be a no-op: the transition
// protocol re-starts every service in the merged core, including the ones
// it reused.
type Service interface {
	// Name identifies the service in logs and metrics.
	Name() string

	// Start begins the service. The context is the application lifetime;
	// its cancellation is a shutdown signal. Idempotent on a running
	// service.
	Start(ctx context.Context) error

	// Stop releases resources and terminates any loop, waiting at most
	// timeout. Idempotent on a stopped service.
	Stop(timeout time.Duration) error

	// Reload points the service at a new owning core. Called on every
	// service in a merged core before any of them is started, so no
	// service observes a partially updated configuration.
	Reload(c *Core) error

	// Equiv reports whether other is the same logical service with
	// compatible configuration, making the running instance safe to reuse
	// across a transition.
	Equiv(other Service) bool

	// Conflicts reports whether this service and other would contend for
	// the same external resource if both ran simultaneously.
	Conflicts(other Service) bool
}

// Index is the latest-event-per-identity store consumed by the core. It is
// itself a Service and must be safe under concurrent Update/Delete/Expire.
type Index interface {
	Service

	// Update stores e as the latest event for its identity key and reports
	// whether the index actually changed. An event in state "expired"
	// deletes its key instead.
	Update(e *event.Event) bool

	// Delete removes the entry matching e's identity key.
	Delete(e *event.Event)

	// DeleteExactly removes the entry for e's identity key only if the
	// stored event equals e field for field.
	DeleteExactly(e *event.Event)

	// Expire atomically removes and returns every entry whose TTL has
	// elapsed, each as the full last-known event.
	Expire() []*event.Event

	// Events returns a snapshot of all current index contents.
	Events() []*event.Event
}

// PubSub is the topic-based fan-out registry consumed by the core.
type PubSub interface {
	Service

	// Publish fans e out to the current subscribers of topic.
	Publish(topic string, e *event.Event)
}
