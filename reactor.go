package sourced

import (
	"context"
	"time"
)

// GroupProxy is handed to a Reactor's OnException so an error strategy can
// mutate the consumer group's lifecycle without the reactor touching the
// Store directly, per spec.md §4.5/§6.4.
type GroupProxy interface {
	// GroupID identifies the consumer group this proxy acts on.
	GroupID() string
	// Retry marks the group to resume no earlier than at, recording
	// context in the group's error_context for a sticky error strategy.
	Retry(ctx context.Context, at time.Time, errContext map[string]any) error
	// Stop transitions the group to stopped, recording reason.
	Stop(ctx context.Context, reason string) error
}

// Reactor is the minimal contract every decider, projector, and plain
// consumer satisfies, per spec.md §6.3. GroupID, PartitionAttrs, and
// HandledMessages are read once at registration; HandleBatch is invoked
// once per claim.
type Reactor interface {
	// GroupID identifies this reactor's offset/consumer group.
	GroupID() string

	// PartitionAttrs names the attributes the store partitions work on
	// for this reactor.
	PartitionAttrs() []string

	// HandledMessages lists every message type this reactor wants
	// delivered, each with the partition attributes that type declares.
	HandledMessages() []MessageDescriptor

	// HandleBatch is invoked once per claim. history is nil unless the
	// reactor also implements ReactorWithHistory.
	HandleBatch(ctx context.Context, claim Claim, history *History) ([]ActionPair, error)

	// OnException is the error strategy described in spec.md §6.4. It is
	// invoked by the Router after a failed transaction is rolled back
	// and the claim released.
	OnException(ctx context.Context, err error, source *Message, group GroupProxy)
}

// ReactorWithHistory is the marker interface a reactor implements to
// request the full partition history be loaded and passed to HandleBatch,
// per spec.md §9 "a marker interface" and §6.3's optional ContextFor.
// This is the idiomatic Go rendering of the spec's "reflective
// introspection at registration time": instead of inspecting a function
// signature, the Router type-asserts the reactor against this interface.
type ReactorWithHistory interface {
	Reactor

	// ContextFor returns the Conditions used to load history for a
	// partition: typically partitionAttrs × the message types the
	// reactor evolves from.
	ContextFor(partition PartitionValue) []Condition
}
