package sourced

import "context"

// GroupStatus is a consumer group's lifecycle state, per spec.md §3.3.
type GroupStatus string

const (
	GroupActive  GroupStatus = "active"
	GroupStopped GroupStatus = "stopped"
)

// ConsumerGroup is the persisted record backing spec.md §3.3.
type ConsumerGroup struct {
	GroupID      string
	Status       GroupStatus
	RetryAt      *int64 // unix nanos; nil means no scheduled resume
	ErrorContext map[string]any
	CreatedAt    int64
	UpdatedAt    int64
}

// Offset binds one consumer group to one partition, per spec.md §3.4.
type Offset struct {
	ID             string
	GroupID        string
	PartitionKey   string
	PartitionValue PartitionValue
	LastPosition   int64
	Claimed        bool
	ClaimedAt      *int64
	ClaimedBy      string
}

// WorkerRow is one row of the worker registry (spec.md §3.6).
type WorkerRow struct {
	WorkerID string
	LastSeen int64
}

// ReadResult is the return of Store.Read: the matching messages plus a
// Guard fencing exactly that read, per spec.md §4.1.
type ReadResult struct {
	Messages []Message
	Guard    Guard
}

// Store is the single persistence abstraction the whole runtime is built
// on (spec.md §4.1). Every mutating method is internally transactional;
// callers never see partial effects of a single call.
type Store interface {
	// Append writes messages in one transaction, assigning monotonic
	// positions, extracting and upserting key-pair rows, and notifying
	// "messages_appended" with the distinct types written. If guard is
	// non-nil the append is conditional (spec.md §4.2). Empty messages
	// with a nil guard is a no-op that returns the store's current
	// latest position.
	Append(ctx context.Context, messages []Message, guard *Guard) (position int64, err error)

	// Read returns every message matching any of conditions, ordered by
	// Position ascending, with Position > fromPosition, length <= limit
	// (limit <= 0 means unbounded). The returned Guard's Conditions
	// equals conditions; its LastPosition is the last returned message's
	// Position, or max(fromPosition, store's latest position) if empty.
	Read(ctx context.Context, conditions []Condition, fromPosition int64, limit int) (ReadResult, error)

	// MessagesSince is the restricted form Read uses internally to
	// evaluate a guard's conflict check: messages matching conditions
	// with Position > position, unbounded.
	MessagesSince(ctx context.Context, conditions []Condition, position int64) ([]Message, error)

	// ClaimNext atomically bootstraps newly visible partitions, claims
	// the not-currently-claimed offset with the lowest-position pending
	// work, and returns up to batchSize pending messages for it. Returns
	// (nil, nil) if the group is stopped, has no pending work, or every
	// partition with pending work is already claimed.
	ClaimNext(ctx context.Context, groupID string, partitionAttrs []string, handled []MessageDescriptor, workerID string, batchSize int) (*Claim, error)

	// Ack advances offsetID's LastPosition to position and clears its
	// claim.
	Ack(ctx context.Context, groupID, offsetID string, position int64) error

	// Release clears offsetID's claim without advancing LastPosition, so
	// the partition can be retried.
	Release(ctx context.Context, groupID, offsetID string) error

	// RegisterConsumerGroup idempotently inserts a group with
	// status=active.
	RegisterConsumerGroup(ctx context.Context, groupID string) error

	// StartConsumerGroup transitions a group to active, firing
	// "reactor_resumed" if it was stopped.
	StartConsumerGroup(ctx context.Context, groupID string) error

	// StopConsumerGroup transitions a group to stopped.
	StopConsumerGroup(ctx context.Context, groupID string) error

	// ResetConsumerGroup deletes every offset for groupID, so the next
	// ClaimNext replays from the beginning.
	ResetConsumerGroup(ctx context.Context, groupID string) error

	// SetGroupError records error_context and an optional retry_at on a
	// group, used by error strategies.
	SetGroupError(ctx context.Context, groupID string, errContext map[string]any, retryAt *int64) error

	// WorkerHeartbeat upserts last_seen for every id in workerIDs.
	WorkerHeartbeat(ctx context.Context, workerIDs []string) error

	// ReleaseStaleClaims clears claims held by workers whose last_seen
	// is older than ttlSeconds, returning the count released.
	ReleaseStaleClaims(ctx context.Context, ttlSeconds int) (int, error)

	// Transaction runs fn against a Store scoped to one atomic unit of
	// work: every Append/Ack/Release/etc. call fn makes through tx
	// commits together if fn returns nil, or is rolled back in its
	// entirety if fn returns an error, and nothing fn did is visible to
	// any other caller until it commits. Router.commit uses this to make
	// a batch's actions plus its final ack one transaction, per spec.md
	// §4.5 step 4 and §5 ("every multi-step write uses one transaction").
	// A Store already scoped to an open Transaction runs fn directly
	// against its own unit of work instead of nesting a second one.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
