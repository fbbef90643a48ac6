package sourced

// Claim is the exclusive, temporary lease a worker holds on one
// partition's offset, returned by Store.ClaimNext per spec.md §3.4/§4.1.
type Claim struct {
	OffsetID       string
	GroupID        string
	PartitionKey   string
	PartitionValue PartitionValue

	// Messages are the pending messages for this partition, ordered by
	// Position ascending, length <= the requested batch size.
	Messages []Message

	// Replaying is true iff the position of this claim's last message is
	// behind the store's current maximum position for the guard's
	// conditions: more of the partition lies beyond this batch, so the
	// messages being delivered are historical catch-up, not fresh
	// deliveries. Reactions are suppressed while Replaying.
	Replaying bool

	// Guard covers partitionAttrs × handledTypes, filtered per-type to
	// the attributes each type declares (spec.md §4.1 step 5).
	Guard Guard
}

// History is the full message history for a partition, loaded via
// Store.Read(reactor.ContextFor(partitionValue)) when a reactor declares
// it needs it (spec.md §4.4, §6.3 "optional ContextFor").
type History struct {
	Messages []Message
	Guard    Guard
}
