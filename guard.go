package sourced

// Guard is the value object described in spec.md §3.5/§4.2: a set of
// Conditions defining a relevant subset of the log, plus the highest
// position the holder has observed within that subset. A conditional
// Append succeeds only if no message exists matching any Condition whose
// Position is greater than LastPosition.
//
// Guard is JSON-serializable so a state-stored projector (spec.md §4.4)
// can persist it alongside externally materialized state and rebuild it
// on the next load without re-deriving Conditions.
type Guard struct {
	Conditions   []Condition `json:"conditions"`
	LastPosition int64       `json:"last_position"`
}

// NewGuard builds a Guard from an explicit condition set and observed
// position. Most callers instead receive a Guard back from Store.Read or
// Store.ClaimNext rather than constructing one directly.
func NewGuard(conditions []Condition, lastPosition int64) Guard {
	return Guard{Conditions: conditions, LastPosition: lastPosition}
}

// guardConditionsFor derives the Conditions for a decider/projector
// loading history over a partition: partitionAttrs × handledTypes,
// filtered per type to only the attributes that type actually declares
// (spec.md §4.1 step 5, §4.2 "filtered per-type to the attributes that
// type declares").
func guardConditionsFor(partition PartitionValue, handledTypes []MessageDescriptor) []Condition {
	var conds []Condition
	for _, td := range handledTypes {
		for _, attr := range td.PartitionAttrs {
			v, ok := partition[attr]
			if !ok {
				continue
			}
			conds = append(conds, Condition{
				MessageType: td.Type,
				KeyName:     attr,
				KeyValue:    v,
			})
		}
	}
	return conds
}

// MessageDescriptor names a message type a reactor handles, along with
// the subset of the reactor's PartitionAttrs that this particular type's
// payload actually exposes. Most reactors declare every handled type with
// the same full PartitionAttrs; MessageDescriptor lets a type that only
// carries some of the partition's attributes (e.g. a type-level event
// with no per-order key) still participate without over-filtering.
type MessageDescriptor struct {
	Type           string
	PartitionAttrs []string
}

// Handled builds a MessageDescriptor that declares all of partitionAttrs,
// the common case used by the large majority of reactors.
func Handled(messageType string, partitionAttrs ...string) MessageDescriptor {
	return MessageDescriptor{Type: messageType, PartitionAttrs: partitionAttrs}
}
