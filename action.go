package sourced

import "time"

// Action is the sum type a Reactor's HandleBatch produces, per spec.md
// §4.4 "Actions (sum type)". Go has no tagged unions, so Action is an
// interface satisfied only by the four types below; the unexported
// marker method prevents external packages from inventing new variants
// the Router wouldn't know how to commit.
type Action interface {
	isAction()
}

// OK acknowledges a message that produced no side effect.
type OK struct{}

func (OK) isAction() {}

// Append appends Messages in one transaction. If Guard is non-nil, the
// append is conditional: it fails with ConcurrentAppendError if any
// message matching Guard.Conditions has a Position greater than
// Guard.LastPosition.
type Append struct {
	Messages []Message
	Guard    *Guard
}

func (Append) isAction() {}

// AppendMessages builds an unconditional Append action.
func AppendMessages(messages ...Message) Append {
	return Append{Messages: messages}
}

// AppendWithGuard builds a conditional Append action.
func AppendWithGuard(guard Guard, messages ...Message) Append {
	return Append{Messages: messages, Guard: &guard}
}

// Sync runs Block inside the same transaction that commits the batch's
// other actions and advances the offset. If Block returns an error, the
// whole transaction (including any sibling Append in the same pair) is
// rolled back and the claim released, per spec.md §8 property 10.
type Sync struct {
	Block func() error
}

func (Sync) isAction() {}

// Schedule appends Messages with a future CreatedAt; delivery to any
// reactor waits until that time (enforced by Store.ClaimNext only
// surfacing messages whose CreatedAt has passed — see storepg/storemem).
// Constructing a Schedule with a non-future At returns an error via
// NewSchedule rather than silently truncating.
type Schedule struct {
	Messages []Message
	At       time.Time
}

func (Schedule) isAction() {}

// NewSchedule validates At is strictly in the future before returning a
// Schedule action, per spec.md §7 "PastMessageDate ... Rejected at
// construction."
func NewSchedule(at time.Time, messages ...Message) (Schedule, error) {
	if !at.After(time.Now()) {
		return Schedule{}, &PastMessageDateError{At: at.Format(time.RFC3339)}
	}
	return Schedule{Messages: messages, At: at}, nil
}

// ActionPair bundles the actions produced for one source message, per
// spec.md §4.4 "handle_batch ... list of (actions, source_message)
// pairs." A single action or a slice of actions may be supplied; Pair
// normalizes both.
type ActionPair struct {
	Actions []Action
	Source  Message
}

// Pair builds an ActionPair from one or more actions for a source message.
func Pair(source Message, actions ...Action) ActionPair {
	return ActionPair{Actions: actions, Source: source}
}
