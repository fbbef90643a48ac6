package sourced

import (
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces a new globally unique message identifier. The
// default is uuid.New().String(); tests substitute a deterministic
// generator via WithIDGenerator.
type IDGenerator func() string

// DefaultIDGenerator returns random UUIDv4 text, the same representation
// the rest of the pack's uuid-backed services use for message and entity
// identifiers.
func DefaultIDGenerator() string {
	return uuid.New().String()
}

// Message is an immutable record of something that happened (an event) or
// something that was requested (a command). Once constructed, ID,
// CausationID and CorrelationID never change; Position is assigned by the
// Store on append and is zero until then.
type Message struct {
	ID            string
	Type          string
	Payload       any
	Metadata      map[string]any
	CausationID   string
	CorrelationID string
	CreatedAt     time.Time

	// Position is the store-assigned monotonic sequence. Zero means
	// "not yet appended".
	Position int64

	// StreamID is the optional single-key partition identifier for hosts
	// that use one partition attribute; multi-key hosts derive
	// partitioning from extracted keys instead and may leave this empty.
	StreamID string

	// Seq is the optional per-stream sequence number; an implementation
	// may leave this zero and rely on Position ordering instead.
	Seq int64
}

// MessageOption customizes a Message at construction time.
type MessageOption func(*Message)

// CausedBy sets CausationID and, if not already set, inherits
// CorrelationID from the causing message.
func CausedBy(cause Message) MessageOption {
	return func(m *Message) {
		m.CausationID = cause.ID
		if m.CorrelationID == "" {
			m.CorrelationID = cause.CorrelationID
		}
	}
}

// WithMetadata attaches free-form producer metadata.
func WithMetadata(md map[string]any) MessageOption {
	return func(m *Message) {
		m.Metadata = md
	}
}

// WithCreatedAt overrides the production timestamp; a future timestamp
// produces a message visible only after that time.
func WithCreatedAt(at time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = at
	}
}

// WithStreamID sets the single-key partition identifier.
func WithStreamID(id string) MessageOption {
	return func(m *Message) {
		m.StreamID = id
	}
}

// NewMessage constructs a Message with a fresh ID, defaulting
// CausationID and CorrelationID to its own ID per spec invariant: "defaults
// to id". gen is typically Config.IDGenerator; NewMessage is a free
// function so hosts can build messages before a Dispatcher exists.
func NewMessage(gen IDGenerator, typ string, payload any, opts ...MessageOption) Message {
	if gen == nil {
		gen = DefaultIDGenerator
	}
	id := gen()
	m := Message{
		ID:            id,
		Type:          typ,
		Payload:       payload,
		CausationID:   id,
		CorrelationID: id,
		CreatedAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Equal reports whether two messages agree on ID, Type, CausationID,
// CorrelationID, StreamID, Seq, Position and CreatedAt, used to assert the
// round-trip identity testable property (spec.md §8 property 2). Payload
// and Metadata are not compared.
func (m Message) Equal(other Message) bool {
	if m.ID != other.ID ||
		m.Type != other.Type ||
		m.CausationID != other.CausationID ||
		m.CorrelationID != other.CorrelationID ||
		m.StreamID != other.StreamID ||
		m.Seq != other.Seq ||
		m.Position != other.Position {
		return false
	}
	return m.CreatedAt.Equal(other.CreatedAt)
}
