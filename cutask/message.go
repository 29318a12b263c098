package cutask

import "github.com/cuprumlab/cuprum/cutime"

// Message is a typed payload plus the time interval over which it is valid.
// A message is produced by exactly one task invocation and may fan out to
// any number of downstream consumers, so it must never be mutated after it
// is handed downstream. Consumers that need a private copy call Clone.
type Message struct {
	validity cutime.PartialCuTimeRange
	values   []Value
}

// NewMessage builds a message. The validity interval may still have unset
// bounds; the producing task can complete it before the cycle ends.
func NewMessage(validity cutime.PartialCuTimeRange, values ...Value) *Message {
	return &Message{validity: validity, values: values}
}

// Validity returns the message's validity interval.
func (m *Message) Validity() cutime.PartialCuTimeRange {
	return m.validity
}

// SetValidity replaces the validity interval. Only the producing task may
// call this, and only before the message is handed downstream.
func (m *Message) SetValidity(v cutime.PartialCuTimeRange) {
	m.validity = v
}

// NumValues returns the number of payload cells.
func (m *Message) NumValues() int {
	return len(m.values)
}

// Value returns the i-th payload cell.
func (m *Message) Value(i int) Value {
	return m.values[i]
}

// Values returns the payload cells. The returned slice is the message's own
// storage; callers must not modify it.
func (m *Message) Values() []Value {
	return m.values
}

// Clone returns a deep copy that the caller owns.
func (m *Message) Clone() *Message {
	values := make([]Value, len(m.values))
	copy(values, m.values)

	for i, v := range values {
		if v.kind == FieldBytes && v.raw != nil {
			raw := make([]byte, len(v.raw))
			copy(raw, v.raw)
			values[i].raw = raw
		}
	}

	return &Message{validity: m.validity, values: values}
}

// Equal reports whether two messages carry the same validity interval and
// payload.
func (m *Message) Equal(other *Message) bool {
	if other == nil {
		return false
	}

	mStart, mEnd := m.validity.Bits()
	oStart, oEnd := other.validity.Bits()
	if mStart != oStart || mEnd != oEnd {
		return false
	}

	if len(m.values) != len(other.values) {
		return false
	}

	for i, v := range m.values {
		if !v.Equal(other.values[i]) {
			return false
		}
	}

	return true
}
