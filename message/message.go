// Package message contains the named payload abstraction shared by
// Domain Events and Commands, together with the Metadata bag that
// travels next to them.
package message

// Message is a payload exchanged in the system.
//
// The name returned by Name is the payload discriminator: it is persisted
// next to the serialized payload (as event type or command type) and used
// to pick the right type back when decoding.
type Message interface {
	Name() string
}

// Metadata carries supporting information about a Message (correlation
// and causation ids, actor, timestamps) that the Message itself does not need.
//
// Metadata is never interpreted by the Event Log.
type Metadata map[string]string

// With sets the key to the specified value, allocating the map if needed.
func (m Metadata) With(key, value string) Metadata {
	if m == nil {
		m = make(Metadata)
	}

	m[key] = value

	return m
}

// Merge copies all the entries of other into the current Metadata.
// Entries in other win over existing ones.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		return other.Clone()
	}

	for k, v := range other {
		m[k] = v
	}

	return m
}

// Clone returns a shallow copy of the Metadata, or nil if empty.
func (m Metadata) Clone() Metadata {
	if len(m) == 0 {
		return nil
	}

	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}

	return clone
}

// GenericEnvelope is an Envelope whose concrete Message type is not known.
type GenericEnvelope Envelope[Message]

// Envelope bundles a Message with its Metadata.
type Envelope[T Message] struct {
	Message  T
	Metadata Metadata
}

// ToGenericEnvelope erases the concrete Message type of the Envelope.
func (e Envelope[T]) ToGenericEnvelope() GenericEnvelope {
	return GenericEnvelope{
		Message:  e.Message,
		Metadata: e.Metadata,
	}
}
