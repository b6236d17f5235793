package domain

import "encoding/json"

// SignalKind discriminates negotiation messages on the wire.
type SignalKind string

const (
	KindOffer     SignalKind = "offer"
	KindAnswer    SignalKind = "answer"
	KindCandidate SignalKind = "candidate"
	KindHangup    SignalKind = "hangup"
)

// SignalEnvelope carries one opaque negotiation message between two named
// participants of a room. Transient: never persisted, consumed exactly once
// by the recipient whose id matches To.
type SignalEnvelope struct {
	Kind    SignalKind      `json:"type"`
	From    ParticipantID   `json:"from"`
	To      ParticipantID   `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AddressedTo reports whether the envelope names id as its recipient.
// Everything else is dropped at the transport boundary.
func (e *SignalEnvelope) AddressedTo(id ParticipantID) bool {
	return e.To == id
}
