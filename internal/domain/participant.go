// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
)

type (
	ParticipantID string
	RoomName      string
)

// Participant is one occupant of a room as reported by the presence feed.
// The roster owns it; the call layer treats it as read-only input.
type Participant struct {
	ID     ParticipantID `json:"id"`
	Name   string        `json:"name"`
	Online bool          `json:"online"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id ParticipantID, name string) (*Participant, error) {
	if len(id) == 0 {
		return nil, ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return nil, ErrParticipantIDTooLong
	}
	if len(name) > MaxDisplayNameLen {
		name = name[:MaxDisplayNameLen]
	}
	return &Participant{ID: id, Name: name, Online: true}, nil
}
