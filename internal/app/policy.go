package app

import "github.com/dkeye/Mesh/internal/domain"

type FailureAction int

const (
	NoAction FailureAction = iota
	DropPeer
)

// Policy decides what happens to a peer whose session failed. Retrying is a
// caller policy; nothing here retries automatically.
type Policy interface {
	OnSessionFailure(peer domain.ParticipantID, err error) FailureAction
}

type DropPolicy struct{}

func (DropPolicy) OnSessionFailure(domain.ParticipantID, error) FailureAction {
	return DropPeer
}
