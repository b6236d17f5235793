package app

import (
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// SessionState is the negotiation state of one peer pair.
type SessionState int32

const (
	StateNew SessionState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PeerSession is the negotiation state and media of one remote participant.
// Owned by the Registry; the generation tag lets late asynchronous callbacks
// be detected and ignored after removal.
type PeerSession struct {
	Peer domain.ParticipantID
	Gen  uint64

	conn core.MediaConnection

	mu            sync.Mutex
	state         SessionState
	videoAttached bool
	remote        map[webrtc.RTPCodecType]*webrtc.TrackRemote
}

func newPeerSession(peer domain.ParticipantID, gen uint64, conn core.MediaConnection) *PeerSession {
	return &PeerSession{
		Peer:   peer,
		Gen:    gen,
		conn:   conn,
		state:  StateNew,
		remote: make(map[webrtc.RTPCodecType]*webrtc.TrackRemote),
	}
}

func (s *PeerSession) Conn() core.MediaConnection { return s.conn }

func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves the session forward; closed is terminal.
func (s *PeerSession) setState(next SessionState) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()
	log.Info().
		Str("module", "app.session").
		Str("peer", string(s.Peer)).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("state transition")
}

// markConnected is driven by the transport reporting an established link,
// not by the engine's own actions; it only applies after the description
// exchange started.
func (s *PeerSession) markConnected() {
	s.mu.Lock()
	ok := s.state == StateOfferSent || s.state == StateAnswerExchanged
	s.mu.Unlock()
	if ok {
		s.setState(StateConnected)
	}
}

func (s *PeerSession) VideoAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoAttached
}

func (s *PeerSession) markVideoAttached() {
	s.mu.Lock()
	s.videoAttached = true
	s.mu.Unlock()
}

func (s *PeerSession) storeRemote(track *webrtc.TrackRemote) {
	s.mu.Lock()
	s.remote[track.Kind()] = track
	s.mu.Unlock()
}

// RemoteTracks snapshots the inbound tracks, one per kind.
func (s *PeerSession) RemoteTracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, 0, len(s.remote))
	for _, t := range s.remote {
		out = append(out, t)
	}
	return out
}

// close tears the session down. Idempotent.
func (s *PeerSession) close() {
	s.setState(StateClosed)
	s.conn.Close()
}
