package app

import (
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry is the authoritative map from remote participant id to that
// participant's PeerSession. One mutex serializes create and remove so a
// roster-driven create and an inbound-offer-driven create cannot interleave
// into two sessions for the same id.
type Registry struct {
	factory core.ConnectionFactory

	mu       sync.Mutex
	nextGen  uint64
	sessions map[domain.ParticipantID]*PeerSession
}

func NewRegistry(factory core.ConnectionFactory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[domain.ParticipantID]*PeerSession),
	}
}

// GetOrCreate returns the live session for peer, creating one in state new
// if absent. Never produces a duplicate; created reports which case ran.
func (r *Registry) GetOrCreate(peer domain.ParticipantID) (sess *PeerSession, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[peer]; ok {
		return s, false, nil
	}
	conn, err := r.factory(peer)
	if err != nil {
		return nil, false, fmt.Errorf("connection for %s: %w", peer, err)
	}
	r.nextGen++
	s := newPeerSession(peer, r.nextGen, conn)
	r.sessions[peer] = s
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Uint64("gen", s.Gen).Msg("session created")
	return s, true, nil
}

func (r *Registry) Get(peer domain.ParticipantID) (*PeerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peer]
	return s, ok
}

// Remove closes the session's connection and discards the entry. Idempotent.
func (r *Registry) Remove(peer domain.ParticipantID) {
	r.mu.Lock()
	s, ok := r.sessions[peer]
	delete(r.sessions, peer)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("session removed")
}

// Matches reports whether peer still maps to the session generation gen.
// Asynchronous callbacks check this before applying their result so a
// removed session cannot be revived.
func (r *Registry) Matches(peer domain.ParticipantID, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peer]
	return ok && s.Gen == gen
}

// All snapshots the live sessions for fan-out operations.
func (r *Registry) All() []*PeerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PeerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll tears down every session synchronously.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[domain.ParticipantID]*PeerSession)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	if len(sessions) > 0 {
		log.Info().Str("module", "app.registry").Int("count", len(sessions)).Msg("all sessions closed")
	}
}
