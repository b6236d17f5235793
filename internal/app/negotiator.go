package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Negotiator runs the offer/answer/candidate exchange for peer pairs. It
// mutates only sessions handed to it by the registry and publishes every
// outbound message through the signaling transport.
type Negotiator struct {
	self  domain.ParticipantID
	reg   *Registry
	sig   core.SignalTransport
	media *media.Manager

	// onRemoteTrack and onSessionDown are wired by the controller.
	onRemoteTrack func(peer domain.ParticipantID, track *webrtc.TrackRemote)
	onSessionDown func(peer domain.ParticipantID, err error)
}

func NewNegotiator(self domain.ParticipantID, reg *Registry, sig core.SignalTransport, m *media.Manager) *Negotiator {
	return &Negotiator{self: self, reg: reg, sig: sig, media: m}
}

// Initiate starts the initiator path toward peer: create the connection,
// attach current local tracks, send an offer. A second call for a peer with
// a live session is a no-op.
func (n *Negotiator) Initiate(ctx context.Context, peer domain.ParticipantID) error {
	sess, created, err := n.reg.GetOrCreate(peer)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	if !created {
		return nil
	}
	if err := n.setup(ctx, sess); err != nil {
		n.reg.Remove(peer)
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	offer, err := sess.Conn().CreateAndSetOffer()
	if err != nil {
		n.reg.Remove(peer)
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := n.sendDescription(domain.KindOffer, peer, offer); err != nil {
		log.Warn().Err(err).Str("module", "app.negotiator").Str("peer", string(peer)).Msg("offer publish")
	}
	sess.setState(StateOfferSent)
	return nil
}

// HandleEnvelope routes one inbound signaling message. Messages for unknown
// sessions (except offers) are dropped; a lost message stalls only the
// session it belonged to.
func (n *Negotiator) HandleEnvelope(ctx context.Context, env *domain.SignalEnvelope) {
	switch env.Kind {
	case domain.KindOffer:
		n.handleOffer(ctx, env)
	case domain.KindAnswer:
		n.handleAnswer(env)
	case domain.KindCandidate:
		n.handleCandidate(env)
	case domain.KindHangup:
		log.Info().Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("hangup received")
		n.reg.Remove(env.From)
	default:
		log.Warn().Str("module", "app.negotiator").Str("kind", string(env.Kind)).Msg("unknown envelope kind")
	}
}

// handleOffer is the receiver path. An offer arriving while no local media
// is held is rejected outright (not deferred): without at least the audio
// track there is no call on this side to answer into.
func (n *Negotiator) handleOffer(ctx context.Context, env *domain.SignalEnvelope) {
	if !n.media.Held() {
		log.Warn().Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("offer rejected: no local media held")
		return
	}

	sess, created, err := n.reg.GetOrCreate(env.From)
	if err != nil {
		log.Error().Err(err).Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("offer: create session")
		return
	}
	if !created && sess.State() == StateOfferSent {
		if n.self < env.From {
			// Glare: both sides sent an offer. The smaller id keeps the
			// initiator role and ignores the competing offer; the larger id
			// restarts as receiver below.
			log.Debug().Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("glare: ignoring competing offer")
			return
		}
		n.reg.Remove(env.From)
		sess, _, err = n.reg.GetOrCreate(env.From)
		if err != nil {
			log.Error().Err(err).Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("offer: recreate session")
			return
		}
		created = true
	}
	if created {
		if err := n.setup(ctx, sess); err != nil {
			log.Error().Err(err).Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("offer: setup")
			n.reg.Remove(env.From)
			return
		}
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &offer); err != nil {
		n.fail(sess, fmt.Errorf("%w: malformed offer: %v", domain.ErrNegotiationFailed, err))
		return
	}

	// An offer for a session past the description exchange is a
	// renegotiation: the peer's track set changed. It applies on the
	// existing connection and a connected session stays connected.
	renegotiating := sess.State() == StateConnected
	if !renegotiating {
		sess.setState(StateOfferReceived)
	}

	answer, err := sess.Conn().ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		n.fail(sess, fmt.Errorf("%w: apply offer: %v", domain.ErrNegotiationFailed, err))
		return
	}
	if err := n.sendDescription(domain.KindAnswer, env.From, answer); err != nil {
		log.Warn().Err(err).Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("answer publish")
	}
	if !renegotiating {
		sess.setState(StateAnswerExchanged)
	}
}

func (n *Negotiator) handleAnswer(env *domain.SignalEnvelope) {
	sess, ok := n.reg.Get(env.From)
	if !ok {
		log.Warn().Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("answer: no session")
		return
	}
	if sess.State() != StateOfferSent && sess.State() != StateConnected {
		log.Warn().Str("module", "app.negotiator").Str("peer", string(env.From)).Str("state", sess.State().String()).Msg("answer: unexpected state")
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &answer); err != nil {
		n.fail(sess, fmt.Errorf("%w: malformed answer: %v", domain.ErrNegotiationFailed, err))
		return
	}
	if err := sess.Conn().ApplyAnswer(answer); err != nil {
		n.fail(sess, fmt.Errorf("%w: apply answer: %v", domain.ErrNegotiationFailed, err))
		return
	}
	if sess.State() == StateOfferSent {
		sess.setState(StateAnswerExchanged)
	}
}

func (n *Negotiator) handleCandidate(env *domain.SignalEnvelope) {
	sess, ok := n.reg.Get(env.From)
	if !ok {
		log.Debug().Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("candidate: no session")
		return
	}
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &ci); err != nil {
		log.Error().Err(err).Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("bad candidate payload")
		return
	}
	if err := sess.Conn().AddICECandidate(ci); err != nil {
		log.Error().Err(err).Str("module", "app.negotiator").Str("peer", string(env.From)).Msg("add ice candidate")
	}
}

// Renegotiate sends a fresh offer on an existing session after its outbound
// track set changed. The session keeps its current state; the remote side
// answers on the same connection.
func (n *Negotiator) Renegotiate(sess *PeerSession) {
	offer, err := sess.Conn().CreateAndSetOffer()
	if err != nil {
		n.fail(sess, fmt.Errorf("%w: renegotiate: %v", domain.ErrNegotiationFailed, err))
		return
	}
	if err := n.sendDescription(domain.KindOffer, sess.Peer, offer); err != nil {
		log.Warn().Err(err).Str("module", "app.negotiator").Str("peer", string(sess.Peer)).Msg("renegotiation offer publish")
	}
	if sess.State() != StateConnected {
		sess.setState(StateOfferSent)
	}
}

// Hangup tells peer the call is over. Best effort; teardown does not depend
// on delivery.
func (n *Negotiator) Hangup(peer domain.ParticipantID) {
	env := &domain.SignalEnvelope{Kind: domain.KindHangup, From: n.self, To: peer}
	if err := n.sig.Publish(env); err != nil {
		log.Debug().Err(err).Str("module", "app.negotiator").Str("peer", string(peer)).Msg("hangup publish")
	}
}

// setup wires callbacks, starts the connection and attaches the currently
// held local tracks. Every callback closes over the session generation and
// checks it against the registry, so callbacks outliving the session are
// ignored instead of reviving it.
func (n *Negotiator) setup(ctx context.Context, sess *PeerSession) error {
	peer, gen := sess.Peer, sess.Gen
	conn := sess.Conn()

	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if !n.reg.Matches(peer, gen) {
			return
		}
		payload, err := json.Marshal(ci)
		if err != nil {
			return
		}
		env := &domain.SignalEnvelope{Kind: domain.KindCandidate, From: n.self, To: peer, Payload: payload}
		if err := n.sig.Publish(env); err != nil {
			log.Debug().Err(err).Str("module", "app.negotiator").Str("peer", string(peer)).Msg("candidate publish")
		}
	})

	conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !n.reg.Matches(peer, gen) {
			return
		}
		sess.storeRemote(track)
		if n.onRemoteTrack != nil {
			n.onRemoteTrack(peer, track)
		}
	})

	conn.OnConnected(func() {
		if !n.reg.Matches(peer, gen) {
			return
		}
		sess.markConnected()
	})

	conn.OnClosed(func() {
		if !n.reg.Matches(peer, gen) {
			return
		}
		sess.setState(StateClosed)
		if n.onSessionDown != nil {
			n.onSessionDown(peer, domain.ErrConnectionLost)
		}
	})

	if err := conn.Start(ctx); err != nil {
		return err
	}
	return n.attachLocal(sess)
}

// attachLocal replicates the local enablement state into the session's
// outbound attachments; no session diverges from the media manager.
func (n *Negotiator) attachLocal(sess *PeerSession) error {
	conn := sess.Conn()
	if audio := n.media.Audio(); audio != nil {
		if err := conn.AttachAudio(audio); err != nil {
			return err
		}
		if !n.media.AudioEnabled() {
			if err := conn.SetAudioSending(false); err != nil {
				return err
			}
		}
	}
	if video, _ := n.media.ActiveVideo(); video != nil {
		if err := conn.AttachVideo(video); err != nil {
			return err
		}
		sess.markVideoAttached()
	}
	return nil
}

func (n *Negotiator) sendDescription(kind domain.SignalKind, peer domain.ParticipantID, sd *webrtc.SessionDescription) error {
	payload, err := json.Marshal(sd)
	if err != nil {
		return err
	}
	return n.sig.Publish(&domain.SignalEnvelope{Kind: kind, From: n.self, To: peer, Payload: payload})
}

// fail closes a session after a negotiation error and reports it as a
// non-fatal event; other sessions and the call itself are unaffected.
func (n *Negotiator) fail(sess *PeerSession, err error) {
	log.Warn().Err(err).Str("module", "app.negotiator").Str("peer", string(sess.Peer)).Msg("negotiation failed")
	n.reg.Remove(sess.Peer)
	if n.onSessionDown != nil {
		n.onSessionDown(sess.Peer, err)
	}
}
