package core

import (
	"context"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Frame is a raw binary payload on the signaling transport.
type Frame []byte

// SignalTransport is the room-scoped signaling relay the call layer talks
// through. At-least-once best-effort delivery, no ordering guarantee across
// peers; a message that never arrives leaves that one session stalled.
// Owned by the adapter; the adapter must Close() it.
type SignalTransport interface {
	// Publish sends one envelope to the room relay.
	Publish(env *domain.SignalEnvelope) error
	// Subscribe returns a channel of envelopes addressed to the local
	// participant and a cancel func that releases the subscription.
	Subscribe() (ch <-chan *domain.SignalEnvelope, cancel func())
	Close()
}

// MediaConnection wraps one peer-to-peer connection. The negotiation engine
// mutates only connections it was handed by the registry.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	// Callbacks must be registered before Start.
	Start(ctx context.Context) error
	// Close stops all underlying media resources. Idempotent.
	Close()

	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate, buffering it until the
	// remote description is set. Buffered candidates flush in arrival order.
	AddICECandidate(webrtc.ICECandidateInit) error

	// AttachAudio and AttachVideo bind a local track to the connection's
	// audio or video slot. ReplaceVideo swaps the video slot in place on the
	// existing sender (no renegotiation for kind-preserving swaps); nil
	// restores silence. SetAudioSending gates the audio slot without
	// detaching it.
	AttachAudio(track webrtc.TrackLocal) error
	AttachVideo(track webrtc.TrackLocal) error
	ReplaceVideo(track webrtc.TrackLocal) error
	SetAudioSending(enabled bool) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnConnected(func())
	OnClosed(func())
}

// ConnectionFactory builds a MediaConnection for one remote participant.
// The rtc adapter provides the pion-backed implementation; tests substitute
// in-process fakes.
type ConnectionFactory func(peer domain.ParticipantID) (MediaConnection, error)

// RemoteSink receives one participant's incoming media. Called on the first
// track and on every replacement.
type RemoteSink interface {
	OnRemoteTrack(peer domain.ParticipantID, track *webrtc.TrackRemote)
}

// PreviewSink receives the local user's own tracks for self-view.
type PreviewSink interface {
	OnPreview(kind domain.TrackKind, track webrtc.TrackLocal)
	OnPreviewEnded(kind domain.TrackKind)
}
