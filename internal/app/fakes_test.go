package app

import (
	"context"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/pion/webrtc/v4"
)

// fakeTrack satisfies media.Track without touching any device.
type fakeTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	mu     sync.Mutex
	closed bool
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, kind: kind}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) RID() string               { return "" }
func (t *fakeTrack) StreamID() string          { return "fake-stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}

func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeProvider hands out fake tracks and remembers the screen-ended hook.
type fakeProvider struct {
	mu          sync.Mutex
	micErr      error
	camErr      error
	screenErr   error
	screenEnded func()
}

func (p *fakeProvider) OpenMicrophone() (media.Track, error) {
	if p.micErr != nil {
		return nil, p.micErr
	}
	return newFakeTrack("mic", webrtc.RTPCodecTypeAudio), nil
}

func (p *fakeProvider) OpenCamera() (media.Track, error) {
	if p.camErr != nil {
		return nil, p.camErr
	}
	return newFakeTrack("cam", webrtc.RTPCodecTypeVideo), nil
}

func (p *fakeProvider) OpenScreen(onEnded func()) (media.Track, error) {
	if p.screenErr != nil {
		return nil, p.screenErr
	}
	p.mu.Lock()
	p.screenEnded = onEnded
	p.mu.Unlock()
	return newFakeTrack("screen", webrtc.RTPCodecTypeVideo), nil
}

func (p *fakeProvider) Populate(*webrtc.MediaEngine) error { return nil }

func (p *fakeProvider) endScreen() {
	p.mu.Lock()
	fn := p.screenEnded
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeConn records every mutation the call layer performs on it and lets
// tests fire the async callbacks a real connection would.
type fakeConn struct {
	peer domain.ParticipantID

	mu            sync.Mutex
	started       bool
	closed        bool
	offersSent    int
	answersBuilt  int
	answerApplied int
	audioTrack    webrtc.TrackLocal
	videoTracks   []webrtc.TrackLocal
	videoReplaced []webrtc.TrackLocal
	audioSending  []bool
	candidates    []webrtc.ICECandidateInit

	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onConnected func()
	onClosed    func()
}

func (c *fakeConn) Start(context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.offersSent++
	c.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (c *fakeConn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.answersBuilt++
	c.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (c *fakeConn) ApplyAnswer(webrtc.SessionDescription) error {
	c.mu.Lock()
	c.answerApplied++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, ci)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AttachAudio(t webrtc.TrackLocal) error {
	c.mu.Lock()
	c.audioTrack = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AttachVideo(t webrtc.TrackLocal) error {
	c.mu.Lock()
	c.videoTracks = append(c.videoTracks, t)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReplaceVideo(t webrtc.TrackLocal) error {
	c.mu.Lock()
	c.videoReplaced = append(c.videoReplaced, t)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetAudioSending(enabled bool) error {
	c.mu.Lock()
	c.audioSending = append(c.audioSending, enabled)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *fakeConn) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *fakeConn) OnConnected(fn func()) { c.onConnected = fn }
func (c *fakeConn) OnClosed(fn func())    { c.onClosed = fn }

func (c *fakeConn) fireConnected() {
	if c.onConnected != nil {
		c.onConnected()
	}
}

func (c *fakeConn) fireClosed() {
	if c.onClosed != nil {
		c.onClosed()
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) offerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offersSent
}

func (c *fakeConn) replacedVideo() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(c.videoReplaced))
	copy(out, c.videoReplaced)
	return out
}

func (c *fakeConn) audioGates() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(c.audioSending))
	copy(out, c.audioSending)
	return out
}

// fakeFactory builds fakeConns and keeps them addressable by peer.
type fakeFactory struct {
	mu    sync.Mutex
	conns map[domain.ParticipantID][]*fakeConn
	err   error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[domain.ParticipantID][]*fakeConn)}
}

func (f *fakeFactory) new(peer domain.ParticipantID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{peer: peer}
	f.conns[peer] = append(f.conns[peer], c)
	return c, nil
}

// conn returns the most recent connection built for peer.
func (f *fakeFactory) conn(peer domain.ParticipantID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[peer]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// fakeTransport is an in-process signaling relay.
type fakeTransport struct {
	mu        sync.Mutex
	published []*domain.SignalEnvelope
	subs      []chan *domain.SignalEnvelope
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (t *fakeTransport) Publish(env *domain.SignalEnvelope) error {
	t.mu.Lock()
	t.published = append(t.published, env)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Subscribe() (<-chan *domain.SignalEnvelope, func()) {
	ch := make(chan *domain.SignalEnvelope, 32)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch, func() {}
}

func (t *fakeTransport) Close() {}

func (t *fakeTransport) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// inject delivers an inbound envelope to every subscriber.
func (t *fakeTransport) inject(env *domain.SignalEnvelope) {
	t.mu.Lock()
	subs := make([]chan *domain.SignalEnvelope, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()
	for _, ch := range subs {
		ch <- env
	}
}

func (t *fakeTransport) ofKind(kind domain.SignalKind) []*domain.SignalEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*domain.SignalEnvelope
	for _, env := range t.published {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// fakeRemoteSink counts remote-track deliveries per renderer.
type fakeRemoteSink struct {
	mu    sync.Mutex
	calls int
	peers []domain.ParticipantID
}

func (s *fakeRemoteSink) OnRemoteTrack(peer domain.ParticipantID, _ *webrtc.TrackRemote) {
	s.mu.Lock()
	s.calls++
	s.peers = append(s.peers, peer)
	s.mu.Unlock()
}

func (s *fakeRemoteSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakePreview records self-view deliveries.
type fakePreview struct {
	mu      sync.Mutex
	started []domain.TrackKind
	ended   []domain.TrackKind
}

func (p *fakePreview) OnPreview(kind domain.TrackKind, _ webrtc.TrackLocal) {
	p.mu.Lock()
	p.started = append(p.started, kind)
	p.mu.Unlock()
}

func (p *fakePreview) OnPreviewEnded(kind domain.TrackKind) {
	p.mu.Lock()
	p.ended = append(p.ended, kind)
	p.mu.Unlock()
}
