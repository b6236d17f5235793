package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/roster"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrCallActive   = errors.New("call already active")
	ErrNoActiveCall = errors.New("no active call")
)

// CallState is the top-level call lifecycle. Ended is transient: EndCall
// passes through it and lands back on idle before returning.
type CallState int32

const (
	CallIdle CallState = iota
	CallCalling
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallCalling:
		return "calling"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

// Controller reacts to roster changes and user intent by driving the media
// manager and the session registry. One active call instance at a time; no
// call state survives across calls.
type Controller struct {
	self   domain.ParticipantID
	media  *media.Manager
	reg    *Registry
	neg    *Negotiator
	table  *roster.Table
	sig    core.SignalTransport
	policy Policy

	mu         sync.Mutex
	state      CallState
	runCtx     context.Context
	callCtx    context.Context
	callCancel context.CancelFunc

	sinksMu sync.RWMutex
	sinks   map[domain.ParticipantID]core.RemoteSink
	preview core.PreviewSink
}

func NewController(
	self domain.ParticipantID,
	m *media.Manager,
	reg *Registry,
	neg *Negotiator,
	table *roster.Table,
	sig core.SignalTransport,
	policy Policy,
) *Controller {
	if policy == nil {
		policy = DropPolicy{}
	}
	c := &Controller{
		self:   self,
		media:  m,
		reg:    reg,
		neg:    neg,
		table:  table,
		sig:    sig,
		policy: policy,
		sinks:  make(map[domain.ParticipantID]core.RemoteSink),
	}
	neg.onRemoteTrack = c.deliverRemote
	neg.onSessionDown = c.onSessionDown
	return c
}

// Run consumes roster events and signaling envelopes on a single goroutine
// until ctx is done. Blocking user actions (device acquisition) run on their
// caller's goroutine and never stall this loop.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	rosterCh := c.table.Subscribe()
	envCh, cancelSub := c.sig.Subscribe()
	defer cancelSub()
	defer c.table.Unsubscribe(rosterCh)

	for {
		select {
		case <-ctx.Done():
			c.EndCall()
			return
		case evt, ok := <-rosterCh:
			if !ok {
				return
			}
			c.onRosterEvent(evt)
		case env, ok := <-envCh:
			if !ok {
				return
			}
			c.neg.HandleEnvelope(c.currentCallCtx(), env)
		}
	}
}

func (c *Controller) currentCallCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callCtx != nil {
		return c.callCtx
	}
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// StartCall acquires audio (mandatory), unmutes, and initiates a session
// toward every online participant other than self. A device error aborts
// the start and leaves the controller idle; a single peer failing does not.
func (c *Controller) StartCall() error {
	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		return ErrCallActive
	}
	parent := c.runCtx
	if parent == nil {
		parent = context.Background()
	}
	callCtx, cancel := context.WithCancel(parent)
	c.state = CallCalling
	c.callCtx = callCtx
	c.callCancel = cancel
	c.mu.Unlock()
	log.Info().Str("module", "app.controller").Str("from", "idle").Str("to", "calling").Msg("call state")

	if _, err := c.media.AcquireAudio(); err != nil {
		c.resetToIdle()
		return err
	}
	c.media.SetAudioEnabled(true)
	c.replicateAudioEnabled(true)

	for _, p := range c.table.Online() {
		if p.ID == c.self {
			continue
		}
		if err := c.neg.Initiate(callCtx, p.ID); err != nil {
			log.Warn().Err(err).Str("module", "app.controller").Str("peer", string(p.ID)).Msg("initiate failed")
		}
	}
	return nil
}

// EndCall tears down every session synchronously, releases all local media
// and resets the toggles. No-op when already idle.
func (c *Controller) EndCall() {
	c.mu.Lock()
	if c.state == CallIdle {
		c.mu.Unlock()
		return
	}
	c.state = CallEnded
	cancel := c.callCancel
	c.callCtx, c.callCancel = nil, nil
	c.mu.Unlock()
	log.Info().Str("module", "app.controller").Str("from", "calling").Str("to", "ended").Msg("call state")

	if cancel != nil {
		cancel()
	}
	for _, sess := range c.reg.All() {
		c.neg.Hangup(sess.Peer)
	}
	c.reg.CloseAll()

	st := c.media.State()
	c.media.ReleaseAll()
	if sink := c.previewSink(); sink != nil {
		if st.CameraOn {
			sink.OnPreviewEnded(domain.TrackCamera)
		}
		if st.ScreenOn {
			sink.OnPreviewEnded(domain.TrackScreen)
		}
	}

	c.resetToIdle()
}

func (c *Controller) resetToIdle() {
	c.mu.Lock()
	prev := c.state
	c.state = CallIdle
	if c.callCancel != nil {
		c.callCancel()
	}
	c.callCtx, c.callCancel = nil, nil
	c.mu.Unlock()
	log.Info().Str("module", "app.controller").Str("from", prev.String()).Str("to", "idle").Msg("call state")
}

// ToggleMute flips audio enablement and replicates it into every session's
// outbound attachment. Never creates, destroys or renegotiates a session.
func (c *Controller) ToggleMute() (muted bool, err error) {
	if c.State() != CallCalling {
		return false, ErrNoActiveCall
	}
	enabled := !c.media.AudioEnabled()
	c.media.SetAudioEnabled(enabled)
	c.replicateAudioEnabled(enabled)
	return !enabled, nil
}

func (c *Controller) replicateAudioEnabled(enabled bool) {
	for _, sess := range c.reg.All() {
		if err := sess.Conn().SetAudioSending(enabled); err != nil {
			log.Error().Err(err).Str("module", "app.controller").Str("peer", string(sess.Peer)).Msg("audio gate")
		}
	}
}

// ToggleVideo acquires or releases the camera. While screen share is active
// the screen keeps the outbound video slot; the camera waits underneath.
func (c *Controller) ToggleVideo(on bool) error {
	if c.State() != CallCalling {
		return ErrNoActiveCall
	}
	if on {
		if c.media.Camera() != nil {
			return nil
		}
		track, err := c.media.AcquireCamera()
		if err != nil {
			return err
		}
		if c.media.Screen() == nil {
			c.fanOutVideo(track)
		}
		if sink := c.previewSink(); sink != nil {
			sink.OnPreview(domain.TrackCamera, track)
		}
		return nil
	}

	if c.media.Camera() == nil {
		return nil
	}
	c.media.ReleaseCamera()
	if c.media.Screen() == nil {
		c.fanOutVideo(nil)
	}
	if sink := c.previewSink(); sink != nil {
		sink.OnPreviewEnded(domain.TrackCamera)
	}
	return nil
}

// ToggleScreenShare swaps the outbound video slot to the screen track and
// back. Kind-preserving swaps reuse the existing sender; attaching video to
// a session that never had one triggers renegotiation.
func (c *Controller) ToggleScreenShare(on bool) error {
	if c.State() != CallCalling {
		return ErrNoActiveCall
	}
	if on {
		if c.media.Screen() != nil {
			return nil
		}
		track, err := c.media.AcquireScreen(c.screenEndedByOS)
		if err != nil {
			return err
		}
		c.fanOutVideo(track)
		if sink := c.previewSink(); sink != nil {
			sink.OnPreview(domain.TrackScreen, track)
		}
		return nil
	}

	if c.media.Screen() == nil {
		return nil
	}
	c.media.ReleaseScreen()
	var restore webrtc.TrackLocal
	if cam := c.media.Camera(); cam != nil {
		restore = cam
	}
	c.fanOutVideo(restore)
	if sink := c.previewSink(); sink != nil {
		sink.OnPreviewEnded(domain.TrackScreen)
	}
	return nil
}

// screenEndedByOS propagates the user stopping the share via the OS chrome
// as an implicit toggle-off.
func (c *Controller) screenEndedByOS() {
	log.Info().Str("module", "app.controller").Msg("screen share ended by user")
	go func() {
		if err := c.ToggleScreenShare(false); err != nil && !errors.Is(err, ErrNoActiveCall) {
			log.Error().Err(err).Str("module", "app.controller").Msg("screen toggle off")
		}
	}()
}

// fanOutVideo pushes the given track into every session's video slot.
// nil clears the slot. Sessions gaining a video sender for the first time
// after connecting get a fresh offer.
func (c *Controller) fanOutVideo(track webrtc.TrackLocal) {
	for _, sess := range c.reg.All() {
		conn := sess.Conn()
		if sess.VideoAttached() {
			if err := conn.ReplaceVideo(track); err != nil {
				log.Error().Err(err).Str("module", "app.controller").Str("peer", string(sess.Peer)).Msg("video replace")
			}
			continue
		}
		if track == nil {
			continue
		}
		if err := conn.AttachVideo(track); err != nil {
			log.Error().Err(err).Str("module", "app.controller").Str("peer", string(sess.Peer)).Msg("video attach")
			continue
		}
		sess.markVideoAttached()
		if sess.State() == StateConnected {
			c.neg.Renegotiate(sess)
		}
	}
}

// onRosterEvent keeps session membership equal to the set of participants
// the call has chosen to connect to. Late joiners are initiated toward by
// whichever side has the lexicographically smaller id.
func (c *Controller) onRosterEvent(evt roster.Event) {
	if c.State() != CallCalling {
		return
	}
	callCtx := c.currentCallCtx()

	switch evt.Type {
	case roster.EventJoined:
		c.connectLateJoiner(callCtx, evt.Participant.ID)
	case roster.EventLeft:
		c.reg.Remove(evt.Participant.ID)
	case roster.EventSnapshot:
		online := make(map[domain.ParticipantID]bool, len(evt.Snapshot))
		for _, p := range evt.Snapshot {
			online[p.ID] = true
		}
		for _, sess := range c.reg.All() {
			if !online[sess.Peer] {
				c.reg.Remove(sess.Peer)
			}
		}
		for _, p := range evt.Snapshot {
			if _, ok := c.reg.Get(p.ID); !ok {
				c.connectLateJoiner(callCtx, p.ID)
			}
		}
	}
}

func (c *Controller) connectLateJoiner(ctx context.Context, peer domain.ParticipantID) {
	if peer == c.self {
		return
	}
	if c.self >= peer {
		// The smaller id initiates; this side waits for their offer.
		return
	}
	if err := c.neg.Initiate(ctx, peer); err != nil {
		log.Warn().Err(err).Str("module", "app.controller").Str("peer", string(peer)).Msg("late joiner initiate")
	}
}

func (c *Controller) onSessionDown(peer domain.ParticipantID, err error) {
	log.Warn().Err(err).Str("module", "app.controller").Str("peer", string(peer)).Msg("session down")
	switch c.policy.OnSessionFailure(peer, err) {
	case DropPeer:
		c.reg.Remove(peer)
	case NoAction:
	}
}

// AttachRenderer registers where peer's incoming media goes. Tracks already
// received are delivered immediately.
func (c *Controller) AttachRenderer(peer domain.ParticipantID, sink core.RemoteSink) {
	c.sinksMu.Lock()
	c.sinks[peer] = sink
	c.sinksMu.Unlock()

	if sess, ok := c.reg.Get(peer); ok {
		for _, track := range sess.RemoteTracks() {
			sink.OnRemoteTrack(peer, track)
		}
	}
}

// AttachPreview registers the local self-view sink and delivers any tracks
// already held.
func (c *Controller) AttachPreview(sink core.PreviewSink) {
	c.sinksMu.Lock()
	c.preview = sink
	c.sinksMu.Unlock()

	if cam := c.media.Camera(); cam != nil {
		sink.OnPreview(domain.TrackCamera, cam)
	}
	if scr := c.media.Screen(); scr != nil {
		sink.OnPreview(domain.TrackScreen, scr)
	}
}

func (c *Controller) previewSink() core.PreviewSink {
	c.sinksMu.RLock()
	defer c.sinksMu.RUnlock()
	return c.preview
}

func (c *Controller) deliverRemote(peer domain.ParticipantID, track *webrtc.TrackRemote) {
	c.sinksMu.RLock()
	sink := c.sinks[peer]
	c.sinksMu.RUnlock()
	if sink != nil {
		sink.OnRemoteTrack(peer, track)
	}
}

func (c *Controller) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is the read-only view exposed on the control API.
type Status struct {
	State    string            `json:"state"`
	Media    media.State       `json:"media"`
	Sessions map[string]string `json:"sessions"`
}

func (c *Controller) Status() Status {
	sessions := make(map[string]string)
	for _, sess := range c.reg.All() {
		sessions[string(sess.Peer)] = sess.State().String()
	}
	return Status{
		State:    c.State().String(),
		Media:    c.media.State(),
		Sessions: sessions,
	}
}
