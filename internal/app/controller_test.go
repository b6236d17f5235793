package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/media"
	"github.com/dkeye/Mesh/internal/roster"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	ctrl      *Controller
	neg       *Negotiator
	reg       *Registry
	factory   *fakeFactory
	transport *fakeTransport
	mgr       *media.Manager
	provider  *fakeProvider
	table     *roster.Table
}

func newTestRig(t *testing.T, self domain.ParticipantID, online ...domain.ParticipantID) *testRig {
	t.Helper()
	factory := newFakeFactory()
	transport := newFakeTransport()
	provider := &fakeProvider{}
	mgr := media.NewManager(provider)
	reg := NewRegistry(factory.new)
	neg := NewNegotiator(self, reg, transport, mgr)
	table := roster.NewTable()

	table.Join(domain.Participant{ID: self, Name: string(self)})
	for _, id := range online {
		table.Join(domain.Participant{ID: id, Name: string(id)})
	}

	ctrl := NewController(self, mgr, reg, neg, table, transport, DropPolicy{})
	return &testRig{
		ctrl: ctrl, neg: neg, reg: reg,
		factory: factory, transport: transport,
		mgr: mgr, provider: provider, table: table,
	}
}

// answer lets the named peer accept the pending offer and complete the link.
func (r *testRig) answer(t *testing.T, peer domain.ParticipantID) {
	t.Helper()
	r.neg.HandleEnvelope(context.Background(), descEnvelope(t, domain.KindAnswer, peer, r.ctrl.self, webrtc.SDPTypeAnswer))
	r.factory.conn(peer).fireConnected()
}

func TestStartCallInitiatesTowardEveryOnlinePeer(t *testing.T) {
	rig := newTestRig(t, "alice", "bob", "carol")

	require.NoError(t, rig.ctrl.StartCall())
	require.Equal(t, CallCalling, rig.ctrl.State())
	require.True(t, rig.mgr.AudioEnabled())
	require.Equal(t, 2, rig.reg.Count())

	offers := rig.transport.ofKind(domain.KindOffer)
	require.Len(t, offers, 2)
	targets := map[domain.ParticipantID]bool{}
	for _, env := range offers {
		targets[env.To] = true
		require.Equal(t, domain.ParticipantID("alice"), env.From)
	}
	require.True(t, targets["bob"])
	require.True(t, targets["carol"])

	require.ErrorIs(t, rig.ctrl.StartCall(), ErrCallActive)
}

func TestStartCallAbortsOnDeviceDenial(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	rig.provider.micErr = domain.ErrPermissionDenied

	err := rig.ctrl.StartCall()
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	require.Equal(t, CallIdle, rig.ctrl.State())
	require.Equal(t, 0, rig.reg.Count())
	require.Empty(t, rig.transport.ofKind(domain.KindOffer))
}

func TestOnePeerAnsweringDoesNotAffectTheOther(t *testing.T) {
	rig := newTestRig(t, "alice", "bob", "carol")
	require.NoError(t, rig.ctrl.StartCall())

	rig.answer(t, "bob")

	bob, _ := rig.reg.Get("bob")
	require.Equal(t, StateConnected, bob.State())
	carol, _ := rig.reg.Get("carol")
	require.Equal(t, StateOfferSent, carol.State())

	status := rig.ctrl.Status()
	require.Equal(t, "calling", status.State)
	require.Equal(t, "connected", status.Sessions["bob"])
	require.Equal(t, "offer-sent", status.Sessions["carol"])
}

func TestEndCallTearsEverythingDown(t *testing.T) {
	rig := newTestRig(t, "alice", "bob", "carol")
	require.NoError(t, rig.ctrl.StartCall())
	rig.answer(t, "bob")
	audio := rig.mgr.Audio().(*fakeTrack)

	rig.ctrl.EndCall()

	require.Equal(t, CallIdle, rig.ctrl.State())
	require.Equal(t, 0, rig.reg.Count())
	require.True(t, rig.factory.conn("bob").isClosed())
	require.True(t, rig.factory.conn("carol").isClosed())
	require.True(t, audio.isClosed())
	require.False(t, rig.mgr.Held())
	require.Len(t, rig.transport.ofKind(domain.KindHangup), 2)

	// Ending an idle controller does nothing.
	rig.ctrl.EndCall()
	require.Len(t, rig.transport.ofKind(domain.KindHangup), 2)
}

func TestToggleMuteOnlyGatesSenders(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	require.NoError(t, rig.ctrl.StartCall())
	rig.answer(t, "bob")

	conn := rig.factory.conn("bob")
	gen, _ := rig.reg.Get("bob")
	offersBefore := conn.offerCount()

	muted, err := rig.ctrl.ToggleMute()
	require.NoError(t, err)
	require.True(t, muted)
	require.False(t, rig.mgr.AudioEnabled())
	require.NotNil(t, rig.mgr.Audio())

	gates := conn.audioGates()
	require.Equal(t, false, gates[len(gates)-1])

	// Same session, same connection, no renegotiation.
	require.Same(t, conn, rig.factory.conn("bob"))
	require.True(t, rig.reg.Matches("bob", gen.Gen))
	require.Equal(t, offersBefore, conn.offerCount())

	muted, err = rig.ctrl.ToggleMute()
	require.NoError(t, err)
	require.False(t, muted)
	gates = conn.audioGates()
	require.Equal(t, true, gates[len(gates)-1])
}

func TestToggleMuteRequiresActiveCall(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	_, err := rig.ctrl.ToggleMute()
	require.ErrorIs(t, err, ErrNoActiveCall)
}

func TestVideoAttachTriggersRenegotiationOnce(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	require.NoError(t, rig.ctrl.StartCall())
	rig.answer(t, "bob")

	conn := rig.factory.conn("bob")
	require.Equal(t, 1, conn.offerCount())

	require.NoError(t, rig.ctrl.ToggleVideo(true))
	require.NotNil(t, rig.mgr.Camera())
	require.Len(t, conn.videoTracks, 1)
	require.Equal(t, 2, conn.offerCount())
}

func TestScreenShareSwapsInPlace(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	require.NoError(t, rig.ctrl.StartCall())
	rig.answer(t, "bob")
	require.NoError(t, rig.ctrl.ToggleVideo(true))

	conn := rig.factory.conn("bob")
	offersAfterCamera := conn.offerCount()
	cam := rig.mgr.Camera()

	require.NoError(t, rig.ctrl.ToggleScreenShare(true))
	scr := rig.mgr.Screen()
	require.NotNil(t, scr)

	// Swap reuses the existing sender on the same connection.
	require.Same(t, conn, rig.factory.conn("bob"))
	replaced := conn.replacedVideo()
	require.Len(t, replaced, 1)
	require.Equal(t, scr, replaced[0])
	require.Equal(t, offersAfterCamera, conn.offerCount())

	// Camera stays held underneath and is restored when sharing stops.
	require.Same(t, cam, rig.mgr.Camera())
	require.NoError(t, rig.ctrl.ToggleScreenShare(false))
	replaced = conn.replacedVideo()
	require.Equal(t, cam, replaced[len(replaced)-1])
	require.Nil(t, rig.mgr.Screen())
}

func TestCameraOffClearsVideoSlot(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	require.NoError(t, rig.ctrl.StartCall())
	rig.answer(t, "bob")
	require.NoError(t, rig.ctrl.ToggleVideo(true))

	require.NoError(t, rig.ctrl.ToggleVideo(false))
	conn := rig.factory.conn("bob")
	replaced := conn.replacedVideo()
	require.NotEmpty(t, replaced)
	require.Nil(t, replaced[len(replaced)-1])
	require.Nil(t, rig.mgr.Camera())
}

func TestScreenEndedByOSTogglesOff(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	require.NoError(t, rig.ctrl.StartCall())
	rig.answer(t, "bob")
	require.NoError(t, rig.ctrl.ToggleScreenShare(true))
	require.NotNil(t, rig.mgr.Screen())

	rig.provider.endScreen()

	require.Eventually(t, func() bool {
		return rig.mgr.Screen() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPeerLeaveRemovesOnlyThatSession(t *testing.T) {
	rig := newTestRig(t, "alice", "bob", "carol")
	require.NoError(t, rig.ctrl.StartCall())
	rig.answer(t, "bob")
	rig.answer(t, "carol")

	rig.ctrl.onRosterEvent(roster.Event{
		Type:        roster.EventLeft,
		Participant: &domain.Participant{ID: "bob"},
	})

	require.Equal(t, CallCalling, rig.ctrl.State())
	require.Equal(t, 1, rig.reg.Count())
	require.True(t, rig.factory.conn("bob").isClosed())
	carol, ok := rig.reg.Get("carol")
	require.True(t, ok)
	require.Equal(t, StateConnected, carol.State())
}

func TestLateJoinerTieBreak(t *testing.T) {
	rig := newTestRig(t, "bob")
	require.NoError(t, rig.ctrl.StartCall())

	// bob > alice: alice initiates, this side waits.
	rig.ctrl.onRosterEvent(roster.Event{
		Type:        roster.EventJoined,
		Participant: &domain.Participant{ID: "alice"},
	})
	require.Equal(t, 0, rig.reg.Count())

	// bob < carol: this side initiates.
	rig.ctrl.onRosterEvent(roster.Event{
		Type:        roster.EventJoined,
		Participant: &domain.Participant{ID: "carol"},
	})
	require.Equal(t, 1, rig.reg.Count())
	offers := rig.transport.ofKind(domain.KindOffer)
	require.Len(t, offers, 1)
	require.Equal(t, domain.ParticipantID("carol"), offers[0].To)
}

func TestSnapshotReconcilesSessions(t *testing.T) {
	rig := newTestRig(t, "alice", "bob", "carol")
	require.NoError(t, rig.ctrl.StartCall())
	require.Equal(t, 2, rig.reg.Count())

	// bob gone, dave new.
	rig.ctrl.onRosterEvent(roster.Event{
		Type: roster.EventSnapshot,
		Snapshot: []domain.Participant{
			{ID: "alice", Online: true},
			{ID: "carol", Online: true},
			{ID: "dave", Online: true},
		},
	})

	_, ok := rig.reg.Get("bob")
	require.False(t, ok)
	_, ok = rig.reg.Get("carol")
	require.True(t, ok)
	_, ok = rig.reg.Get("dave")
	require.True(t, ok)
	require.True(t, rig.factory.conn("bob").isClosed())
}

func TestRosterEventsIgnoredWhileIdle(t *testing.T) {
	rig := newTestRig(t, "alice")

	rig.ctrl.onRosterEvent(roster.Event{
		Type:        roster.EventJoined,
		Participant: &domain.Participant{ID: "bob"},
	})
	require.Equal(t, 0, rig.reg.Count())
	require.Empty(t, rig.transport.ofKind(domain.KindOffer))
}

func TestConnectionLossDropsPeer(t *testing.T) {
	rig := newTestRig(t, "alice", "bob", "carol")
	require.NoError(t, rig.ctrl.StartCall())
	rig.answer(t, "bob")
	rig.answer(t, "carol")

	rig.factory.conn("bob").fireClosed()

	_, ok := rig.reg.Get("bob")
	require.False(t, ok)
	_, ok = rig.reg.Get("carol")
	require.True(t, ok)
	require.Equal(t, CallCalling, rig.ctrl.State())
}

func TestAttachRendererRoutesRemoteMedia(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	sink := &fakeRemoteSink{}
	rig.ctrl.AttachRenderer("bob", sink)

	rig.ctrl.deliverRemote("bob", nil)
	require.Equal(t, 1, sink.count())

	// A peer without a renderer delivers nowhere.
	rig.ctrl.deliverRemote("carol", nil)
	require.Equal(t, 1, sink.count())

	// Re-registering replaces the renderer for that peer.
	second := &fakeRemoteSink{}
	rig.ctrl.AttachRenderer("bob", second)
	rig.ctrl.deliverRemote("bob", nil)
	require.Equal(t, 1, sink.count())
	require.Equal(t, 1, second.count())
}

func TestAttachPreviewDeliversHeldTracks(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	require.NoError(t, rig.ctrl.StartCall())
	require.NoError(t, rig.ctrl.ToggleVideo(true))

	preview := &fakePreview{}
	rig.ctrl.AttachPreview(preview)
	require.Contains(t, preview.started, domain.TrackCamera)

	rig.ctrl.EndCall()
	require.Contains(t, preview.ended, domain.TrackCamera)
}

func TestRunLoopRoutesEnvelopesAndRosterEvents(t *testing.T) {
	rig := newTestRig(t, "alice", "bob")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rig.ctrl.Run(ctx)
		close(done)
	}()

	// Run subscribes asynchronously; injecting before that drops the envelope.
	require.Eventually(t, func() bool {
		return rig.transport.subscriberCount() > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, rig.ctrl.StartCall())
	rig.transport.inject(descEnvelope(t, domain.KindAnswer, "bob", "alice", webrtc.SDPTypeAnswer))

	require.Eventually(t, func() bool {
		sess, ok := rig.reg.Get("bob")
		return ok && sess.State() == StateAnswerExchanged
	}, time.Second, 10*time.Millisecond)

	rig.table.Leave("bob")
	require.Eventually(t, func() bool {
		return rig.reg.Count() == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, CallIdle, rig.ctrl.State())
}
