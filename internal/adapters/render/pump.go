// Package render moves remote RTP onto local static tracks a rendering
// layer can consume.
package render

import (
	"context"
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pump copies one remote track packet-by-packet onto a TrackLocalStaticRTP.
// It stops on context cancel or the first read error.
type Pump struct {
	src *webrtc.TrackRemote
	out *webrtc.TrackLocalStaticRTP

	// OnPacket, if set, observes every forwarded packet.
	OnPacket func(*rtp.Packet)
}

func NewPump(src *webrtc.TrackRemote) (*Pump, error) {
	out, err := webrtc.NewTrackLocalStaticRTP(src.Codec().RTPCodecCapability, src.ID(), src.StreamID())
	if err != nil {
		return nil, err
	}
	return &Pump{src: src, out: out}, nil
}

// Out is the local track fed by the pump.
func (p *Pump) Out() *webrtc.TrackLocalStaticRTP { return p.out }

func (p *Pump) Run(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("pump ctx done")
			return
		default:
		}
		pkt, _, err := p.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("pump read RTP, stopping")
			return
		}
		if err := p.out.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("pump write RTP, stopping")
			return
		}
		if p.OnPacket != nil {
			p.OnPacket(pkt)
		}
	}
}

// Sink adapts Pump into a core.RemoteSink: every incoming remote track gets
// its own pump, and the produced local track is handed to deliver. A track
// replacement for the same peer and kind stops the previous pump.
type Sink struct {
	ctx     context.Context
	deliver func(peer domain.ParticipantID, kind webrtc.RTPCodecType, track *webrtc.TrackLocalStaticRTP)

	mu    sync.Mutex
	stops map[string]context.CancelFunc
}

func NewSink(ctx context.Context, deliver func(domain.ParticipantID, webrtc.RTPCodecType, *webrtc.TrackLocalStaticRTP)) *Sink {
	return &Sink{
		ctx:     ctx,
		deliver: deliver,
		stops:   make(map[string]context.CancelFunc),
	}
}

func (s *Sink) OnRemoteTrack(peer domain.ParticipantID, track *webrtc.TrackRemote) {
	pump, err := NewPump(track)
	if err != nil {
		log.Error().Err(err).Str("module", "render").Str("peer", string(peer)).Msg("pump create")
		return
	}

	key := string(peer) + "/" + track.Kind().String()
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if prev, ok := s.stops[key]; ok {
		prev()
	}
	s.stops[key] = cancel
	s.mu.Unlock()

	logger := log.With().
		Str("module", "render").
		Str("peer", string(peer)).
		Str("kind", track.Kind().String()).
		Logger()
	go pump.Run(ctx, &logger)

	if s.deliver != nil {
		s.deliver(peer, track.Kind(), pump.Out())
	}
}

// Release stops every pump belonging to peer.
func (s *Sink) Release(peer domain.ParticipantID) {
	prefix := string(peer) + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, stop := range s.stops {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			stop()
			delete(s.stops, key)
		}
	}
}
