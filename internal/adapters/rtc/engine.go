// Package rtc wraps pion PeerConnections behind core.MediaConnection.
package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Engine holds the shared webrtc API (codecs, interceptors, ICE settings)
// and the static ICE server list supplied at construction.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// NewEngine builds the API once for all connections. populate registers the
// codecs the capture layer encodes with; nil falls back to pion defaults.
func NewEngine(iceServers []string, populate func(*webrtc.MediaEngine) error) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if populate != nil {
		if err := populate(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is too
	// short for relay paths with short outages.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &Engine{
		api: api,
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
	}, nil
}

// NewConnection creates a connection for one remote participant.
// Satisfies core.ConnectionFactory.
func (e *Engine) NewConnection(peer domain.ParticipantID) (core.MediaConnection, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &Connection{pc: pc, peer: peer}, nil
}
