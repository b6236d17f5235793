// Package media owns the local audio, camera and screen-capture tracks.
// No other component starts, stops or mutes them.
package media

import (
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Track is a local capture track that can be attached to peer connections
// and must be closed when released.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// DeviceProvider is the seam between the manager and the capture drivers.
// Acquisition may block pending user/OS consent and must surface denial as
// domain.ErrPermissionDenied, not a generic failure.
type DeviceProvider interface {
	OpenMicrophone() (Track, error)
	OpenCamera() (Track, error)
	// OpenScreen registers onEnded to fire when the user stops sharing via
	// the OS chrome; the manager propagates it as an implicit toggle-off.
	OpenScreen(onEnded func()) (Track, error)
	// Populate registers the provider's codecs on a pion MediaEngine.
	Populate(me *webrtc.MediaEngine) error
}

// State is a read-only snapshot of what is currently held and enabled.
type State struct {
	AudioHeld    bool `json:"audio_held"`
	AudioEnabled bool `json:"audio_enabled"`
	CameraOn     bool `json:"camera_on"`
	ScreenOn     bool `json:"screen_on"`
}

type Manager struct {
	provider DeviceProvider

	mu           sync.Mutex
	audio        Track
	camera       Track
	screen       Track
	audioEnabled bool
}

func NewManager(provider DeviceProvider) *Manager {
	return &Manager{provider: provider}
}

// AcquireAudio opens the microphone. Re-acquiring while held returns the
// existing track.
func (m *Manager) AcquireAudio() (Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio != nil {
		return m.audio, nil
	}
	t, err := m.provider.OpenMicrophone()
	if err != nil {
		return nil, err
	}
	m.audio = t
	m.audioEnabled = true
	log.Info().Str("module", "media").Msg("audio acquired")
	return t, nil
}

func (m *Manager) AcquireCamera() (Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera != nil {
		return m.camera, nil
	}
	t, err := m.provider.OpenCamera()
	if err != nil {
		return nil, err
	}
	m.camera = t
	log.Info().Str("module", "media").Msg("camera acquired")
	return t, nil
}

func (m *Manager) AcquireScreen(onEnded func()) (Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen != nil {
		return m.screen, nil
	}
	t, err := m.provider.OpenScreen(onEnded)
	if err != nil {
		return nil, err
	}
	m.screen = t
	log.Info().Str("module", "media").Msg("screen capture acquired")
	return t, nil
}

// SetAudioEnabled mutes or unmutes without releasing the device.
func (m *Manager) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioEnabled = enabled
	m.mu.Unlock()
	log.Info().Str("module", "media").Bool("enabled", enabled).Msg("audio enablement")
}

func (m *Manager) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *Manager) Audio() Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

func (m *Manager) Camera() Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera
}

func (m *Manager) Screen() Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

// ActiveVideo returns the track that should occupy the outbound video slot.
// Screen capture takes precedence over the camera while both are held.
func (m *Manager) ActiveVideo() (Track, domain.TrackKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen != nil {
		return m.screen, domain.TrackScreen
	}
	if m.camera != nil {
		return m.camera, domain.TrackCamera
	}
	return nil, ""
}

// Held reports whether any local media is currently acquired.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio != nil || m.camera != nil || m.screen != nil
}

func (m *Manager) ReleaseCamera() {
	m.mu.Lock()
	t := m.camera
	m.camera = nil
	m.mu.Unlock()
	closeTrack(t, "camera")
}

func (m *Manager) ReleaseScreen() {
	m.mu.Lock()
	t := m.screen
	m.screen = nil
	m.mu.Unlock()
	closeTrack(t, "screen")
}

// ReleaseAll stops every held track. Idempotent, safe when nothing is held.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	audio, camera, screen := m.audio, m.camera, m.screen
	m.audio, m.camera, m.screen = nil, nil, nil
	m.audioEnabled = false
	m.mu.Unlock()
	closeTrack(audio, "audio")
	closeTrack(camera, "camera")
	closeTrack(screen, "screen")
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		AudioHeld:    m.audio != nil,
		AudioEnabled: m.audioEnabled,
		CameraOn:     m.camera != nil,
		ScreenOn:     m.screen != nil,
	}
}

func closeTrack(t Track, kind string) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Str("kind", kind).Msg("track close")
	} else {
		log.Info().Str("module", "media").Str("kind", kind).Msg("track released")
	}
}
