//go:build !linux || !cgo

package media

import (
	"fmt"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// stubProvider stands in on platforms without capture drivers wired up.
// Sessions can still be negotiated receive-only.
type stubProvider struct{}

func NewProvider() (DeviceProvider, error) {
	return stubProvider{}, nil
}

func (stubProvider) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (stubProvider) OpenMicrophone() (Track, error) {
	return nil, fmt.Errorf("%w: no capture driver on this platform", domain.ErrDeviceUnavailable)
}

func (stubProvider) OpenCamera() (Track, error) {
	return nil, fmt.Errorf("%w: no capture driver on this platform", domain.ErrDeviceUnavailable)
}

func (stubProvider) OpenScreen(func()) (Track, error) {
	return nil, fmt.Errorf("%w: no capture driver on this platform", domain.ErrDeviceUnavailable)
}
