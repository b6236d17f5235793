//go:build linux && cgo

package media

import (
	"fmt"
	"strings"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// deviceProvider captures local media via pion/mediadevices (V4L2 + malgo +
// X11 on Linux), encoding VP8 for video and Opus for audio.
type deviceProvider struct {
	selector *mediadevices.CodecSelector
}

func NewProvider() (DeviceProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &deviceProvider{selector: selector}, nil
}

func (p *deviceProvider) Populate(me *webrtc.MediaEngine) error {
	p.selector.Populate(me)
	return nil
}

func (p *deviceProvider) OpenMicrophone() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, classifyDevice(err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track in stream", domain.ErrDeviceUnavailable)
	}
	return tracks[0], nil
}

func (p *deviceProvider) OpenCamera() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG; some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		return nil, classifyDevice(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no video track in stream", domain.ErrDeviceUnavailable)
	}
	return tracks[0], nil
}

func (p *deviceProvider) OpenScreen(onEnded func()) (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, classifyScreen(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no screen track in stream", domain.ErrDeviceUnavailable)
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("screen capture ended")
		}
		if onEnded != nil {
			onEnded()
		}
	})
	return track, nil
}

func classifyDevice(err error) error {
	if isPermission(err) {
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
}

func classifyScreen(err error) error {
	if isPermission(err) {
		return fmt.Errorf("%w: %v", domain.ErrCaptureCancelled, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
}

func isPermission(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission") || strings.Contains(msg, "denied")
}
