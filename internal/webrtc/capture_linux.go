//go:build linux && cgo

package webrtc

import (
	"context"
	"fmt"

	"callcore/native/internal/domain"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DeviceCapture opens the camera and microphone through pion/mediadevices
// (V4L2 and malgo) and encodes them as VP8 and Opus.
// It implements domain.MediaCapture.
type DeviceCapture struct {
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

func NewDeviceCapture(logger *zerolog.Logger) (*DeviceCapture, error) {
	l := log.Logger
	if logger != nil {
		l = *logger
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceCapture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: l.With().Str("module", "capture").Str("source", "device").Logger(),
	}, nil
}

func (c *DeviceCapture) Acquire(ctx context.Context, kind domain.MediaKind) (domain.LocalMedia, error) {
	if err := c.checkDevices(kind); err != nil {
		return nil, &domain.MediaError{Kind: kind, Err: err}
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if kind == domain.KindVideo {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras yield frames the
			// VP8 encoder cannot take.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		ch <- result{stream, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// Close whatever the device layer hands back later.
		go func() {
			if r := <-ch; r.err == nil {
				closeTracks(r.stream.GetTracks())
			}
		}()
		return nil, &domain.MediaError{Kind: kind, Err: ctx.Err()}
	}
	if res.err != nil {
		c.log.Warn().Err(res.err).Str("kind", string(kind)).Msg("GetUserMedia failed")
		return nil, &domain.MediaError{Kind: kind, Err: classifyDeviceError(res.err)}
	}

	devTracks := res.stream.GetTracks()
	if len(devTracks) == 0 {
		return nil, &domain.MediaError{Kind: kind, Err: domain.ErrDeviceNotFound}
	}
	tracks := make([]pion.TrackLocal, 0, len(devTracks))
	for _, t := range devTracks {
		t.OnEnded(func(err error) {
			if err != nil {
				c.log.Warn().Err(err).Str("track", t.ID()).Msg("local track ended")
			}
		})
		tracks = append(tracks, t)
	}

	id := "device-" + devTracks[0].StreamID()
	c.log.Info().Str("stream", id).Int("tracks", len(tracks)).Msg("local media captured")
	return NewLocalStream(id, kind, tracks, func() { closeTracks(devTracks) }, c.log), nil
}

// checkDevices fails with ErrDeviceNotFound when a required input is absent,
// before GetUserMedia reports it less precisely.
func (c *DeviceCapture) checkDevices(kind domain.MediaKind) error {
	var audio, video bool
	for _, d := range mediadevices.EnumerateDevices() {
		c.log.Debug().Str("label", d.Label).Int("kind", int(d.Kind)).Msg("media device")
		switch d.Kind {
		case mediadevices.AudioInput:
			audio = true
		case mediadevices.VideoInput:
			video = true
		}
	}
	if !audio {
		return fmt.Errorf("%w: no microphone", domain.ErrDeviceNotFound)
	}
	if kind == domain.KindVideo && !video {
		return fmt.Errorf("%w: no camera", domain.ErrDeviceNotFound)
	}
	return nil
}

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		t.Close()
	}
}
