package webrtc

import (
	"context"
	"fmt"
	"time"

	"callcore/native/internal/domain"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrame = 20 * time.Millisecond

// SyntheticCapture produces an Opus silence track and, for video calls, an
// idle VP8 track. It needs no devices or permissions.
// It implements domain.MediaCapture.
type SyntheticCapture struct {
	log zerolog.Logger
}

func NewSyntheticCapture(logger *zerolog.Logger) *SyntheticCapture {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &SyntheticCapture{log: l.With().Str("module", "capture").Str("source", "synthetic").Logger()}
}

func (c *SyntheticCapture) Acquire(ctx context.Context, kind domain.MediaKind) (domain.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.MediaError{Kind: kind, Err: err}
	}
	if !kind.Valid() {
		return nil, &domain.MediaError{Kind: kind, Err: domain.ErrInvalidKind}
	}

	streamID := "synthetic-" + uuid.NewString()
	audio, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, &domain.MediaError{Kind: kind, Err: fmt.Errorf("create audio track: %w", err)}
	}
	tracks := []pion.TrackLocal{audio}

	if kind == domain.KindVideo {
		video, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, &domain.MediaError{Kind: kind, Err: fmt.Errorf("create video track: %w", err)}
		}
		tracks = append(tracks, video)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(opusFrame)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
					c.log.Debug().Err(err).Msg("write silence")
				}
			}
		}
	}()

	c.log.Info().Str("stream", streamID).Str("kind", string(kind)).Msg("synthetic media ready")
	stop := func() {
		cancel()
		<-done
	}
	return NewLocalStream(streamID, kind, tracks, stop, c.log), nil
}
