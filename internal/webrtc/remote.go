package webrtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"callcore/native/internal/domain"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
)

// ErrUnsupportedCodec is returned by Record for codecs without a container.
var ErrUnsupportedCodec = errors.New("no recorder for codec")

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// RemoteTrack is one inbound track of a call.
// It implements domain.RemoteMedia. The track is drained continuously; Record
// additionally writes it to disk.
type RemoteTrack struct {
	track    *pion.TrackRemote
	receiver *pion.RTPReceiver
	kind     domain.MediaKind
	log      zerolog.Logger
	done     chan struct{}

	mu      sync.Mutex
	writer  rtpWriter
	packets uint64

	once sync.Once
}

func newRemoteTrack(track *pion.TrackRemote, receiver *pion.RTPReceiver, logger zerolog.Logger) *RemoteTrack {
	kind := domain.KindAudio
	if track.Kind() == pion.RTPCodecTypeVideo {
		kind = domain.KindVideo
	}
	return &RemoteTrack{
		track:    track,
		receiver: receiver,
		kind:     kind,
		log:      logger.With().Str("track", track.ID()).Logger(),
		done:     make(chan struct{}),
	}
}

func (r *RemoteTrack) ID() string             { return r.track.ID() }
func (r *RemoteTrack) Kind() domain.MediaKind { return r.kind }

// MimeType is the negotiated codec of the track.
func (r *RemoteTrack) MimeType() string { return r.track.Codec().MimeType }

// Packets is the number of RTP packets received so far.
func (r *RemoteTrack) Packets() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Record starts writing the track into dir: IVF for VP8, Annex-B for
// H264 and Ogg for Opus. It returns the file path.
func (r *RemoteTrack) Record(dir string) (string, error) {
	codec := r.track.Codec()
	name := fmt.Sprintf("%s-%d", r.kind, time.Now().UnixNano())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create record dir: %w", err)
	}

	var (
		path string
		w    rtpWriter
		err  error
	)
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(pion.MimeTypeVP8):
		path = filepath.Join(dir, name+".ivf")
		w, err = ivfwriter.New(path)
	case strings.ToLower(pion.MimeTypeH264):
		path = filepath.Join(dir, name+".h264")
		w, err = h264writer.New(path)
	case strings.ToLower(pion.MimeTypeOpus):
		path = filepath.Join(dir, name+".ogg")
		w, err = oggwriter.New(path, codec.ClockRate, codec.Channels)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
	if err != nil {
		return "", fmt.Errorf("open recorder: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != nil {
		w.Close()
		os.Remove(path)
		return "", errors.New("already recording")
	}
	r.writer = w
	r.log.Info().Str("path", path).Msg("recording")
	return path, nil
}

// Release stops the receiver and closes any recording.
func (r *RemoteTrack) Release() {
	r.once.Do(func() {
		if err := r.receiver.Stop(); err != nil {
			r.log.Debug().Err(err).Msg("stop receiver")
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.writer != nil {
			if err := r.writer.Close(); err != nil {
				r.log.Warn().Err(err).Msg("close recorder")
			}
			r.writer = nil
		}
	})
}

func (r *RemoteTrack) readLoop() {
	defer close(r.done)
	for {
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug().Err(err).Msg("track read ended")
			}
			return
		}

		r.mu.Lock()
		r.packets++
		if r.writer != nil {
			if err := r.writer.WriteRTP(pkt); err != nil {
				r.log.Warn().Err(err).Msg("record packet")
			}
		}
		r.mu.Unlock()
	}
}
