package webrtc

import (
	"sync"

	"callcore/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type localTrack struct {
	track  pion.TrackLocal
	kind   domain.MediaKind
	sender *pion.RTPSender
}

// LocalStream is a set of captured tracks.
// It implements domain.LocalMedia. Disabling a kind replaces its sender's
// track with nil, which stops sending without renegotiation.
type LocalStream struct {
	id   string
	kind domain.MediaKind
	log  zerolog.Logger

	mu       sync.Mutex
	tracks   []*localTrack
	disabled map[domain.MediaKind]bool

	once sync.Once
	stop func()
}

// NewLocalStream wraps tracks captured for a call of the given kind. stop is
// called once on Release.
func NewLocalStream(id string, kind domain.MediaKind, tracks []pion.TrackLocal, stop func(), logger zerolog.Logger) *LocalStream {
	s := &LocalStream{
		id:       id,
		kind:     kind,
		log:      logger,
		disabled: make(map[domain.MediaKind]bool),
		stop:     stop,
	}
	for _, t := range tracks {
		k := domain.KindAudio
		if t.Kind() == pion.RTPCodecTypeVideo {
			k = domain.KindVideo
		}
		s.tracks = append(s.tracks, &localTrack{track: t, kind: k})
	}
	return s
}

func (s *LocalStream) ID() string             { return s.id }
func (s *LocalStream) Kind() domain.MediaKind { return s.kind }

func (s *LocalStream) SetAudioEnabled(enabled bool) { s.setEnabled(domain.KindAudio, enabled) }
func (s *LocalStream) SetVideoEnabled(enabled bool) { s.setEnabled(domain.KindVideo, enabled) }

// Enabled reports whether tracks of kind k are being sent.
func (s *LocalStream) Enabled(k domain.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled[k]
}

func (s *LocalStream) Release() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.log.Debug().Str("stream", s.id).Msg("local media released")
	})
}

func (s *LocalStream) setEnabled(k domain.MediaKind, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled[k] == !enabled {
		return
	}
	s.disabled[k] = !enabled
	for _, t := range s.tracks {
		if t.kind == k && t.sender != nil {
			s.applyLocked(t)
		}
	}
}

func (s *LocalStream) localTracks() []*localTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*localTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// bind records the sender carrying t and applies the current toggle state.
func (s *LocalStream) bind(t *localTrack, sender *pion.RTPSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.sender = sender
	if s.disabled[t.kind] {
		s.applyLocked(t)
	}
}

func (s *LocalStream) applyLocked(t *localTrack) {
	var track pion.TrackLocal
	if !s.disabled[t.kind] {
		track = t.track
	}
	if err := t.sender.ReplaceTrack(track); err != nil {
		s.log.Warn().Err(err).Str("kind", string(t.kind)).Msg("replace track")
	}
}
