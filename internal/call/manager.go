package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"callcore/native/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config wires a Manager to its collaborators.
type Config struct {
	// LocalPeerID is this client's identity on the signaling server.
	LocalPeerID string
	Transport   domain.Transport
	Capture     domain.MediaCapture
	Peers       domain.PeerFactory
	Logger      *zerolog.Logger
	// NewSessionID defaults to uuid.NewString.
	NewSessionID func() string
}

type subscription struct {
	t  domain.MessageType
	id domain.ListenerID
}

type observer struct {
	id int
	fn func(domain.Snapshot)
}

// Manager owns at most one call session and drives it through
// Idle → Calling/Ringing → Connected → Ended → Idle.
//
// All state lives under mu. Suspending work (media acquisition) runs with mu
// released and re-checks the session generation when it resumes; platform
// callbacks carry the generation they were created for. Observers are
// notified outside mu, in transition order.
type Manager struct {
	localID   string
	transport domain.Transport
	capture   domain.MediaCapture
	peers     domain.PeerFactory
	newID     func() string
	log       zerolog.Logger

	mu         sync.Mutex
	gen        uint64
	sess       *session
	outbox     []domain.Snapshot
	delivering bool
	subs       []subscription
	closed     bool

	obsMu     sync.Mutex
	observers []observer
	nextObs   int
}

// NewManager creates a Manager and subscribes it to the signaling messages of
// cfg.Transport.
func NewManager(cfg Config) *Manager {
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	newID := cfg.NewSessionID
	if newID == nil {
		newID = uuid.NewString
	}

	m := &Manager{
		localID:   cfg.LocalPeerID,
		transport: cfg.Transport,
		capture:   cfg.Capture,
		peers:     cfg.Peers,
		newID:     newID,
		log:       l.With().Str("module", "call").Str("peer", cfg.LocalPeerID).Logger(),
	}
	for _, t := range []domain.MessageType{
		domain.TypeCallOffer,
		domain.TypeCallAnswer,
		domain.TypeICECandidate,
		domain.TypeCallEnded,
		domain.TypeCallRejected,
	} {
		m.subs = append(m.subs, subscription{t: t, id: cfg.Transport.On(t, m.handleMessage)})
	}
	return m
}

// Close ends any active call and detaches the manager from the transport.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	var release func()
	if s := m.sess; s != nil {
		release = m.endLocked(s, domain.EndLocalHangup, nil, m.endedMessage(s))
	}
	m.unlock(release)

	for _, sub := range subs {
		m.transport.Off(sub.t, sub.id)
	}
}

// OnStateChange registers fn to receive every snapshot from now on. The
// returned function removes it.
func (m *Manager) OnStateChange(fn func(domain.Snapshot)) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObs++
	id := m.nextObs
	m.observers = append(m.observers, observer{id: id, fn: fn})

	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// GetCallState returns the current snapshot.
func (m *Manager) GetCallState() domain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// InitiateCall starts an outgoing call to peerID. It returns once the offer
// has been sent, or with the error that ended the attempt.
func (m *Manager) InitiateCall(ctx context.Context, peerID string, kind domain.MediaKind) error {
	if peerID == "" || peerID == m.localID {
		return domain.ErrNoPeer
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrCallEnded
	}
	if m.sess != nil {
		m.mu.Unlock()
		return domain.ErrBusy
	}
	s := m.newSessionLocked(m.newID(), domain.RoleInitiator, kind, peerID, domain.StatusCalling)
	gen := s.gen
	m.log.Info().Str("session", s.id).Str("remote", peerID).Str("kind", string(kind)).Msg("calling")
	m.emitLocked(s.snapshot(m.localID))
	m.unlock(nil)

	local, err := m.capture.Acquire(ctx, kind)

	m.mu.Lock()
	s = m.currentLocked(gen)
	if s == nil {
		m.unlock(nil)
		if local != nil {
			local.Release()
		}
		return domain.ErrCallEnded
	}
	if err != nil {
		merr := mediaError(kind, err)
		m.log.Warn().Err(merr).Str("session", s.id).Msg("media acquisition failed")
		release := m.endLocked(s, domain.EndMediaFailed, merr, nil)
		m.unlock(release)
		return merr
	}
	m.attachLocalLocked(s, local)

	if err := m.startPeerLocked(s); err != nil {
		release := m.endLocked(s, domain.EndNegotiationFailed, err, nil)
		m.unlock(release)
		return err
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		nerr := &domain.NegotiationError{Op: "create offer", Err: err}
		release := m.endLocked(s, domain.EndNegotiationFailed, nerr, nil)
		m.unlock(release)
		return nerr
	}

	m.transport.Send(domain.CallOffer{
		SessionID: s.id,
		From:      m.localID,
		To:        s.remotePeer,
		Kind:      s.kind,
		Offer:     offer,
	})
	m.localSentLocked(s)
	m.emitLocked(s.snapshot(m.localID))
	m.unlock(nil)
	return nil
}

// AcceptCall answers the ringing session. An empty sessionID accepts
// whichever session is ringing.
func (m *Manager) AcceptCall(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, err := m.ringingLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.accepting {
		m.mu.Unlock()
		return domain.ErrWrongState
	}
	s.accepting = true
	gen, kind := s.gen, s.kind
	m.mu.Unlock()

	local, err := m.capture.Acquire(ctx, kind)

	m.mu.Lock()
	s = m.currentLocked(gen)
	if s == nil {
		m.unlock(nil)
		if local != nil {
			local.Release()
		}
		return domain.ErrCallEnded
	}
	if err != nil {
		merr := mediaError(kind, err)
		m.log.Warn().Err(merr).Str("session", s.id).Msg("media acquisition failed")
		release := m.endLocked(s, domain.EndMediaFailed, merr, domain.CallRejected{
			SessionID: s.id,
			From:      m.localID,
			To:        s.remotePeer,
			Reason:    "media_unavailable",
		})
		m.unlock(release)
		return merr
	}
	m.attachLocalLocked(s, local)

	answer, err := m.answerLocked(s)
	if err != nil {
		release := m.endLocked(s, domain.EndNegotiationFailed, err, m.endedMessage(s))
		m.unlock(release)
		return err
	}

	m.transport.Send(domain.CallAnswer{
		SessionID: s.id,
		From:      m.localID,
		To:        s.remotePeer,
		Answer:    answer,
	})
	m.localSentLocked(s)
	s.status = domain.StatusConnected
	m.log.Info().Str("session", s.id).Str("remote", s.remotePeer).Msg("connected")
	m.emitLocked(s.snapshot(m.localID))
	m.unlock(nil)
	return nil
}

// RejectCall declines the ringing session.
func (m *Manager) RejectCall(sessionID string) error {
	m.mu.Lock()
	s, err := m.ringingLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.log.Info().Str("session", s.id).Msg("declined")
	release := m.endLocked(s, domain.EndDeclined, nil, domain.CallRejected{
		SessionID: s.id,
		From:      m.localID,
		To:        s.remotePeer,
		Reason:    "declined",
	})
	m.unlock(release)
	return nil
}

// EndCall hangs up the active session. It is a no-op when idle.
func (m *Manager) EndCall() {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return
	}
	m.log.Info().Str("session", s.id).Msg("hanging up")
	release := m.endLocked(s, domain.EndLocalHangup, nil, m.endedMessage(s))
	m.unlock(release)
}

// CancelPending ends sessionID if it is still Calling or Ringing, and
// reports whether it did. It is meant for unanswered-call timers.
func (m *Manager) CancelPending(sessionID string) bool {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != sessionID || (s.status != domain.StatusCalling && s.status != domain.StatusRinging) {
		m.mu.Unlock()
		return false
	}
	m.log.Info().Str("session", s.id).Stringer("status", s.status).Msg("unanswered, giving up")
	release := m.endLocked(s, domain.EndTimeout, nil, m.endedMessage(s))
	m.unlock(release)
	return true
}

// ToggleAudio flips the local microphone and returns the new state.
func (m *Manager) ToggleAudio() (bool, error) {
	m.mu.Lock()
	s, err := m.withLocalLocked()
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	s.audioEnabled = !s.audioEnabled
	s.local.SetAudioEnabled(s.audioEnabled)
	enabled := s.audioEnabled
	m.emitLocked(s.snapshot(m.localID))
	m.unlock(nil)
	return enabled, nil
}

// ToggleVideo flips the local camera and returns the new state. It fails
// with ErrWrongState on audio calls.
func (m *Manager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	s, err := m.withLocalLocked()
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if s.kind != domain.KindVideo {
		m.mu.Unlock()
		return false, domain.ErrWrongState
	}
	s.videoEnabled = !s.videoEnabled
	s.local.SetVideoEnabled(s.videoEnabled)
	enabled := s.videoEnabled
	m.emitLocked(s.snapshot(m.localID))
	m.unlock(nil)
	return enabled, nil
}

func (m *Manager) handleMessage(msg domain.Message) {
	switch msg := msg.(type) {
	case domain.CallOffer:
		m.onOffer(msg)
	case domain.CallAnswer:
		m.onAnswer(msg)
	case domain.ICECandidate:
		m.onRemoteCandidate(msg)
	case domain.CallEnded:
		m.onRemoteEnded(msg)
	case domain.CallRejected:
		m.onRejected(msg)
	case domain.Auth:
		// client to server only
	}
}

func (m *Manager) onOffer(o domain.CallOffer) {
	if o.To != m.localID || o.From == "" {
		m.log.Debug().Str("session", o.SessionID).Msg("discarding misaddressed offer")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if s := m.sess; s != nil {
		if s.id != o.SessionID {
			m.log.Info().Str("session", o.SessionID).Str("remote", o.From).Msg("busy, rejecting offer")
			m.transport.Send(domain.CallRejected{
				SessionID: o.SessionID,
				From:      m.localID,
				To:        o.From,
				Reason:    "busy",
			})
		}
		m.mu.Unlock()
		return
	}
	s := m.newSessionLocked(o.SessionID, domain.RoleResponder, o.Kind, o.From, domain.StatusRinging)
	s.remoteOffer = o.Offer
	m.log.Info().Str("session", s.id).Str("remote", s.remotePeer).Str("kind", string(s.kind)).Msg("ringing")
	m.emitLocked(s.snapshot(m.localID))
	m.unlock(nil)
}

func (m *Manager) onAnswer(a domain.CallAnswer) {
	m.mu.Lock()
	s := m.matchLocked(a)
	if s == nil || s.role != domain.RoleInitiator || s.status != domain.StatusCalling || !s.localDescSent {
		m.mu.Unlock()
		m.log.Debug().Str("session", a.SessionID).Msg("discarding answer")
		return
	}
	if err := s.peer.SetRemoteDescription(a.Answer); err != nil {
		nerr := &domain.NegotiationError{Op: "set remote description", Err: err}
		m.log.Warn().Err(nerr).Str("session", s.id).Msg("answer rejected")
		release := m.endLocked(s, domain.EndNegotiationFailed, nerr, m.endedMessage(s))
		m.unlock(release)
		return
	}
	if err := m.remoteReadyLocked(s); err != nil {
		m.log.Warn().Err(err).Str("session", s.id).Msg("buffered candidate rejected")
		release := m.endLocked(s, domain.EndNegotiationFailed, err, m.endedMessage(s))
		m.unlock(release)
		return
	}
	s.status = domain.StatusConnected
	m.log.Info().Str("session", s.id).Str("remote", s.remotePeer).Msg("connected")
	m.emitLocked(s.snapshot(m.localID))
	m.unlock(nil)
}

func (m *Manager) onRemoteCandidate(c domain.ICECandidate) {
	m.mu.Lock()
	s := m.matchLocked(c)
	if s == nil {
		m.mu.Unlock()
		m.log.Debug().Str("session", c.SessionID).Msg("discarding candidate")
		return
	}
	if !s.remoteDescSet {
		s.pendingRemote = append(s.pendingRemote, c.Candidate)
		m.mu.Unlock()
		return
	}
	if err := s.peer.AddICECandidate(c.Candidate); err != nil {
		nerr := &domain.NegotiationError{Op: "add candidate", Err: err}
		m.log.Warn().Err(nerr).Str("session", s.id).Msg("remote candidate rejected")
		if s.status == domain.StatusCalling || s.status == domain.StatusRinging {
			release := m.endLocked(s, domain.EndNegotiationFailed, nerr, m.endedMessage(s))
			m.unlock(release)
			return
		}
	}
	m.mu.Unlock()
}

func (m *Manager) onRemoteEnded(e domain.CallEnded) {
	m.mu.Lock()
	s := m.matchLocked(e)
	if s == nil {
		m.mu.Unlock()
		m.log.Debug().Str("session", e.SessionID).Msg("discarding call_ended")
		return
	}
	m.log.Info().Str("session", s.id).Msg("remote hung up")
	release := m.endLocked(s, domain.EndRemoteHangup, nil, nil)
	m.unlock(release)
}

func (m *Manager) onRejected(r domain.CallRejected) {
	m.mu.Lock()
	s := m.matchLocked(r)
	if s == nil || s.role != domain.RoleInitiator || s.status != domain.StatusCalling {
		m.mu.Unlock()
		m.log.Debug().Str("session", r.SessionID).Msg("discarding call_rejected")
		return
	}
	m.log.Info().Str("session", s.id).Str("reason", r.Reason).Msg("call rejected")
	var err error
	if r.Reason == "busy" {
		err = fmt.Errorf("%s is busy", s.remotePeer)
	}
	release := m.endLocked(s, domain.EndRejected, err, nil)
	m.unlock(release)
}

func (m *Manager) onLocalCandidate(gen uint64, c domain.ICECandidatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.currentLocked(gen)
	if s == nil {
		return
	}
	if !s.localDescSent {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	m.sendCandidateLocked(s, c)
}

func (m *Manager) onRemoteTrack(gen uint64, r domain.RemoteMedia) {
	m.mu.Lock()
	s := m.currentLocked(gen)
	if s == nil {
		m.mu.Unlock()
		r.Release()
		return
	}
	s.remote = append(s.remote, r)
	m.log.Info().Str("session", s.id).Str("track", r.ID()).Str("kind", string(r.Kind())).Msg("remote track")
	if s.status == domain.StatusConnected {
		m.emitLocked(s.snapshot(m.localID))
	}
	m.unlock(nil)
}

func (m *Manager) onConnectionState(gen uint64, st domain.ConnectionState) {
	m.mu.Lock()
	s := m.currentLocked(gen)
	if s == nil {
		m.mu.Unlock()
		return
	}
	m.log.Debug().Str("session", s.id).Stringer("state", st).Msg("peer connection")

	lost := st == domain.ConnectionFailed ||
		(s.status == domain.StatusConnected && (st == domain.ConnectionDisconnected || st == domain.ConnectionClosed))
	if !lost {
		m.mu.Unlock()
		return
	}
	m.log.Warn().Str("session", s.id).Stringer("state", st).Msg("connection lost")
	release := m.endLocked(s, domain.EndConnectionLost, nil, m.endedMessage(s))
	m.unlock(release)
}

func (m *Manager) newSessionLocked(id string, role domain.Role, kind domain.MediaKind, remote string, status domain.Status) *session {
	m.gen++
	s := &session{
		id:         id,
		gen:        m.gen,
		role:       role,
		kind:       kind,
		remotePeer: remote,
		status:     status,
	}
	m.sess = s
	return s
}

// currentLocked returns the active session if it is still the one gen was
// issued for.
func (m *Manager) currentLocked(gen uint64) *session {
	if m.sess == nil || m.sess.gen != gen {
		return nil
	}
	return m.sess
}

// matchLocked returns the active session if msg belongs to it.
func (m *Manager) matchLocked(msg domain.PeerMessage) *session {
	s := m.sess
	if s == nil || msg.Session() != s.id || msg.Recipient() != m.localID {
		return nil
	}
	if from := msg.Sender(); from != "" && from != s.remotePeer {
		return nil
	}
	return s
}

func (m *Manager) ringingLocked(sessionID string) (*session, error) {
	s := m.sess
	if s == nil || (sessionID != "" && s.id != sessionID) {
		return nil, domain.ErrNoSession
	}
	if s.status != domain.StatusRinging {
		return nil, domain.ErrWrongState
	}
	return s, nil
}

func (m *Manager) withLocalLocked() (*session, error) {
	s := m.sess
	if s == nil {
		return nil, domain.ErrNoSession
	}
	if s.local == nil {
		return nil, domain.ErrWrongState
	}
	return s, nil
}

func (m *Manager) attachLocalLocked(s *session, local domain.LocalMedia) {
	s.local = local
	s.audioEnabled = true
	s.videoEnabled = s.kind == domain.KindVideo
}

func (m *Manager) startPeerLocked(s *session) error {
	gen := s.gen
	peer, err := m.peers.NewPeer(s.kind, domain.PeerEvents{
		OnICECandidate:    func(c domain.ICECandidatePayload) { m.onLocalCandidate(gen, c) },
		OnTrack:           func(r domain.RemoteMedia) { m.onRemoteTrack(gen, r) },
		OnConnectionState: func(st domain.ConnectionState) { m.onConnectionState(gen, st) },
	})
	if err != nil {
		return &domain.NegotiationError{Op: "create peer", Err: err}
	}
	s.peer = peer
	if err := peer.AddLocalMedia(s.local); err != nil {
		return &domain.NegotiationError{Op: "add local media", Err: err}
	}
	return nil
}

func (m *Manager) answerLocked(s *session) (domain.SDPPayload, error) {
	if err := m.startPeerLocked(s); err != nil {
		return domain.SDPPayload{}, err
	}
	if err := s.peer.SetRemoteDescription(s.remoteOffer); err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Op: "set remote description", Err: err}
	}
	if err := m.remoteReadyLocked(s); err != nil {
		return domain.SDPPayload{}, err
	}
	answer, err := s.peer.CreateAnswer()
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{Op: "create answer", Err: err}
	}
	return answer, nil
}

// remoteReadyLocked marks the remote description applied and flushes the
// candidates that arrived before it, in arrival order.
func (m *Manager) remoteReadyLocked(s *session) error {
	s.remoteDescSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range pending {
		if err := s.peer.AddICECandidate(c); err != nil {
			return &domain.NegotiationError{Op: "add candidate", Err: err}
		}
	}
	return nil
}

// localSentLocked marks our description as sent and flushes the local
// candidates gathered before it, in discovery order.
func (m *Manager) localSentLocked(s *session) {
	s.localDescSent = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range pending {
		m.sendCandidateLocked(s, c)
	}
}

func (m *Manager) sendCandidateLocked(s *session, c domain.ICECandidatePayload) {
	m.transport.Send(domain.ICECandidate{
		SessionID: s.id,
		From:      m.localID,
		To:        s.remotePeer,
		Candidate: c,
	})
}

// endedMessage is the call_ended notice for s, or nil when the remote peer
// has not heard of the session yet.
func (m *Manager) endedMessage(s *session) domain.Message {
	if s.role == domain.RoleInitiator && !s.localDescSent {
		return nil
	}
	return domain.CallEnded{SessionID: s.id, From: m.localID, To: s.remotePeer}
}

// endLocked tears s down: it sends notice (if any), publishes Ended then Idle
// and returns the release of the session's resources, to be run once mu is
// released.
func (m *Manager) endLocked(s *session, reason domain.EndReason, err error, notice domain.Message) func() {
	if notice != nil {
		m.transport.Send(notice)
	}
	m.sess = nil

	ended := s.snapshot(m.localID)
	ended.Status = domain.StatusEnded
	ended.LocalMedia = nil
	ended.RemoteMedia = nil
	ended.EndReason = reason
	ended.Err = err
	m.emitLocked(ended)
	m.emitLocked(m.snapshotLocked())

	peer, remote, local := s.detach()
	sessionID := s.id
	return func() {
		if peer != nil {
			if err := peer.Close(); err != nil {
				m.log.Warn().Err(err).Str("session", sessionID).Msg("close peer connection")
			}
		}
		for _, r := range remote {
			r.Release()
		}
		if local != nil {
			local.Release()
		}
	}
}

func (m *Manager) snapshotLocked() domain.Snapshot {
	if m.sess == nil {
		return domain.Snapshot{Status: domain.StatusIdle, LocalPeer: m.localID}
	}
	return m.sess.snapshot(m.localID)
}

func (m *Manager) emitLocked(snap domain.Snapshot) {
	m.outbox = append(m.outbox, snap)
}

// unlock releases mu, delivers queued snapshots, then runs release.
// Only one goroutine delivers at a time; snapshots queued meanwhile, including
// by observers calling back into the Manager, are picked up by its loop.
func (m *Manager) unlock(release func()) {
	if m.delivering || len(m.outbox) == 0 {
		m.mu.Unlock()
		if release != nil {
			release()
		}
		return
	}
	m.delivering = true
	for len(m.outbox) > 0 {
		snaps := m.outbox
		m.outbox = nil
		m.mu.Unlock()

		m.obsMu.Lock()
		observers := make([]observer, len(m.observers))
		copy(observers, m.observers)
		m.obsMu.Unlock()
		for _, snap := range snaps {
			for _, o := range observers {
				o.fn(snap)
			}
		}

		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
	if release != nil {
		release()
	}
}

func mediaError(kind domain.MediaKind, err error) error {
	var merr *domain.MediaError
	if errors.As(err, &merr) {
		return merr
	}
	return &domain.MediaError{Kind: kind, Err: err}
}
