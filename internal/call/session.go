package call

import "callcore/native/internal/domain"

// session is the one call attempt a Manager owns. All fields are guarded by
// Manager.mu.
type session struct {
	id         string
	gen        uint64
	role       domain.Role
	kind       domain.MediaKind
	remotePeer string
	status     domain.Status

	// Responder only: the offer waiting for AcceptCall.
	remoteOffer domain.SDPPayload
	accepting   bool

	local  domain.LocalMedia
	remote []domain.RemoteMedia
	peer   domain.PeerConnection

	// Remote candidates wait until a remote description is applied; local
	// ones wait until our offer/answer has been sent.
	remoteDescSet bool
	pendingRemote []domain.ICECandidatePayload
	localDescSent bool
	pendingLocal  []domain.ICECandidatePayload

	audioEnabled bool
	videoEnabled bool
}

func (s *session) snapshot(localPeer string) domain.Snapshot {
	snap := domain.Snapshot{
		SessionID:    s.id,
		Status:       s.status,
		Role:         s.role,
		Kind:         s.kind,
		LocalPeer:    localPeer,
		RemotePeer:   s.remotePeer,
		LocalMedia:   s.local,
		AudioEnabled: s.audioEnabled,
		VideoEnabled: s.videoEnabled,
	}
	if s.status == domain.StatusConnected && len(s.remote) > 0 {
		snap.RemoteMedia = make([]domain.RemoteMedia, len(s.remote))
		copy(snap.RemoteMedia, s.remote)
	}
	return snap
}

// detach hands the session's resources to the caller and clears them, so
// each handle is released exactly once.
func (s *session) detach() (domain.PeerConnection, []domain.RemoteMedia, domain.LocalMedia) {
	peer, remote, local := s.peer, s.remote, s.local
	s.peer, s.remote, s.local = nil, nil, nil
	return peer, remote, local
}
