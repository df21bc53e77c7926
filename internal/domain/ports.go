package domain

import "context"

// TicketFetcher retrieves signaling credentials from the identity service.
type TicketFetcher interface {
	FetchTicket(ctx context.Context, jwt string) (*Ticket, error)
}

// TokenProvider supplies the bearer token sent in the auth frame.
// It is consulted again on every reconnect.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// ListenerID identifies one handler registration on a Transport.
type ListenerID uint64

// Transport is the signaling channel as seen by the call layer.
// Send is best effort: frames sent while disconnected are dropped.
type Transport interface {
	Send(msg Message)
	On(t MessageType, handler func(Message)) ListenerID
	Off(t MessageType, id ListenerID)
}

// Diagnostics receives errors that are handled locally and never propagated,
// such as undecodable frames.
type Diagnostics interface {
	ReportError(err error)
}

// MediaCapture acquires local capture devices. Acquire may block on a user
// permission prompt and fails with a *MediaError.
type MediaCapture interface {
	Acquire(ctx context.Context, kind MediaKind) (LocalMedia, error)
}

// LocalMedia is the handle to captured microphone/camera tracks.
type LocalMedia interface {
	ID() string
	Kind() MediaKind
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Release()
}

// RemoteMedia is the handle to one inbound track.
type RemoteMedia interface {
	ID() string
	Kind() MediaKind
	Release()
}

// PeerFactory creates peer connections for new sessions.
type PeerFactory interface {
	NewPeer(kind MediaKind, events PeerEvents) (PeerConnection, error)
}

// PeerEvents are the callbacks a PeerConnection emits. They may run on any
// goroutine.
type PeerEvents struct {
	OnICECandidate    func(ICECandidatePayload)
	OnTrack           func(RemoteMedia)
	OnConnectionState func(ConnectionState)
}

// PeerConnection manages one peer-to-peer connection.
type PeerConnection interface {
	AddLocalMedia(media LocalMedia) error
	// CreateOffer and CreateAnswer also apply the result as the local description.
	CreateOffer() (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddICECandidate(candidate ICECandidatePayload) error
	Close() error
}
