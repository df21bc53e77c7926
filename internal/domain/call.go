package domain

// Status is the state of the call session owned by a Manager.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusRinging
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role is fixed when a session is created.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

// MediaKind is the kind of call. It doubles as the "type" field of call_offer.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// EndReason explains why a session reached Ended.
type EndReason string

const (
	EndNone              EndReason = ""
	EndLocalHangup       EndReason = "local_hangup"
	EndRemoteHangup      EndReason = "remote_hangup"
	EndDeclined          EndReason = "declined"
	EndRejected          EndReason = "rejected"
	EndConnectionLost    EndReason = "connection_lost"
	EndNegotiationFailed EndReason = "negotiation_failed"
	EndMediaFailed       EndReason = "media_failed"
	EndTimeout           EndReason = "timeout"
)

// ConnectionState mirrors the peer connection states the session reacts to.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is the full observable state of a Manager at one transition.
// RemoteMedia stays nil until the session has reached Connected.
type Snapshot struct {
	SessionID    string
	Status       Status
	Role         Role
	Kind         MediaKind
	LocalPeer    string
	RemotePeer   string
	LocalMedia   LocalMedia
	RemoteMedia  []RemoteMedia
	AudioEnabled bool
	VideoEnabled bool

	// Set only on the Ended snapshot.
	EndReason EndReason
	Err       error
}
