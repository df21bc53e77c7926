package domain

// MessageType is the tag carried in every signaling envelope.
type MessageType string

const (
	TypeAuth         MessageType = "auth"
	TypeCallOffer    MessageType = "call_offer"
	TypeCallAnswer   MessageType = "call_answer"
	TypeICECandidate MessageType = "ice_candidate"
	TypeCallEnded    MessageType = "call_ended"
	TypeCallRejected MessageType = "call_rejected"
)

// MessageTypes lists every tag the codec understands.
var MessageTypes = []MessageType{
	TypeAuth,
	TypeCallOffer,
	TypeCallAnswer,
	TypeICECandidate,
	TypeCallEnded,
	TypeCallRejected,
}

// Message is one decoded signaling frame. The set of implementations is
// closed; switch on the concrete type to handle it.
type Message interface {
	Type() MessageType
	sealed()
}

// PeerMessage is a Message routed between two peers through the relay.
type PeerMessage interface {
	Message
	Session() string
	Sender() string
	Recipient() string
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Auth is the first frame sent after every successful connect.
type Auth struct {
	Token string `json:"token"`
}

type CallOffer struct {
	SessionID string     `json:"sessionId"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to"`
	Kind      MediaKind  `json:"type"`
	Offer     SDPPayload `json:"offer"`
}

type CallAnswer struct {
	SessionID string     `json:"sessionId"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to"`
	Answer    SDPPayload `json:"answer"`
}

type ICECandidate struct {
	SessionID string              `json:"sessionId"`
	From      string              `json:"from,omitempty"`
	To        string              `json:"to"`
	Candidate ICECandidatePayload `json:"candidate"`
}

type CallEnded struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
}

type CallRejected struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

func (Auth) Type() MessageType         { return TypeAuth }
func (CallOffer) Type() MessageType    { return TypeCallOffer }
func (CallAnswer) Type() MessageType   { return TypeCallAnswer }
func (ICECandidate) Type() MessageType { return TypeICECandidate }
func (CallEnded) Type() MessageType    { return TypeCallEnded }
func (CallRejected) Type() MessageType { return TypeCallRejected }

func (Auth) sealed()         {}
func (CallOffer) sealed()    {}
func (CallAnswer) sealed()   {}
func (ICECandidate) sealed() {}
func (CallEnded) sealed()    {}
func (CallRejected) sealed() {}

func (m CallOffer) Session() string    { return m.SessionID }
func (m CallOffer) Sender() string     { return m.From }
func (m CallOffer) Recipient() string  { return m.To }
func (m CallAnswer) Session() string   { return m.SessionID }
func (m CallAnswer) Sender() string    { return m.From }
func (m CallAnswer) Recipient() string { return m.To }

func (m ICECandidate) Session() string   { return m.SessionID }
func (m ICECandidate) Sender() string    { return m.From }
func (m ICECandidate) Recipient() string { return m.To }

func (m CallEnded) Session() string      { return m.SessionID }
func (m CallEnded) Sender() string       { return m.From }
func (m CallEnded) Recipient() string    { return m.To }
func (m CallRejected) Session() string   { return m.SessionID }
func (m CallRejected) Sender() string    { return m.From }
func (m CallRejected) Recipient() string { return m.To }
