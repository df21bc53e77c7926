package domain

import "time"

// Ticket holds signaling credentials and ICE server configuration returned by
// the identity service.
type Ticket struct {
	Token        string      `json:"token"`
	PeerID       string      `json:"peerId"`
	SignalServer string      `json:"signalServer"`
	ICEServers   []ICEServer `json:"iceServers"`
	ExpiresAt    time.Time   `json:"expiresAt"`
}

// Expired reports whether the ticket is past its expiry, allowing skew.
// A zero ExpiresAt never expires.
func (t *Ticket) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.ExpiresAt)
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}
