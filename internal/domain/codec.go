package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// envelope is the frame shape on the wire: {"type": ..., "payload": {...}}.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes msg into a signaling frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
	}
	return json.Marshal(envelope{Type: msg.Type(), Payload: payload})
}

// Decode parses and validates one signaling frame.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeAuth:
		var m Auth
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeCallOffer:
		var m CallOffer
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeCallAnswer:
		var m CallAnswer
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeICECandidate:
		var m ICECandidate
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeCallEnded:
		var m CallEnded
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeCallRejected:
		var m CallRejected
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMessageType, env.Type)
	}

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func unmarshalPayload(env envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s message missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}

// Validate checks the required fields of msg.
func Validate(msg Message) error {
	switch m := msg.(type) {
	case Auth:
		if m.Token == "" {
			return fmt.Errorf("auth message missing token")
		}
		return nil
	case CallOffer:
		if !m.Kind.Valid() {
			return fmt.Errorf("call_offer: %w %q", ErrInvalidKind, m.Kind)
		}
		if err := validateSDP(m.Offer, "offer"); err != nil {
			return fmt.Errorf("call_offer: %w", err)
		}
	case CallAnswer:
		if err := validateSDP(m.Answer, "answer"); err != nil {
			return fmt.Errorf("call_answer: %w", err)
		}
	case ICECandidate:
		if m.Candidate.Candidate == "" {
			return fmt.Errorf("ice_candidate missing candidate")
		}
	case CallEnded, CallRejected:
	default:
		return fmt.Errorf("%w %T", ErrUnknownMessageType, msg)
	}

	pm := msg.(PeerMessage)
	if pm.Recipient() == "" {
		return fmt.Errorf("%s message missing to", msg.Type())
	}
	if pm.Session() == "" {
		return fmt.Errorf("%s message missing sessionId", msg.Type())
	}
	return nil
}

func validateSDP(s SDPPayload, want string) error {
	if s.Type != want {
		return fmt.Errorf("sdp type %q, want %q", s.Type, want)
	}
	if s.SDP == "" {
		return fmt.Errorf("empty sdp")
	}
	return nil
}
