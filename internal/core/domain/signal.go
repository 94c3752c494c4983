package domain

import (
	"encoding/json"
	"fmt"
)

type SignalType string

const (
	SignalInitiate     SignalType = "call:initiate"
	SignalIncoming     SignalType = "call:incoming"
	SignalAnswer       SignalType = "call:answer"
	SignalReject       SignalType = "call:reject"
	SignalCancel       SignalType = "call:cancel"
	SignalEnd          SignalType = "call:end"
	SignalICECandidate SignalType = "call:ice-candidate"
	SignalIDAssigned   SignalType = "call:id-assigned"
)

type Envelope struct {
	ID             string          `json:"id,omitempty"`
	Type           SignalType      `json:"type"`
	ConversationID string          `json:"conversationId"`
	CallID         string          `json:"callId,omitempty"`
	From           string          `json:"from,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(t SignalType, conversationID, callID string, payload any) (Envelope, error) {
	env := Envelope{
		ID:             NewMessageID().String(),
		Type:           t,
		ConversationID: conversationID,
		CallID:         callID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type InitiatePayload struct {
	CallType CallType     `json:"callType"`
	Caller   *Counterpart `json:"caller,omitempty"`
}

type IncomingPayload struct {
	CallType CallType    `json:"callType"`
	Caller   Counterpart `json:"caller"`
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// AnswerPayload carries either the callee's acceptance or, during negotiation,
// a session description. The two are told apart by shape.
type AnswerPayload struct {
	Accepted    bool                `json:"accepted,omitempty"`
	Description *SessionDescription `json:"description,omitempty"`
}

func (p AnswerPayload) IsDescription() bool {
	return p.Description != nil && p.Description.SDP != ""
}

// ControlPayload is shared by call:reject, call:cancel and call:end.
type ControlPayload struct {
	Reason   string `json:"reason,omitempty"`
	Duration *int   `json:"duration,omitempty"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CandidatePayload struct {
	Candidate ICECandidate `json:"candidate"`
}
