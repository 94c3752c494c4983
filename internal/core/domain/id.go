package domain

import (
	"github.com/google/uuid"
)

type ClientID uuid.UUID

func NewClientID() ClientID {
	return ClientID(uuid.New())
}

func (id ClientID) String() string {
	return uuid.UUID(id).String()
}

type MessageID uuid.UUID

func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

// NewCallID is used when this engine, rather than a relay backend, picks the call id.
func NewCallID() string {
	return "call-" + uuid.New().String()
}

// NewPeerID names an engine that was not configured with an identity, so its
// own envelopes can still be told apart when a relay echoes them.
func NewPeerID() string {
	return "peer-" + uuid.New().String()
}

func NewStreamID() string {
	return uuid.New().String()
}
