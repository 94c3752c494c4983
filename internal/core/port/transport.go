package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Delivery is one inbound item from a transport. Down is set, with no
// envelope, when the underlying connection drops.
type Delivery struct {
	Envelope domain.Envelope
	Down     bool
}

// Transport is a persistent, shared, bidirectional signaling channel.
type Transport interface {
	Name() string
	Connected() bool
	// EnsureConnected starts a connection attempt if none is up. It never blocks.
	EnsureConnected()
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	// Send fails fast with domain.ErrSignalingUnavailable while disconnected.
	Send(ctx context.Context, env domain.Envelope) error
	Subscribe() (<-chan Delivery, func())
}
