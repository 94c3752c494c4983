package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// NegotiatorCallbacks may be invoked from any goroutine.
type NegotiatorCallbacks struct {
	OnDescription  func(domain.SessionDescription)
	OnCandidate    func(domain.ICECandidate)
	OnRemoteStream func(domain.Stream)
	OnFailed       func(error)
}

type Negotiator interface {
	Start(ctx context.Context, role Role, local MediaHandle) error
	HandleDescription(ctx context.Context, desc domain.SessionDescription) error
	// AddCandidate accepts candidates in any order, before or after the remote description.
	AddCandidate(c domain.ICECandidate) error
	Close() error
}

type NegotiatorFactory interface {
	NewNegotiator(callID string, cb NegotiatorCallbacks) (Negotiator, error)
}
