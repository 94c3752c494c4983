package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

const syntheticSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=yacall\r\nt=0 0\r\n"

var syntheticCandidate = domain.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host"}

var errClosed = errors.New("negotiator closed")

var _ port.NegotiatorFactory = (*NegotiatorFactory)(nil)

type NegotiatorFactory struct {
	mu          sync.Mutex
	negotiators []*Negotiator
}

func NewNegotiatorFactory() *NegotiatorFactory {
	return &NegotiatorFactory{}
}

func (f *NegotiatorFactory) NewNegotiator(callID string, cb port.NegotiatorCallbacks) (port.Negotiator, error) {
	n := &Negotiator{callID: callID, cb: cb}
	f.mu.Lock()
	f.negotiators = append(f.negotiators, n)
	f.mu.Unlock()
	return n, nil
}

// Last returns the most recently created negotiator, or nil.
func (f *NegotiatorFactory) Last() *Negotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.negotiators) == 0 {
		return nil
	}
	return f.negotiators[len(f.negotiators)-1]
}

// Negotiator pretends the link is usable as soon as both descriptions are known.
type Negotiator struct {
	callID string
	cb     port.NegotiatorCallbacks

	mu         sync.Mutex
	role       port.Role
	started    bool
	closed     bool
	remoteSet  bool
	candidates []domain.ICECandidate
	video      bool
	streamOnce sync.Once
}

func (n *Negotiator) Start(_ context.Context, role port.Role, local port.MediaHandle) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errClosed
	}
	n.role = role
	n.started = true
	n.video = local != nil && local.HasVideo()
	n.mu.Unlock()

	if n.cb.OnCandidate != nil {
		n.cb.OnCandidate(syntheticCandidate)
	}
	if role == port.RoleOfferer && n.cb.OnDescription != nil {
		n.cb.OnDescription(domain.SessionDescription{Type: domain.SDPOffer, SDP: syntheticSDP})
	}
	return nil
}

func (n *Negotiator) HandleDescription(_ context.Context, desc domain.SessionDescription) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errClosed
	}
	n.remoteSet = true
	n.mu.Unlock()

	if desc.Type == domain.SDPOffer && n.cb.OnDescription != nil {
		n.cb.OnDescription(domain.SessionDescription{Type: domain.SDPAnswer, SDP: syntheticSDP})
	}
	n.streamOnce.Do(func() {
		if n.cb.OnRemoteStream != nil {
			n.cb.OnRemoteStream(&stream{id: domain.NewStreamID(), video: n.video})
		}
	})
	return nil
}

func (n *Negotiator) AddCandidate(c domain.ICECandidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errClosed
	}
	n.candidates = append(n.candidates, c)
	return nil
}

func (n *Negotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

// Fail reports a broken link the way a real negotiator would.
func (n *Negotiator) Fail(err error) {
	if n.cb.OnFailed != nil {
		n.cb.OnFailed(err)
	}
}

func (n *Negotiator) Role() port.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Negotiator) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Negotiator) Candidates() []domain.ICECandidate {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.ICECandidate, len(n.candidates))
	copy(out, n.candidates)
	return out
}

type stream struct {
	id    string
	video bool
}

func (s *stream) StreamID() string { return s.id }
func (s *stream) HasAudio() bool   { return true }
func (s *stream) HasVideo() bool   { return s.video }
