// Package memory provides device-free media: synthetic local streams and a
// negotiator that completes the description handshake without a network.
// Headless agents use it, and so do the engine tests.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

var _ port.MediaAcquirer = (*Acquirer)(nil)

// Acquirer grants synthetic streams. Set Fail to simulate a device error and
// Gate to hold every request until the gate is closed, like a pending
// permission prompt.
type Acquirer struct {
	Fail domain.ErrorKind
	Gate chan struct{}

	mu      sync.Mutex
	handles []*Handle
}

func NewAcquirer() *Acquirer {
	return &Acquirer{}
}

func (a *Acquirer) Acquire(ctx context.Context, callType domain.CallType) (port.MediaHandle, error) {
	if a.Gate != nil {
		select {
		case <-a.Gate:
		case <-ctx.Done():
			// The prompt still resolves later; that grant goes straight back.
			go func() {
				<-a.Gate
				if a.Fail == "" {
					a.grant(callType).Release()
				}
			}()
			return nil, ctx.Err()
		}
	}
	if a.Fail != "" {
		return nil, domain.NewError(a.Fail, nil)
	}
	return a.grant(callType), nil
}

func (a *Acquirer) grant(callType domain.CallType) *Handle {
	h := &Handle{id: domain.NewStreamID(), video: callType == domain.CallTypeVideo}
	a.mu.Lock()
	a.handles = append(a.handles, h)
	a.mu.Unlock()
	return h
}

// Handles lists every stream granted so far, released or not.
func (a *Acquirer) Handles() []*Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Handle, len(a.handles))
	copy(out, a.handles)
	return out
}

type Handle struct {
	id       string
	video    bool
	releases atomic.Int32
}

func (h *Handle) StreamID() string { return h.id }
func (h *Handle) HasAudio() bool   { return true }
func (h *Handle) HasVideo() bool   { return h.video }

func (h *Handle) Release() {
	h.releases.Add(1)
}

// Releases counts Release calls, including redundant ones.
func (h *Handle) Releases() int {
	return int(h.releases.Load())
}
