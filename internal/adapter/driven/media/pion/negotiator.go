// Package pion negotiates one peer connection per call with pion/webrtc.
package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

var _ port.NegotiatorFactory = (*Factory)(nil)

// TrackSource is implemented by media handles that carry real tracks.
type TrackSource interface {
	TrackLocals() []webrtc.TrackLocal
}

type Config struct {
	ICEServers          []webrtc.ICEServer
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// NegotiationTimeout bounds Start until the connection is up.
	NegotiationTimeout time.Duration
	// IncludeLoopback adds 127.0.0.1 host candidates, for same-host peers.
	IncludeLoopback bool
	// SetupMediaEngine registers codecs; RegisterDefaultCodecs when nil.
	SetupMediaEngine func(*webrtc.MediaEngine) error
}

type Factory struct {
	api *webrtc.API
	cfg Config
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 120 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}

	m := &webrtc.MediaEngine{}
	setup := cfg.SetupMediaEngine
	if setup == nil {
		setup = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := setup(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg: cfg,
	}, nil
}

func (f *Factory) NewNegotiator(callID string, cb port.NegotiatorCallbacks) (port.Negotiator, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, domain.NewError(domain.KindNegotiationFailed, err)
	}

	n := &Negotiator{
		pc:      pc,
		cb:      cb,
		timeout: f.cfg.NegotiationTimeout,
		log:     log.With().Str("call_id", callID).Str("component", "negotiator").Logger(),
		done:    make(chan struct{}),
	}
	pc.OnICECandidate(n.onCandidate)
	pc.OnTrack(n.onTrack)
	pc.OnConnectionStateChange(n.onState)
	return n, nil
}

// Negotiator wraps one PeerConnection. Remote candidates that arrive before
// the remote description are held and applied right after it.
type Negotiator struct {
	pc      *webrtc.PeerConnection
	cb      port.NegotiatorCallbacks
	timeout time.Duration
	log     zerolog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	timer     *time.Timer
	remote    *remoteStream

	failOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func (n *Negotiator) Start(ctx context.Context, role port.Role, local port.MediaHandle) error {
	if err := n.addLocal(local); err != nil {
		return domain.NewError(domain.KindNegotiationFailed, err)
	}

	n.mu.Lock()
	n.timer = time.AfterFunc(n.timeout, func() {
		n.fail(fmt.Errorf("no connection after %s", n.timeout))
	})
	n.mu.Unlock()

	if role != port.RoleOfferer {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return domain.NewError(domain.KindNegotiationFailed, fmt.Errorf("create offer: %w", err))
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return domain.NewError(domain.KindNegotiationFailed, fmt.Errorf("set local offer: %w", err))
	}
	n.log.Debug().Int("sdp_len", len(offer.SDP)).Msg("Offer created")
	if n.cb.OnDescription != nil {
		n.cb.OnDescription(domain.SessionDescription{Type: domain.SDPOffer, SDP: offer.SDP})
	}
	return nil
}

func (n *Negotiator) addLocal(local port.MediaHandle) error {
	if src, ok := local.(TrackSource); ok {
		for _, t := range src.TrackLocals() {
			if _, err := n.pc.AddTrack(t); err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
		}
		return nil
	}

	// Nothing to send: make sure the offer still asks for the remote media.
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if local == nil || local.HasVideo() {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range kinds {
		if _, err := n.pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", k, err)
		}
	}
	return nil
}

func (n *Negotiator) HandleDescription(ctx context.Context, desc domain.SessionDescription) error {
	sdp := webrtc.SessionDescription{SDP: desc.SDP}
	switch desc.Type {
	case domain.SDPOffer:
		sdp.Type = webrtc.SDPTypeOffer
	case domain.SDPAnswer:
		sdp.Type = webrtc.SDPTypeAnswer
	default:
		return domain.NewError(domain.KindNegotiationFailed, fmt.Errorf("unsupported description type %q", desc.Type))
	}

	if err := n.pc.SetRemoteDescription(sdp); err != nil {
		return domain.NewError(domain.KindNegotiationFailed, fmt.Errorf("set remote %s: %w", desc.Type, err))
	}

	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.Debug().Err(err).Msg("Buffered candidate rejected")
		}
	}

	if desc.Type != domain.SDPOffer {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return domain.NewError(domain.KindNegotiationFailed, fmt.Errorf("create answer: %w", err))
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return domain.NewError(domain.KindNegotiationFailed, fmt.Errorf("set local answer: %w", err))
	}
	if n.cb.OnDescription != nil {
		n.cb.OnDescription(domain.SessionDescription{Type: domain.SDPAnswer, SDP: answer.SDP})
	}
	return nil
}

func (n *Negotiator) AddCandidate(c domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.pc.AddICECandidate(init)
}

func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		n.mu.Lock()
		if n.timer != nil {
			n.timer.Stop()
		}
		n.mu.Unlock()
		err = n.pc.Close()
	})
	return err
}

func (n *Negotiator) closed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

func (n *Negotiator) fail(err error) {
	if n.closed() {
		return
	}
	n.failOnce.Do(func() {
		n.log.Warn().Err(err).Msg("Negotiation failed")
		if n.cb.OnFailed != nil {
			n.cb.OnFailed(domain.NewError(domain.KindNegotiationFailed, err))
		}
	})
}

func (n *Negotiator) onCandidate(c *webrtc.ICECandidate) {
	if c == nil || n.cb.OnCandidate == nil {
		return
	}
	init := c.ToJSON()
	n.cb.OnCandidate(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (n *Negotiator) onState(s webrtc.PeerConnectionState) {
	n.log.Debug().Str("state", s.String()).Msg("Peer connection state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		if n.timer != nil {
			n.timer.Stop()
		}
		n.mu.Unlock()
	case webrtc.PeerConnectionStateFailed:
		n.fail(errors.New("peer connection failed"))
	}
}

func (n *Negotiator) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	n.log.Debug().Str("kind", track.Kind().String()).Str("stream_id", track.StreamID()).Msg("Remote track")

	n.mu.Lock()
	first := n.remote == nil
	if first {
		id := track.StreamID()
		if id == "" {
			id = domain.NewStreamID()
		}
		n.remote = &remoteStream{id: id}
	}
	st := n.remote
	n.mu.Unlock()
	st.add(track)

	go n.drainRTCP(receiver)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go n.requestKeyframes(track)
	}
	if n.cb.OnRemoteStream != nil {
		n.cb.OnRemoteStream(st)
	}
}

// drainRTCP keeps the interceptors fed until the receiver stops.
func (n *Negotiator) drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

// requestKeyframes sends a PLI right away and then periodically, so a
// renderer joining late gets a decodable frame.
func (n *Negotiator) requestKeyframes(track *webrtc.TrackRemote) {
	send := func() bool {
		err := n.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		return err == nil
	}
	if !send() {
		return
	}
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

// remoteStream groups the remote tracks of one call. The service sees the
// same value again when a second track arrives and dedups it by id.
type remoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *remoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *remoteStream) StreamID() string { return s.id }

func (s *remoteStream) HasAudio() bool { return s.has(webrtc.RTPCodecTypeAudio) }

func (s *remoteStream) HasVideo() bool { return s.has(webrtc.RTPCodecTypeVideo) }

// Tracks lets a renderer read RTP from the remote side.
func (s *remoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *remoteStream) has(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}
