package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	sendTimeout = 5 * time.Second

	// finishedHistory is how many ended calls are remembered to drop late signals.
	finishedHistory = 64
)

type Option func(*CallService)

// WithClock replaces time.Now for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(s *CallService) { s.now = now }
}

// WithSelf sets the identity announced to callees and used to drop our own echoes.
func WithSelf(self domain.Counterpart) Option {
	return func(s *CallService) { s.self = self }
}

// WithCallIDAssignment makes the engine answer a direct call:initiate itself,
// picking the call id and replying call:id-assigned. Used when no relay backend
// translates call:initiate into call:incoming.
func WithCallIDAssignment(enabled bool) Option {
	return func(s *CallService) { s.assignIDs = enabled }
}

func WithMessages(m domain.Messages) Option {
	return func(s *CallService) { s.messages = m }
}

// CallService owns at most one live call and is the only surface a UI needs.
// Commands, media results, transport deliveries and negotiator callbacks are
// all applied under mu, one at a time.
type CallService struct {
	selector    *TransportSelector
	media       port.MediaAcquirer
	negotiators port.NegotiatorFactory
	events      *emitter

	self      domain.Counterpart
	anonymous bool
	assignIDs bool
	messages  domain.Messages
	now       func() time.Time

	mu        sync.Mutex
	current   *session
	closed    bool
	listeners []func()

	// finished holds call ids and originating envelope ids of torn down sessions.
	finished *lru.Cache[string, struct{}]
}

func NewCallService(selector *TransportSelector, media port.MediaAcquirer, negotiators port.NegotiatorFactory, opts ...Option) *CallService {
	s := &CallService{
		selector:    selector,
		media:       media,
		negotiators: negotiators,
		events:      newEmitter(),
		messages:    domain.DefaultMessages,
		now:         time.Now,
		finished:    newFinished(finishedHistory),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.self.ID == "" {
		s.self.ID = domain.NewPeerID()
		s.anonymous = true
	}

	for _, t := range selector.All() {
		ch, cancel := t.Subscribe()
		s.listeners = append(s.listeners, cancel)
		go s.listen(t, ch)
	}
	return s
}

// Subscribe returns every event in emission order until cancel or Disconnect.
func (s *CallService) Subscribe() (<-chan domain.Event, func()) {
	return s.events.subscribe()
}

// Observe delivers events to o's typed callbacks from a single goroutine.
func (s *CallService) Observe(o Observer) func() {
	ch, cancel := s.events.subscribe()
	go func() {
		for ev := range ch {
			dispatch(o, ev)
		}
	}()
	return cancel
}

func (s *CallService) Initiate(ctx context.Context, channel domain.Channel, conversationID string, callType domain.CallType) (domain.CallSession, error) {
	if conversationID == "" || !callType.Valid() {
		return domain.CallSession{}, fmt.Errorf("%w: conversation id and a voice or video call type are required", domain.ErrInvalidArgument)
	}
	channel = domain.ParseChannel(string(channel))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.CallSession{}, domain.ErrClosed
	}
	if s.active() != nil {
		return domain.CallSession{}, domain.ErrCallInProgress
	}

	draft := domain.CallSession{
		ConversationID: conversationID,
		Channel:        channel,
		Direction:      domain.DirectionOutgoing,
		CallType:       callType,
		Status:         domain.StatusIdle,
	}

	t := s.selector.Select(channel)
	if !t.Connected() {
		cerr := domain.NewError(domain.KindSignalingUnavailable, fmt.Errorf("%s transport not connected", t.Name()))
		s.emitError(draft, cerr)
		return domain.CallSession{}, cerr
	}
	if err := t.Join(ctx, conversationID); err != nil {
		cerr := signalingError(err)
		s.emitError(draft, cerr)
		return domain.CallSession{}, cerr
	}

	draft.StartedAt = s.now()
	sess := s.newSession(t, draft)
	s.transition(sess, domain.StatusDialing)
	s.acquire(sess)
	return sess.snapshot(), nil
}

func (s *CallService) Answer(ctx context.Context, callID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.resolve(callID, conversationID)
	if err != nil || sess == nil {
		return err
	}
	if sess.call.Status != domain.StatusRingingIncoming {
		return domain.ErrInvalidTransition
	}
	if sess.acquiring {
		return nil
	}
	s.acquire(sess)
	return nil
}

func (s *CallService) Reject(ctx context.Context, callID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.resolve(callID, conversationID)
	if err != nil || sess == nil {
		return err
	}
	if sess.call.Status != domain.StatusRingingIncoming {
		return domain.ErrInvalidTransition
	}
	return s.rejectLocked(sess)
}

// Cancel withdraws an outgoing call. Once the callee has answered there is
// nothing left to cancel and the call is ended instead.
func (s *CallService) Cancel(ctx context.Context, callID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.resolve(callID, conversationID)
	if err != nil || sess == nil {
		return err
	}
	switch sess.call.Status {
	case domain.StatusDialing:
		return s.cancelLocked(sess)
	case domain.StatusAnswered:
		return s.endLocked(sess, nil)
	case domain.StatusRingingIncoming:
		return s.rejectLocked(sess)
	}
	return domain.ErrInvalidTransition
}

// End hangs up. durationSeconds overrides the computed duration when the UI
// keeps its own timer.
func (s *CallService) End(ctx context.Context, callID, conversationID string, durationSeconds *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.resolve(callID, conversationID)
	if err != nil || sess == nil {
		return err
	}
	switch sess.call.Status {
	case domain.StatusAnswered:
		return s.endLocked(sess, durationSeconds)
	case domain.StatusDialing:
		return s.cancelLocked(sess)
	case domain.StatusRingingIncoming:
		return s.rejectLocked(sess)
	}
	return domain.ErrInvalidTransition
}

// Disconnect tears everything down: the live call is ended with a best-effort
// notice to the remote side, transport listeners are detached and every event
// subscription is closed once drained. The service is unusable afterwards.
func (s *CallService) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	if sess := s.active(); sess != nil {
		at := s.now()
		switch sess.call.Status {
		case domain.StatusDialing:
			s.sendBestEffort(sess, domain.SignalCancel, domain.ControlPayload{Reason: "disconnect"})
		case domain.StatusRingingIncoming:
			s.sendBestEffort(sess, domain.SignalReject, domain.ControlPayload{Reason: "disconnect"})
		case domain.StatusAnswered:
			d := int(at.Sub(sess.call.AnsweredAt) / time.Second)
			s.sendBestEffort(sess, domain.SignalEnd, domain.ControlPayload{Duration: &d})
		}
		s.transitionAt(sess, domain.StatusEnded, at)
	}

	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, cancel := range listeners {
		cancel()
	}
	s.events.close()
	log.Info().Msg("Call service disconnected")
}

// LocalStream returns the live call's local media, or nil.
func (s *CallService) LocalStream() domain.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.active()
	if sess == nil || sess.local == nil {
		return nil
	}
	return sess.local
}

func (s *CallService) RemoteStream() domain.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.active()
	if sess == nil {
		return nil
	}
	return sess.remote
}

// CurrentCallID is empty when no call is live or its id is not known yet.
func (s *CallService) CurrentCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.active(); sess != nil {
		return sess.call.CallID
	}
	return ""
}

// Current returns the most recent session, terminal or not.
func (s *CallService) Current() (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.CallSession{}, false
	}
	return s.current.snapshot(), true
}

// JoinConversation subscribes to a conversation's room so incoming calls for it are delivered.
func (s *CallService) JoinConversation(ctx context.Context, channel domain.Channel, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", domain.ErrInvalidArgument)
	}
	t := s.selector.Select(channel)
	if err := t.Join(ctx, conversationID); err != nil {
		return signalingError(err)
	}
	return nil
}

func (s *CallService) LeaveConversation(ctx context.Context, channel domain.Channel, conversationID string) error {
	t := s.selector.Select(channel)
	if err := t.Leave(ctx, conversationID); err != nil {
		return signalingError(err)
	}
	return nil
}

// Connected reports per-transport connectivity.
func (s *CallService) Connected() map[string]bool {
	out := make(map[string]bool)
	for _, t := range s.selector.All() {
		out[t.Name()] = t.Connected()
	}
	return out
}

func (s *CallService) active() *session {
	if s.current == nil || s.current.call.Status.Terminal() {
		return nil
	}
	return s.current
}

// resolve returns (nil, nil) when the addressed call already reached a
// terminal state: repeated commands on a finished call are no-ops.
func (s *CallService) resolve(callID, conversationID string) (*session, error) {
	if s.closed {
		return nil, domain.ErrClosed
	}
	sess := s.current
	if sess == nil {
		return nil, domain.ErrNoActiveCall
	}
	if conversationID != "" && conversationID != sess.call.ConversationID {
		return nil, domain.ErrCallMismatch
	}
	if callID != "" && sess.call.CallID != "" && callID != sess.call.CallID {
		return nil, domain.ErrCallMismatch
	}
	if sess.call.Status.Terminal() {
		return nil, nil
	}
	return sess, nil
}

func (s *CallService) newSession(t port.Transport, call domain.CallSession) *session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		call:      call,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		queue:     newSerialQueue(),
	}
	lc := log.With().
		Str("conversation_id", call.ConversationID).
		Str("channel", call.Channel.String()).
		Str("direction", string(call.Direction))
	if call.CallID != "" {
		lc = lc.Str("call_id", call.CallID)
	}
	sess.log = lc.Logger()

	ch, unsubscribe := t.Subscribe()
	sess.unsubscribe = unsubscribe
	go s.watch(sess, ch)
	go sess.queue.run(ctx)

	s.current = sess
	return sess
}

func (s *CallService) transition(sess *session, to domain.Status) {
	s.transitionAt(sess, to, s.now())
}

func (s *CallService) transitionAt(sess *session, to domain.Status, at time.Time) {
	from := sess.call.Status
	if err := sess.call.Apply(to, at); err != nil {
		sess.log.Error().Err(err).Str("from", string(from)).Str("to", string(to)).Msg("Rejected transition")
		return
	}
	sess.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("Call status changed")
	s.events.emit(domain.Event{Kind: domain.EventStatusChange, Call: sess.snapshot()})
	if to.Terminal() {
		s.teardown(sess)
	}
}

func (s *CallService) teardown(sess *session) {
	if sess.torn {
		return
	}
	sess.torn = true
	if sess.call.CallID != "" {
		s.finished.Add(callKey(sess.call.CallID), struct{}{})
	}
	if sess.origin != "" {
		s.finished.Add(originKey(sess.origin), struct{}{})
	}
	sess.cancel()
	if sess.unsubscribe != nil {
		sess.unsubscribe()
	}
	sess.releaseLocal()
	sess.remote = nil
	if n := sess.negotiator; n != nil {
		go func() {
			if err := n.Close(); err != nil {
				sess.log.Debug().Err(err).Msg("Negotiator close")
			}
		}()
	}
}

func (s *CallService) fail(sess *session, cerr *domain.CallError) {
	if sess.call.Status.Terminal() {
		return
	}
	sess.call.LastError = cerr
	switch sess.call.Status {
	case domain.StatusDialing:
		if sess.announced {
			s.sendBestEffort(sess, domain.SignalCancel, domain.ControlPayload{Reason: "failed"})
		}
	case domain.StatusAnswered:
		s.sendBestEffort(sess, domain.SignalEnd, domain.ControlPayload{Reason: "failed"})
	}
	sess.log.Warn().Err(cerr).Str("kind", string(cerr.Kind)).Msg("Call failed")
	s.transition(sess, domain.StatusFailed)
	s.emitError(sess.snapshot(), cerr)
}

func (s *CallService) emitError(call domain.CallSession, cerr *domain.CallError) {
	s.events.emit(domain.Event{
		Kind:    domain.EventError,
		Call:    call,
		Error:   cerr,
		Message: s.messages.Lookup(cerr.Kind),
	})
}

func (s *CallService) rejectLocked(sess *session) error {
	s.sendBestEffort(sess, domain.SignalReject, domain.ControlPayload{})
	s.transition(sess, domain.StatusRejected)
	return nil
}

func (s *CallService) cancelLocked(sess *session) error {
	s.sendBestEffort(sess, domain.SignalCancel, domain.ControlPayload{})
	s.transition(sess, domain.StatusEnded)
	return nil
}

func (s *CallService) endLocked(sess *session, durationSeconds *int) error {
	at := s.now()
	d := int(at.Sub(sess.call.AnsweredAt) / time.Second)
	if durationSeconds != nil && *durationSeconds >= 0 {
		d = *durationSeconds
	}
	s.sendBestEffort(sess, domain.SignalEnd, domain.ControlPayload{Duration: &d})
	s.transitionAt(sess, domain.StatusEnded, at)
	return nil
}

func (s *CallService) send(sess *session, t domain.SignalType, payload any) error {
	env, err := domain.NewEnvelope(t, sess.call.ConversationID, sess.call.CallID, payload)
	if err != nil {
		return err
	}
	env.From = s.self.ID
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return sess.transport.Send(ctx, env)
}

// sendBestEffort is for notices whose failure must not reach the user.
func (s *CallService) sendBestEffort(sess *session, t domain.SignalType, payload any) {
	if err := s.send(sess, t, payload); err != nil {
		sess.log.Debug().Err(err).Str("signal", string(t)).Msg("Best-effort signal not delivered")
	}
}

func (s *CallService) acquire(sess *session) {
	sess.acquiring = true
	ctx, callType := sess.ctx, sess.call.CallType
	go func() {
		h, err := s.media.Acquire(ctx, callType)
		s.onMedia(sess, h, err)
	}()
}

func (s *CallService) onMedia(sess *session, h port.MediaHandle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.acquiring = false
	if s.current != sess || sess.call.Status.Terminal() {
		if h != nil {
			h.Release()
			sess.log.Debug().Msg("Released media granted after the call ended")
		}
		return
	}
	if err != nil {
		s.fail(sess, domain.AsCallError(err))
		return
	}

	sess.local = h
	sess.log.Debug().Bool("audio", h.HasAudio()).Bool("video", h.HasVideo()).Msg("Local media acquired")
	s.events.emit(domain.Event{Kind: domain.EventLocalStream, Call: sess.snapshot(), Stream: h})

	switch sess.call.Status {
	case domain.StatusDialing:
		p := domain.InitiatePayload{CallType: sess.call.CallType}
		if !s.anonymous {
			self := s.self
			p.Caller = &self
		}
		if err := s.send(sess, domain.SignalInitiate, p); err != nil {
			s.fail(sess, signalingError(err))
			return
		}
		sess.announced = true

	case domain.StatusRingingIncoming:
		if err := s.send(sess, domain.SignalAnswer, domain.AnswerPayload{Accepted: true}); err != nil {
			s.fail(sess, signalingError(err))
			return
		}
		s.transition(sess, domain.StatusAnswered)
		s.startNegotiation(sess)
	}
}

func (s *CallService) startNegotiation(sess *session) {
	n, err := s.negotiators.NewNegotiator(sess.call.CallID, port.NegotiatorCallbacks{
		OnDescription:  func(d domain.SessionDescription) { s.onLocalDescription(sess, d) },
		OnCandidate:    func(c domain.ICECandidate) { s.onLocalCandidate(sess, c) },
		OnRemoteStream: func(st domain.Stream) { s.onRemoteStream(sess, st) },
		OnFailed:       func(err error) { s.onNegotiationFailed(sess, err) },
	})
	if err != nil {
		s.fail(sess, domain.NewError(domain.KindNegotiationFailed, err))
		return
	}
	sess.negotiator = n

	role := port.RoleAnswerer
	if sess.call.Direction == domain.DirectionOutgoing {
		role = port.RoleOfferer
	}
	ctx, local, pending := sess.ctx, sess.local, sess.pending
	sess.pending = nil
	sess.log.Debug().Str("role", role.String()).Msg("Starting negotiation")

	sess.queue.push(func() {
		if err := n.Start(ctx, role, local); err != nil {
			s.onNegotiationFailed(sess, err)
			return
		}
		for _, c := range pending {
			if err := n.AddCandidate(c); err != nil {
				sess.log.Debug().Err(err).Msg("Dropped early remote candidate")
			}
		}
	})
}

func (s *CallService) listen(t port.Transport, ch <-chan port.Delivery) {
	for d := range ch {
		if d.Down {
			continue
		}
		switch d.Envelope.Type {
		case domain.SignalIncoming:
			s.onIncoming(t, d.Envelope, false)
		case domain.SignalInitiate:
			if s.assignIDs {
				s.onIncoming(t, d.Envelope, true)
			}
		}
	}
}

func (s *CallService) watch(sess *session, ch <-chan port.Delivery) {
	for d := range ch {
		if d.Down {
			s.onTransportDown(sess)
			continue
		}
		s.onSignal(sess, d.Envelope)
	}
}

func (s *CallService) onIncoming(t port.Transport, env domain.Envelope, assign bool) {
	var p domain.IncomingPayload
	if err := env.Decode(&p); err != nil || !p.CallType.Valid() {
		log.Warn().Err(err).Str("conversation_id", env.ConversationID).Msg("Malformed incoming call")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || env.From == s.self.ID {
		return
	}
	if s.isFinished(env) {
		log.Debug().Str("conversation_id", env.ConversationID).Str("call_id", env.CallID).Msg("Ignoring call that already finished")
		return
	}

	callID := env.CallID
	if assign {
		callID = domain.NewCallID()
	} else if callID == "" {
		log.Warn().Str("conversation_id", env.ConversationID).Msg("Incoming call without call id")
		return
	}

	if cur := s.active(); cur != nil {
		if !assign && cur.call.CallID == callID {
			return
		}
		if assign && env.ID != "" && cur.origin == env.ID {
			return
		}
		s.replyBusy(t, env)
		return
	}

	caller := p.Caller
	sess := s.newSession(t, domain.CallSession{
		CallID:         callID,
		ConversationID: env.ConversationID,
		Channel:        s.selector.ChannelOf(t),
		Direction:      domain.DirectionIncoming,
		CallType:       p.CallType,
		Status:         domain.StatusIdle,
		Counterpart:    &caller,
		StartedAt:      s.now(),
	})
	if assign {
		sess.origin = env.ID
	}
	if err := t.Join(sess.ctx, env.ConversationID); err != nil {
		sess.log.Warn().Err(err).Msg("Join conversation room")
	}
	if assign {
		if err := s.send(sess, domain.SignalIDAssigned, nil); err != nil {
			sess.log.Warn().Err(err).Msg("Could not announce call id")
		}
	}

	s.events.emit(domain.Event{
		Kind: domain.EventIncomingCall,
		Call: sess.snapshot(),
		Incoming: &domain.IncomingCall{
			CallID:         callID,
			ConversationID: env.ConversationID,
			Channel:        sess.call.Channel,
			CallType:       p.CallType,
			Caller:         caller,
		},
	})
	s.transition(sess, domain.StatusRingingIncoming)
}

func (s *CallService) replyBusy(t port.Transport, env domain.Envelope) {
	reply, err := domain.NewEnvelope(domain.SignalReject, env.ConversationID, env.CallID, domain.ControlPayload{Reason: "busy"})
	if err != nil {
		return
	}
	reply.From = s.self.ID
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := t.Send(ctx, reply); err != nil {
		log.Debug().Err(err).Str("conversation_id", env.ConversationID).Msg("Busy reply not delivered")
	}
}

func (s *CallService) onSignal(sess *session, env domain.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != sess || sess.call.Status.Terminal() {
		return
	}
	if env.From == s.self.ID {
		return
	}
	if env.ConversationID != sess.call.ConversationID {
		return
	}
	if env.CallID != "" && env.CallID != sess.call.CallID &&
		(sess.call.CallID != "" || s.finished.Contains(callKey(env.CallID))) {
		sess.log.Debug().Str("signal", string(env.Type)).Str("other_call_id", env.CallID).Msg("Ignoring signal for another call")
		return
	}

	status := sess.call.Status
	switch env.Type {
	case domain.SignalIDAssigned:
		if sess.call.Direction == domain.DirectionOutgoing {
			s.assignCallID(sess, env.CallID)
		}

	case domain.SignalAnswer:
		var p domain.AnswerPayload
		if err := env.Decode(&p); err != nil {
			sess.log.Warn().Err(err).Msg("Malformed answer")
			return
		}
		if p.IsDescription() {
			s.onRemoteDescription(sess, *p.Description)
			return
		}
		if status != domain.StatusDialing || sess.call.Direction != domain.DirectionOutgoing {
			return
		}
		s.assignCallID(sess, env.CallID)
		s.transition(sess, domain.StatusAnswered)
		s.startNegotiation(sess)

	case domain.SignalReject:
		if status == domain.StatusDialing {
			s.transition(sess, domain.StatusRejected)
		}

	case domain.SignalCancel:
		if status == domain.StatusRingingIncoming {
			s.transition(sess, domain.StatusEnded)
		}

	case domain.SignalEnd:
		var p domain.ControlPayload
		_ = env.Decode(&p)
		if p.Duration != nil {
			sess.log.Debug().Int("duration", *p.Duration).Msg("Remote reported duration")
		}
		s.transition(sess, domain.StatusEnded)

	case domain.SignalICECandidate:
		var p domain.CandidatePayload
		if err := env.Decode(&p); err != nil {
			sess.log.Warn().Err(err).Msg("Malformed candidate")
			return
		}
		s.onRemoteCandidate(sess, p.Candidate)
	}
}

func (s *CallService) assignCallID(sess *session, callID string) {
	if !sess.call.AssignCallID(callID) {
		return
	}
	sess.log = sess.log.With().Str("call_id", callID).Logger()
	sess.log.Debug().Msg("Call id assigned")
	s.events.emit(domain.Event{Kind: domain.EventCallIDReceived, Call: sess.snapshot()})
}

func (s *CallService) onRemoteDescription(sess *session, desc domain.SessionDescription) {
	n := sess.negotiator
	if n == nil {
		sess.log.Debug().Str("sdp_type", string(desc.Type)).Msg("Description before negotiation started, dropped")
		return
	}
	ctx := sess.ctx
	sess.queue.push(func() {
		if err := n.HandleDescription(ctx, desc); err != nil {
			s.onNegotiationFailed(sess, err)
		}
	})
}

func (s *CallService) onRemoteCandidate(sess *session, c domain.ICECandidate) {
	n := sess.negotiator
	if n == nil {
		sess.pending = append(sess.pending, c)
		return
	}
	sess.queue.push(func() {
		if err := n.AddCandidate(c); err != nil {
			sess.log.Debug().Err(err).Msg("Remote candidate rejected")
		}
	})
}

func (s *CallService) onLocalDescription(sess *session, desc domain.SessionDescription) {
	s.sendFromNegotiator(sess, domain.SignalAnswer, domain.AnswerPayload{Description: &desc})
}

func (s *CallService) onLocalCandidate(sess *session, c domain.ICECandidate) {
	s.sendFromNegotiator(sess, domain.SignalICECandidate, domain.CandidatePayload{Candidate: c})
}

func (s *CallService) sendFromNegotiator(sess *session, t domain.SignalType, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != sess || sess.call.Status != domain.StatusAnswered {
		return
	}
	err := s.send(sess, t, payload)
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrSignalingUnavailable) {
		s.fail(sess, domain.AsCallError(err))
		return
	}
	sess.log.Warn().Err(err).Str("signal", string(t)).Msg("Negotiation signal not sent")
}

func (s *CallService) onRemoteStream(sess *session, st domain.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != sess || sess.call.Status != domain.StatusAnswered || st == nil {
		return
	}
	if sess.remote != nil && sess.remote.StreamID() == st.StreamID() {
		return
	}
	sess.remote = st
	sess.log.Info().Bool("audio", st.HasAudio()).Bool("video", st.HasVideo()).Msg("Remote stream available")
	s.events.emit(domain.Event{Kind: domain.EventRemoteStream, Call: sess.snapshot(), Stream: st})
}

func (s *CallService) onNegotiationFailed(sess *session, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != sess || sess.call.Status.Terminal() || sess.ctx.Err() != nil {
		return
	}
	cerr := domain.AsCallError(err)
	if cerr.Kind != domain.KindNegotiationFailed {
		cerr = domain.NewError(domain.KindNegotiationFailed, err)
	}
	s.fail(sess, cerr)
}

func (s *CallService) onTransportDown(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != sess || sess.call.Status.Terminal() {
		return
	}
	s.fail(sess, domain.NewError(domain.KindSignalingUnavailable, fmt.Errorf("%s transport dropped", sess.transport.Name())))
}

func signalingError(err error) *domain.CallError {
	if domain.KindOf(err) == domain.KindSignalingUnavailable {
		return domain.AsCallError(err)
	}
	return domain.NewError(domain.KindSignalingUnavailable, err)
}

func newFinished(size int) *lru.Cache[string, struct{}] {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		panic(err)
	}
	return c
}

func callKey(id string) string   { return "call:" + id }
func originKey(id string) string { return "env:" + id }

// isFinished reports whether env announces a call this service already tore down.
func (s *CallService) isFinished(env domain.Envelope) bool {
	if env.CallID != "" && s.finished.Contains(callKey(env.CallID)) {
		return true
	}
	return env.Type == domain.SignalInitiate && env.ID != "" && s.finished.Contains(originKey(env.ID))
}
