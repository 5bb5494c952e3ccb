package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRingTimeout        = 45 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultSendTimeout        = 5 * time.Second

	eventQueueSize = 64
)

type CallConfig struct {
	RingTimeout        time.Duration
	NegotiationTimeout time.Duration
	SendTimeout        time.Duration
	// AutoBusyPresence switches the local presence to busy while a call is
	// in progress, when it was online.
	AutoBusyPresence bool
	Now              func() time.Time
}

type IncomingCall struct {
	SessionID domain.SessionID
	From      domain.UserID
	MediaType domain.MediaType
}

// StateChange is delivered for every session transition. Err carries the
// outcome of terminal states other than ended.
type StateChange struct {
	Session domain.CallSession
	From    domain.CallState
	To      domain.CallState
	Err     error
}

// CallManager owns the single active call slot of the local endpoint. Every
// transition (local actions, inbound envelopes, timers, media callbacks) is
// serialised onto one event loop started with Run.
//
// Observers are invoked on the event loop. They must not block and must not
// call back into the manager synchronously.
type CallManager struct {
	localID  domain.UserID
	channel  *SignalingChannel
	presence *PresenceTracker
	media    port.MediaEngine
	cfg      CallConfig

	events   chan func()
	quit     chan struct{}
	stopped  chan struct{}
	running  atomic.Bool
	stopOnce sync.Once

	// loop owned
	active        *callSession
	restoreStatus domain.PresenceStatus

	obsMu             sync.RWMutex
	incomingObservers []func(IncomingCall)
	stateObservers    []func(StateChange)
}

func NewCallManager(localID domain.UserID, channel *SignalingChannel, presence *PresenceTracker, media port.MediaEngine, cfg CallConfig) (*CallManager, error) {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &CallManager{
		localID:  localID,
		channel:  channel,
		presence: presence,
		media:    media,
		cfg:      cfg,
		events:   make(chan func(), eventQueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	if err := channel.OnMessage(m.receive); err != nil {
		return nil, fmt.Errorf("register signaling consumer: %w", err)
	}
	return m, nil
}

// Run processes events until Stop is called.
func (m *CallManager) Run() {
	m.running.Store(true)
	defer close(m.stopped)

	for {
		select {
		case <-m.quit:
			if s := m.active; s != nil {
				log.Info().Str("session_id", s.ID.String()).Msg("Shutting down, hanging up active call")
				m.sendBestEffort(s, domain.EnvelopeHangup, nil)
				m.transition(s, domain.EventLocalCancel)
			}
			return
		case fn := <-m.events:
			fn()
		}
	}
}

// Stop hangs up any active call and stops the event loop.
func (m *CallManager) Stop() {
	m.stopOnce.Do(func() {
		_ = m.channel.OnMessage(nil)
		close(m.quit)
		if m.running.Load() {
			<-m.stopped
		}
	})
}

func (m *CallManager) OnIncomingCall(fn func(IncomingCall)) {
	m.obsMu.Lock()
	m.incomingObservers = append(m.incomingObservers, fn)
	m.obsMu.Unlock()
}

func (m *CallManager) OnStateChange(fn func(StateChange)) {
	m.obsMu.Lock()
	m.stateObservers = append(m.stateObservers, fn)
	m.obsMu.Unlock()
}

// StartCall invites remote to a call. It fails with ErrAlreadyInCall,
// ErrUserOffline or ErrChannelUnavailable; no envelope is sent on failure.
func (m *CallManager) StartCall(ctx context.Context, remote domain.UserID, media domain.MediaType) (domain.SessionID, error) {
	if remote.IsZero() || remote == m.localID {
		return "", domain.ErrInvalidTarget
	}
	if !media.Valid() {
		return "", domain.ErrInvalidMediaType
	}

	var id domain.SessionID
	err := m.do(ctx, func() error {
		if m.active != nil {
			return domain.ErrAlreadyInCall
		}
		if m.presence.GetStatus(remote).Status == domain.StatusOffline {
			return domain.ErrUserOffline
		}

		s := newCallSession(domain.NewSessionID(), m.localID, remote, domain.DirectionOutgoing, media, m.cfg.Now())
		if err := m.sendFor(s, domain.EnvelopeInvite, domain.InvitePayload{MediaType: media}); err != nil {
			return err
		}

		m.active = s
		m.transition(s, domain.EventLocalInitiate)
		m.armRingTimer(s)
		id = s.ID
		return nil
	})
	return id, err
}

// AcceptIncoming answers a ringing incoming call. ErrSessionNotFound is
// returned when no matching incoming-ringing session exists, typically
// because the caller already hung up.
func (m *CallManager) AcceptIncoming(ctx context.Context, id domain.SessionID) error {
	return m.do(ctx, func() error {
		s := m.active
		if s == nil || s.ID != id || s.State != domain.StateIncomingRinging {
			return domain.ErrSessionNotFound
		}
		return m.accept(s)
	})
}

// RejectIncoming declines a ringing incoming call. Unknown or finished
// sessions are a no-op.
func (m *CallManager) RejectIncoming(ctx context.Context, id domain.SessionID) error {
	return m.do(ctx, func() error {
		s := m.active
		if s == nil || s.ID != id {
			return nil
		}
		if s.State != domain.StateIncomingRinging {
			log.Debug().Str("session_id", id.String()).Str("state", string(s.State)).Msg("Reject ignored, session not ringing")
			return nil
		}
		m.sendBestEffort(s, domain.EnvelopeReject, nil)
		m.transition(s, domain.EventLocalReject)
		return nil
	})
}

// EndCall hangs up the session. Unknown or finished sessions are a no-op.
func (m *CallManager) EndCall(ctx context.Context, id domain.SessionID) error {
	return m.do(ctx, func() error {
		s := m.active
		if s == nil || s.ID != id {
			return nil
		}
		m.sendBestEffort(s, domain.EnvelopeHangup, nil)
		m.transition(s, domain.EventLocalCancel)
		return nil
	})
}

// ActiveSession returns a snapshot of the non-terminal session, if any.
func (m *CallManager) ActiveSession(ctx context.Context) (domain.CallSession, bool, error) {
	var (
		snap domain.CallSession
		ok   bool
	)
	err := m.do(ctx, func() error {
		if m.active != nil {
			snap, ok = m.active.snapshot(), true
		}
		return nil
	})
	return snap, ok, err
}

// do runs fn on the event loop and waits for its result. A queued fn is
// always waited for; ctx is checked again when it runs.
func (m *CallManager) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := make(chan error, 1)
	queued := func() {
		if err := ctx.Err(); err != nil {
			res <- err
			return
		}
		res <- fn()
	}
	select {
	case m.events <- queued:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.quit:
		return domain.ErrManagerStopped
	}

	select {
	case err := <-res:
		return err
	case <-m.quit:
		// The loop finishes the event in hand before it exits.
		if m.running.Load() {
			<-m.stopped
		}
		select {
		case err := <-res:
			return err
		default:
			return domain.ErrManagerStopped
		}
	}
}

// post queues fn from outside the loop. Dropped once the manager stops.
func (m *CallManager) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.quit:
	}
}

// postSession queues fn guarded by a check that id is still the active
// session at delivery time. Late timer and media callbacks land here.
func (m *CallManager) postSession(id domain.SessionID, fn func(*callSession)) {
	m.post(func() {
		s := m.active
		if s == nil || s.ID != id {
			log.Debug().Str("session_id", id.String()).Msg("Discarding callback for inactive session")
			return
		}
		fn(s)
	})
}

// receive is the signaling channel consumer. It runs on the transport's
// goroutine, so it only enqueues.
func (m *CallManager) receive(env domain.Envelope) {
	m.post(func() { m.handleEnvelope(env) })
}

func (m *CallManager) handleEnvelope(env domain.Envelope) {
	l := log.With().
		Str("session_id", env.SessionID.String()).
		Str("type", string(env.Type)).
		Str("from", env.From.String()).
		Logger()

	if env.To != m.localID {
		l.Warn().Str("to", env.To.String()).Msg("Dropping misrouted envelope")
		return
	}
	if env.Type.IsPresence() {
		m.presence.HandleEnvelope(context.Background(), env)
		return
	}
	if env.Type == domain.EnvelopeInvite {
		m.handleInvite(env)
		return
	}

	s := m.active
	if s == nil || s.ID != env.SessionID || s.RemoteUserID != env.From {
		l.Debug().Msg("Dropping stale envelope")
		return
	}

	switch env.Type {
	case domain.EnvelopeRinging:
		l.Debug().Msg("Remote is ringing")
	case domain.EnvelopeAccept:
		if m.transition(s, domain.EventRemoteAccept) {
			m.beginNegotiation(s, true)
		}
	case domain.EnvelopeReject:
		m.transition(s, domain.EventRemoteReject)
	case domain.EnvelopeBusy:
		m.transition(s, domain.EventRemoteBusy)
	case domain.EnvelopeTimeout:
		m.transition(s, domain.EventRemoteTimeout)
	case domain.EnvelopeHangup:
		m.transition(s, domain.EventRemoteHangup)
	case domain.EnvelopeOffer, domain.EnvelopeAnswer:
		if s.negotiator == nil {
			l.Debug().Msg("No negotiation in progress, dropping description")
			return
		}
		var desc domain.SessionDescription
		if err := env.Decode(&desc); err != nil {
			l.Warn().Err(err).Msg("Dropping malformed description")
			return
		}
		if env.Type == domain.EnvelopeOffer {
			s.negotiator.handleOffer(desc)
		} else {
			s.negotiator.handleAnswer(desc)
		}
	case domain.EnvelopeICECandidate:
		if s.negotiator == nil {
			l.Debug().Msg("No negotiation in progress, dropping candidate")
			return
		}
		var c domain.ICECandidate
		if err := env.Decode(&c); err != nil {
			l.Warn().Err(err).Msg("Dropping malformed candidate")
			return
		}
		s.negotiator.handleCandidate(c)
	}
}

func (m *CallManager) handleInvite(env domain.Envelope) {
	l := log.With().Str("session_id", env.SessionID.String()).Str("from", env.From.String()).Logger()

	var p domain.InvitePayload
	if err := env.Decode(&p); err != nil || !p.MediaType.Valid() {
		l.Warn().Err(err).Msg("Dropping malformed invite")
		return
	}

	if s := m.active; s != nil {
		if s.ID == env.SessionID {
			l.Debug().Msg("Duplicate invite")
			return
		}

		glare := s.State == domain.StateOutgoingRinging && s.RemoteUserID == env.From
		if !glare || m.localID.Less(env.From) {
			l.Info().Bool("glare", glare).Msg("Busy, declining invite")
			m.replyBusy(env)
			return
		}

		// Both sides invited each other and the remote id sorts first: its
		// session wins, ours is dropped and its invite is taken instead.
		l.Info().Str("superseded", s.ID.String()).Msg("Simultaneous invite, yielding to remote session")
		m.transition(s, domain.EventSuperseded)
		m.ring(env, p.MediaType, true)
		return
	}

	m.ring(env, p.MediaType, false)
}

func (m *CallManager) ring(env domain.Envelope, media domain.MediaType, autoAccept bool) {
	s := newCallSession(env.SessionID, m.localID, env.From, domain.DirectionIncoming, media, m.cfg.Now())
	m.active = s
	m.transition(s, domain.EventRemoteInvite)
	m.sendBestEffort(s, domain.EnvelopeRinging, nil)

	if autoAccept {
		err := m.accept(s)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("session_id", s.ID.String()).Msg("Auto accept failed, ringing instead")
	}

	m.armRingTimer(s)

	call := IncomingCall{SessionID: s.ID, From: s.RemoteUserID, MediaType: s.MediaType}
	m.obsMu.RLock()
	observers := slices.Clone(m.incomingObservers)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(call)
	}
}

func (m *CallManager) accept(s *callSession) error {
	if err := m.sendFor(s, domain.EnvelopeAccept, nil); err != nil {
		return err
	}
	if m.transition(s, domain.EventLocalAccept) {
		m.beginNegotiation(s, false)
	}
	return nil
}

func (m *CallManager) replyBusy(invite domain.Envelope) {
	env, err := domain.NewEnvelope(invite.SessionID, domain.EnvelopeBusy, m.localID, invite.From, nil)
	if err != nil {
		return
	}
	if err := m.send(env); err != nil {
		log.Debug().Err(err).Str("session_id", invite.SessionID.String()).Msg("Busy reply dropped")
	}
}

func (m *CallManager) armRingTimer(s *callSession) {
	id := s.ID
	s.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.postSession(id, m.ringTimedOut)
	})
}

func (m *CallManager) ringTimedOut(s *callSession) {
	switch s.State {
	case domain.StateOutgoingRinging:
		m.sendBestEffort(s, domain.EnvelopeHangup, nil)
	case domain.StateIncomingRinging:
		m.sendBestEffort(s, domain.EnvelopeTimeout, nil)
	default:
		return
	}
	log.Info().Str("session_id", s.ID.String()).Dur("after", m.cfg.RingTimeout).Msg("Ring timeout")
	m.transition(s, domain.EventRingTimeout)
}

func (m *CallManager) beginNegotiation(s *callSession, offerer bool) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}

	peer, err := m.media.NewPeer(s.ID, s.MediaType)
	if err != nil {
		m.failNegotiation(s, fmt.Errorf("create media peer: %w", err))
		return
	}

	id := s.ID
	n := newNegotiator(id, peer, offerer, negotiationHooks{
		post: func(fn func()) {
			m.postSession(id, func(*callSession) { fn() })
		},
		send: func(t domain.EnvelopeType, payload any) {
			m.sendBestEffort(s, t, payload)
		},
		result: func(ok bool) {
			m.mediaResult(s, ok)
		},
	})
	s.negotiator = n
	s.negotiationTimer = time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.postSession(id, func(s *callSession) {
			if s.State == domain.StateConnecting {
				m.failNegotiation(s, errors.New("negotiation timed out"))
			}
		})
	})
	n.start()
}

// mediaResult runs on the loop, behind the session guard.
func (m *CallManager) mediaResult(s *callSession, ok bool) {
	switch {
	case s.State == domain.StateConnecting && ok:
		if s.negotiationTimer != nil {
			s.negotiationTimer.Stop()
			s.negotiationTimer = nil
		}
		m.transition(s, domain.EventNegotiationOK)
	case s.State == domain.StateConnecting:
		m.failNegotiation(s, errors.New("media connection failed"))
	case s.State == domain.StateConnected && !ok:
		log.Warn().Str("session_id", s.ID.String()).Msg("Media connection lost")
		m.sendBestEffort(s, domain.EnvelopeHangup, nil)
		m.transition(s, domain.EventMediaLost)
	}
}

func (m *CallManager) failNegotiation(s *callSession, err error) {
	log.Warn().Err(err).Str("session_id", s.ID.String()).Msg("Negotiation failed")
	m.sendBestEffort(s, domain.EnvelopeHangup, nil)
	m.transition(s, domain.EventNegotiationFail)
}

// transition applies ev to s, releases the slot on terminal states and
// notifies observers. It reports whether the event was applied.
func (m *CallManager) transition(s *callSession, ev domain.SessionEvent) bool {
	from, err := s.fire(ev, m.cfg.Now())
	if err != nil {
		log.Debug().Err(err).Str("session_id", s.ID.String()).Msg("Ignoring event")
		return false
	}

	log.Info().
		Str("session_id", s.ID.String()).
		Str("remote_user_id", s.RemoteUserID.String()).
		Str("from", string(from)).
		Str("to", string(s.State)).
		Str("event", string(ev)).
		Msg("Call state changed")

	if from == domain.StateIdle {
		m.enterBusy()
	}
	if s.terminal() {
		m.release(s)
	}

	change := StateChange{Session: s.snapshot(), From: from, To: s.State, Err: s.State.Outcome()}
	m.obsMu.RLock()
	observers := slices.Clone(m.stateObservers)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(change)
	}
	return true
}

func (m *CallManager) release(s *callSession) {
	s.stopTimers()
	if s.negotiator != nil {
		s.negotiator.close()
	}
	if m.active == s {
		m.active = nil
		m.leaveBusy()
	}
}

func (m *CallManager) enterBusy() {
	if !m.cfg.AutoBusyPresence || m.restoreStatus != "" {
		return
	}
	if m.presence.LocalStatus() != domain.StatusOnline {
		return
	}
	m.restoreStatus = domain.StatusOnline
	if err := m.presence.SetLocalStatus(context.Background(), domain.StatusBusy); err != nil {
		log.Debug().Err(err).Msg("Failed to set busy presence")
	}
}

func (m *CallManager) leaveBusy() {
	status := m.restoreStatus
	if status == "" {
		return
	}
	m.restoreStatus = ""
	if m.presence.LocalStatus() != domain.StatusBusy {
		return
	}
	if err := m.presence.SetLocalStatus(context.Background(), status); err != nil {
		log.Debug().Err(err).Msg("Failed to restore presence")
	}
}

func (m *CallManager) sendFor(s *callSession, t domain.EnvelopeType, payload any) error {
	env, err := domain.NewEnvelope(s.ID, t, m.localID, s.RemoteUserID, payload)
	if err != nil {
		return err
	}
	return m.send(env)
}

// sendBestEffort drops the envelope when the channel is unavailable; call
// actions are never queued for later delivery.
func (m *CallManager) sendBestEffort(s *callSession, t domain.EnvelopeType, payload any) {
	if err := m.sendFor(s, t, payload); err != nil {
		log.Warn().Err(err).
			Str("session_id", s.ID.String()).
			Str("type", string(t)).
			Msg("Envelope dropped")
	}
}

func (m *CallManager) send(env domain.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()
	return m.channel.Send(ctx, env)
}
