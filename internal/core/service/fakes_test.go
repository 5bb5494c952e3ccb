package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/require"
)

// loopNet routes envelopes between in-process transports. Each transport
// delivers from its own goroutine in arrival order.
type loopNet struct {
	mu        sync.Mutex
	endpoints map[domain.UserID]*loopTransport
	paused    bool
	held      []domain.Envelope
}

func newLoopNet() *loopNet {
	return &loopNet{endpoints: make(map[domain.UserID]*loopTransport)}
}

func (n *loopNet) pause() {
	n.mu.Lock()
	n.paused = true
	n.mu.Unlock()
}

func (n *loopNet) resume() {
	n.mu.Lock()
	n.paused = false
	held := n.held
	n.held = nil
	n.mu.Unlock()
	for _, env := range held {
		n.route(env)
	}
}

func (n *loopNet) route(env domain.Envelope) {
	n.mu.Lock()
	if n.paused {
		n.held = append(n.held, env)
		n.mu.Unlock()
		return
	}
	dst := n.endpoints[env.To]
	n.mu.Unlock()
	if dst != nil {
		dst.inbox <- env
	}
}

type loopTransport struct {
	id  domain.UserID
	net *loopNet

	mu      sync.Mutex
	handler func(domain.Envelope)
	state   domain.ConnectionState
	sent    []domain.Envelope

	inbox chan domain.Envelope
	done  chan struct{}
}

func (n *loopNet) join(id domain.UserID) *loopTransport {
	t := &loopTransport{
		id:    id,
		net:   n,
		state: domain.ConnectionConnected,
		inbox: make(chan domain.Envelope, 256),
		done:  make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[id] = t
	n.mu.Unlock()
	go t.pump()
	return t
}

func (t *loopTransport) pump() {
	for {
		select {
		case <-t.done:
			return
		case env := <-t.inbox:
			t.mu.Lock()
			h := t.handler
			t.mu.Unlock()
			if h != nil {
				h(env)
			}
		}
	}
}

func (t *loopTransport) close() { close(t.done) }

func (t *loopTransport) Send(_ context.Context, env domain.Envelope) error {
	t.mu.Lock()
	if t.state != domain.ConnectionConnected {
		t.mu.Unlock()
		return errors.New("not connected")
	}
	t.sent = append(t.sent, env)
	t.mu.Unlock()
	t.net.route(env)
	return nil
}

func (t *loopTransport) OnMessage(h func(domain.Envelope)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *loopTransport) ConnectionState() domain.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *loopTransport) setState(s domain.ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// inject delivers env as if it came from the network.
func (t *loopTransport) inject(env domain.Envelope) {
	t.inbox <- env
}

func (t *loopTransport) sentOfType(typ domain.EnvelopeType, id domain.SessionID) []domain.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Envelope
	for _, env := range t.sent {
		if env.Type == typ && (id == "" || env.SessionID == id) {
			out = append(out, env)
		}
	}
	return out
}

type fakeEngine struct {
	mu    sync.Mutex
	peers map[domain.SessionID]*fakePeer

	// configure new peers
	gateRemote chan struct{}
	candidates int
	fail       bool
	noConnect  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{peers: make(map[domain.SessionID]*fakePeer)}
}

func (e *fakeEngine) NewPeer(id domain.SessionID, _ domain.MediaType) (port.MediaPeer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &fakePeer{
		gate:       e.gateRemote,
		candidates: e.candidates,
		fail:       e.fail,
		noConnect:  e.noConnect,
	}
	e.peers[id] = p
	return p, nil
}

func (e *fakeEngine) peer(id domain.SessionID) *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[id]
}

type fakePeer struct {
	gate       chan struct{}
	candidates int
	fail       bool
	noConnect  bool

	mu        sync.Mutex
	onICE     func(domain.ICECandidate)
	onState   func(domain.MediaState)
	remoteSet bool
	remotes   int
	added     []domain.ICECandidate
	early     int
	closed    bool
}

func (p *fakePeer) CreateOffer(context.Context) (domain.SessionDescription, error) {
	p.emitCandidates("offerer")
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context, domain.SessionDescription) (domain.SessionDescription, error) {
	p.emitCandidates("answerer")
	p.report()
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	p.mu.Lock()
	p.remotes++
	p.mu.Unlock()
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.remoteSet = true
	p.mu.Unlock()
	if desc.Type == "answer" {
		p.report()
	}
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		p.early++
		return errors.New("remote description not set")
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) OnICECandidate(cb func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onICE = cb
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(cb func(domain.MediaState)) {
	p.mu.Lock()
	p.onState = cb
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emitCandidates(prefix string) {
	p.mu.Lock()
	cb := p.onICE
	n := p.candidates
	p.mu.Unlock()
	if cb == nil {
		return
	}
	go func() {
		for i := 0; i < n; i++ {
			cb(domain.ICECandidate{Candidate: prefix + "-" + string(rune('a'+i))})
		}
	}()
}

func (p *fakePeer) report() {
	if p.noConnect {
		return
	}
	st := domain.MediaStateConnected
	if p.fail {
		st = domain.MediaStateFailed
	}
	p.setState(st)
}

func (p *fakePeer) setState(st domain.MediaState) {
	p.mu.Lock()
	cb := p.onState
	p.mu.Unlock()
	if cb != nil {
		go cb(st)
	}
}

func (p *fakePeer) snapshot() (added []domain.ICECandidate, early int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ICECandidate(nil), p.added...), p.early, p.closed
}

// stateLog records transitions per session and checks that no more than one
// session is non-terminal at any time.
type stateLog struct {
	mu        sync.Mutex
	states    map[domain.SessionID][]domain.CallState
	changes   []StateChange
	live      map[domain.SessionID]bool
	maxLive   int
	incomings []IncomingCall
}

func newStateLog() *stateLog {
	return &stateLog{
		states: make(map[domain.SessionID][]domain.CallState),
		live:   make(map[domain.SessionID]bool),
	}
}

func (l *stateLog) record(c StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := c.Session.ID
	if len(l.states[id]) == 0 {
		l.states[id] = append(l.states[id], c.From)
	}
	l.states[id] = append(l.states[id], c.To)
	l.changes = append(l.changes, c)
	if c.To.IsTerminal() {
		delete(l.live, id)
	} else {
		l.live[id] = true
	}
	if len(l.live) > l.maxLive {
		l.maxLive = len(l.live)
	}
}

func (l *stateLog) incoming(c IncomingCall) {
	l.mu.Lock()
	l.incomings = append(l.incomings, c)
	l.mu.Unlock()
}

func (l *stateLog) sequence(id domain.SessionID) []domain.CallState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.CallState(nil), l.states[id]...)
}

func (l *stateLog) last(id domain.SessionID) domain.CallState {
	seq := l.sequence(id)
	if len(seq) == 0 {
		return ""
	}
	return seq[len(seq)-1]
}

func (l *stateLog) outcome(id domain.SessionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.changes) - 1; i >= 0; i-- {
		if l.changes[i].Session.ID == id {
			return l.changes[i].Err
		}
	}
	return nil
}

func (l *stateLog) incomingCalls() []IncomingCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]IncomingCall(nil), l.incomings...)
}

func (l *stateLog) sessions() []domain.SessionID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.SessionID, 0, len(l.states))
	for id := range l.states {
		out = append(out, id)
	}
	return out
}

func (l *stateLog) peakLive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLive
}

type endpoint struct {
	id        domain.UserID
	transport *loopTransport
	channel   *SignalingChannel
	presence  *PresenceTracker
	media     *fakeEngine
	manager   *CallManager
	log       *stateLog
}

func testCallConfig() CallConfig {
	return CallConfig{
		RingTimeout:        time.Minute,
		NegotiationTimeout: time.Minute,
		AutoBusyPresence:   true,
	}
}

func newEndpoint(t *testing.T, net *loopNet, id domain.UserID, cfg CallConfig, media *fakeEngine) *endpoint {
	t.Helper()
	if media == nil {
		media = newFakeEngine()
	}
	tr := net.join(id)
	ch := NewSignalingChannel(tr)
	pt := NewPresenceTracker(id, ch, PresenceConfig{StaleAfter: time.Minute, HeartbeatInterval: time.Minute})
	m, err := NewCallManager(id, ch, pt, media, cfg)
	require.NoError(t, err)

	ep := &endpoint{id: id, transport: tr, channel: ch, presence: pt, media: media, manager: m, log: newStateLog()}
	m.OnStateChange(ep.log.record)
	m.OnIncomingCall(ep.log.incoming)

	go m.Run()
	t.Cleanup(func() {
		m.Stop()
		tr.close()
	})
	return ep
}

// befriend brings both endpoints online and makes each see the other.
func befriend(t *testing.T, a, b *endpoint) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.presence.SetLocalStatus(ctx, domain.StatusOnline))
	require.NoError(t, b.presence.SetLocalStatus(ctx, domain.StatusOnline))
	a.presence.Watch(ctx, b.id)
	b.presence.Watch(ctx, a.id)
	require.Eventually(t, func() bool {
		return a.presence.GetStatus(b.id).Status == domain.StatusOnline &&
			b.presence.GetStatus(a.id).Status == domain.StatusOnline
	}, 2*time.Second, 5*time.Millisecond)
}

func waitState(t *testing.T, ep *endpoint, id domain.SessionID, want domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ep.log.last(id) == want
	}, 2*time.Second, 5*time.Millisecond, "%s: session %s never reached %s (seq %v)", ep.id, id, want, ep.log.sequence(id))
}

func waitIncoming(t *testing.T, ep *endpoint) IncomingCall {
	t.Helper()
	var call IncomingCall
	require.Eventually(t, func() bool {
		calls := ep.log.incomingCalls()
		if len(calls) == 0 {
			return false
		}
		call = calls[len(calls)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return call
}

func mustEnvelope(t *testing.T, id domain.SessionID, typ domain.EnvelopeType, from, to domain.UserID, payload any) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(id, typ, from, to, payload)
	require.NoError(t, err)
	return env
}
