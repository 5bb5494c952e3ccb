package domain

import "time"

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

func (m MediaType) Valid() bool {
	return m == MediaAudio || m == MediaVideo
}

type CallState string

const (
	StateIdle            CallState = "idle"
	StateOutgoingRinging CallState = "outgoing-ringing"
	StateIncomingRinging CallState = "incoming-ringing"
	StateConnecting      CallState = "connecting"
	StateConnected       CallState = "connected"

	StateEnded    CallState = "ended"
	StateRejected CallState = "rejected"
	StateBusy     CallState = "busy"
	StateTimeout  CallState = "timeout"
	StateFailed   CallState = "failed"
)

func (s CallState) IsTerminal() bool {
	switch s {
	case StateEnded, StateRejected, StateBusy, StateTimeout, StateFailed:
		return true
	}
	return false
}

// Outcome maps a terminal state to its error vocabulary. A normally ended
// call has no outcome error.
func (s CallState) Outcome() error {
	switch s {
	case StateRejected:
		return ErrRejected
	case StateBusy:
		return ErrBusy
	case StateTimeout:
		return ErrTimeout
	case StateFailed:
		return ErrNegotiationFailed
	}
	return nil
}

// CallSession is a snapshot of one call attempt.
type CallSession struct {
	ID               SessionID
	LocalUserID      UserID
	RemoteUserID     UserID
	Direction        Direction
	MediaType        MediaType
	State            CallState
	CreatedAt        time.Time
	LastTransitionAt time.Time
}

// SessionEvent drives the call session state machine.
type SessionEvent string

const (
	EventLocalInitiate   SessionEvent = "local-initiate"
	EventRemoteInvite    SessionEvent = "remote-invite"
	EventRemoteAccept    SessionEvent = "remote-accept"
	EventRemoteReject    SessionEvent = "remote-reject"
	EventRemoteBusy      SessionEvent = "remote-busy"
	EventRemoteTimeout   SessionEvent = "remote-timeout"
	EventRemoteHangup    SessionEvent = "remote-hangup"
	EventRingTimeout     SessionEvent = "ring-timeout"
	EventLocalAccept     SessionEvent = "local-accept"
	EventLocalReject     SessionEvent = "local-reject"
	EventNegotiationOK   SessionEvent = "negotiation-success"
	EventNegotiationFail SessionEvent = "negotiation-failure"
	EventMediaLost       SessionEvent = "media-lost"
	EventLocalCancel     SessionEvent = "local-cancel"
	EventSuperseded      SessionEvent = "superseded"
)

type transitionKey struct {
	from  CallState
	event SessionEvent
}

var transitions = map[transitionKey]CallState{
	{StateIdle, EventLocalInitiate}: StateOutgoingRinging,
	{StateIdle, EventRemoteInvite}:  StateIncomingRinging,

	{StateOutgoingRinging, EventRemoteAccept}:  StateConnecting,
	{StateOutgoingRinging, EventRemoteReject}:  StateRejected,
	{StateOutgoingRinging, EventRemoteBusy}:    StateBusy,
	{StateOutgoingRinging, EventRingTimeout}:   StateTimeout,
	{StateOutgoingRinging, EventRemoteTimeout}: StateTimeout,
	{StateOutgoingRinging, EventSuperseded}:    StateBusy,

	{StateIncomingRinging, EventLocalAccept}: StateConnecting,
	{StateIncomingRinging, EventLocalReject}: StateRejected,
	{StateIncomingRinging, EventRingTimeout}: StateTimeout,

	{StateConnecting, EventNegotiationOK}:   StateConnected,
	{StateConnecting, EventNegotiationFail}: StateFailed,

	{StateConnected, EventMediaLost}: StateEnded,
}

// NextState returns the state reached from "from" on event ev, and false when
// the event is not valid in that state. Hangups and local cancels end the
// session from every non-idle, non-terminal state.
func NextState(from CallState, ev SessionEvent) (CallState, bool) {
	if from.IsTerminal() {
		return from, false
	}
	if (ev == EventRemoteHangup || ev == EventLocalCancel) && from != StateIdle {
		return StateEnded, true
	}
	to, ok := transitions[transitionKey{from, ev}]
	if !ok {
		return from, false
	}
	return to, true
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// MediaState is the connection state reported by the media stack.
type MediaState string

const (
	MediaStateNew          MediaState = "new"
	MediaStateConnecting   MediaState = "connecting"
	MediaStateConnected    MediaState = "connected"
	MediaStateDisconnected MediaState = "disconnected"
	MediaStateFailed       MediaState = "failed"
	MediaStateClosed       MediaState = "closed"
)

// ConnectionState is the state of the underlying signaling transport.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
)

// Profile is display metadata for a user.
type Profile struct {
	UserID      UserID
	DisplayName string
	AvatarURL   string
}
