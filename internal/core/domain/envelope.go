package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EnvelopeType string

const (
	EnvelopeInvite       EnvelopeType = "invite"
	EnvelopeRinging      EnvelopeType = "ringing"
	EnvelopeAccept       EnvelopeType = "accept"
	EnvelopeReject       EnvelopeType = "reject"
	EnvelopeOffer        EnvelopeType = "offer"
	EnvelopeAnswer       EnvelopeType = "answer"
	EnvelopeICECandidate EnvelopeType = "ice-candidate"
	EnvelopeHangup       EnvelopeType = "hangup"
	EnvelopeBusy         EnvelopeType = "busy"
	EnvelopeTimeout      EnvelopeType = "timeout"

	EnvelopePresence      EnvelopeType = "presence"
	EnvelopePresenceProbe EnvelopeType = "presence-probe"
)

func (t EnvelopeType) Known() bool {
	switch t {
	case EnvelopeInvite, EnvelopeRinging, EnvelopeAccept, EnvelopeReject,
		EnvelopeOffer, EnvelopeAnswer, EnvelopeICECandidate, EnvelopeHangup,
		EnvelopeBusy, EnvelopeTimeout, EnvelopePresence, EnvelopePresenceProbe:
		return true
	}
	return false
}

// IsPresence reports whether the type belongs to the presence protocol.
// Presence envelopes are not bound to a call session.
func (t EnvelopeType) IsPresence() bool {
	return t == EnvelopePresence || t == EnvelopePresenceProbe
}

// Envelope is the unit exchanged over the signaling channel. It is treated
// as immutable once sent.
type Envelope struct {
	SessionID SessionID
	Type      EnvelopeType
	From      UserID
	To        UserID
	Payload   json.RawMessage
	SentAt    time.Time
}

func NewEnvelope(sessionID SessionID, t EnvelopeType, from, to UserID, payload any) (Envelope, error) {
	env := Envelope{
		SessionID: sessionID,
		Type:      t,
		From:      from,
		To:        to,
		SentAt:    time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Validate checks the fields every envelope must carry.
func (e Envelope) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Type)
	}
	if e.From.IsZero() {
		return fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	}
	if e.To.IsZero() {
		return fmt.Errorf("%w: missing recipient", ErrMalformedEnvelope)
	}
	if !e.Type.IsPresence() && e.SessionID.IsZero() {
		return fmt.Errorf("%w: %s without session id", ErrMalformedEnvelope, e.Type)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

// InvitePayload is carried by invite envelopes.
type InvitePayload struct {
	MediaType MediaType `json:"media_type"`
}
