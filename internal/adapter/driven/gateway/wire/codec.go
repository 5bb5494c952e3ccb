// Package wire is the JSON form of envelopes shared by every transport.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type envelopeDTO struct {
	SessionID string          `json:"session_id,omitempty"`
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

func Marshal(env domain.Envelope) ([]byte, error) {
	return json.Marshal(envelopeDTO{
		SessionID: env.SessionID.String(),
		Type:      string(env.Type),
		From:      env.From.String(),
		To:        env.To.String(),
		Payload:   env.Payload,
		SentAt:    env.SentAt,
	})
}

// Unmarshal decodes data without validating it; the signaling channel
// rejects malformed envelopes.
func Unmarshal(data []byte) (domain.Envelope, error) {
	var dto envelopeDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	return domain.Envelope{
		SessionID: domain.SessionID(dto.SessionID),
		Type:      domain.EnvelopeType(dto.Type),
		From:      domain.UserID(dto.From),
		To:        domain.UserID(dto.To),
		Payload:   dto.Payload,
		SentAt:    dto.SentAt,
	}, nil
}

// Recipient extracts the "to" field without decoding the payload.
func Recipient(data []byte) (domain.UserID, error) {
	var head struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	return domain.UserID(head.To), nil
}
