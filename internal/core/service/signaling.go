package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// SignalingChannel wraps the external transport. It validates inbound
// envelopes and hands them to a single consumer; it does not queue,
// deduplicate or reorder.
type SignalingChannel struct {
	transport port.Transport

	mu      sync.RWMutex
	handler func(domain.Envelope)
}

func NewSignalingChannel(transport port.Transport) *SignalingChannel {
	c := &SignalingChannel{transport: transport}
	transport.OnMessage(c.deliver)
	return c
}

// Send fails with ErrChannelUnavailable when the transport is not connected
// or refuses the envelope. Nothing is retried.
func (c *SignalingChannel) Send(ctx context.Context, env domain.Envelope) error {
	if state := c.transport.ConnectionState(); state != domain.ConnectionConnected {
		return fmt.Errorf("%w: transport %s", domain.ErrChannelUnavailable, state)
	}
	if err := c.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelUnavailable, err)
	}
	log.Debug().
		Str("session_id", env.SessionID.String()).
		Str("type", string(env.Type)).
		Str("to", env.To.String()).
		Msg("Envelope sent")
	return nil
}

// OnMessage registers the consumer for inbound envelopes. Only one consumer
// may be active; pass nil to remove it.
func (c *SignalingChannel) OnMessage(handler func(domain.Envelope)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler != nil && c.handler != nil {
		return domain.ErrHandlerRegistered
	}
	c.handler = handler
	return nil
}

func (c *SignalingChannel) Connected() bool {
	return c.transport.ConnectionState() == domain.ConnectionConnected
}

func (c *SignalingChannel) deliver(env domain.Envelope) {
	if err := env.Validate(); err != nil {
		log.Warn().Err(err).
			Str("session_id", env.SessionID.String()).
			Str("from", env.From.String()).
			Msg("Dropping malformed envelope")
		return
	}

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()

	if h == nil {
		log.Debug().Str("type", string(env.Type)).Msg("No consumer registered, dropping envelope")
		return
	}
	h(env)
}
