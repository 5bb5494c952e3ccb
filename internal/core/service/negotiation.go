package service

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type negotiationHooks struct {
	// post runs fn on the call manager's event loop if the session is still
	// the active one; otherwise fn is discarded.
	post func(fn func())
	send func(t domain.EnvelopeType, payload any)
	// result reports media up (true) or down (false).
	result func(ok bool)
}

// negotiator drives offer/answer and ICE exchange for one session. Its
// fields are owned by the event loop; media stack calls run on their own
// goroutines and post their results back.
type negotiator struct {
	sessionID domain.SessionID
	peer      port.MediaPeer
	offerer   bool
	hooks     negotiationHooks
	l         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	offerSeen  bool
	answerSeen bool
	remoteSet  bool
	pending   []domain.ICECandidate
	closed    bool
}

func newNegotiator(sessionID domain.SessionID, peer port.MediaPeer, offerer bool, hooks negotiationHooks) *negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	return &negotiator{
		sessionID: sessionID,
		peer:      peer,
		offerer:   offerer,
		hooks:     hooks,
		l:         log.With().Str("session_id", sessionID.String()).Bool("offerer", offerer).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (n *negotiator) start() {
	n.peer.OnICECandidate(func(c domain.ICECandidate) {
		n.hooks.post(func() {
			if n.closed {
				return
			}
			n.hooks.send(domain.EnvelopeICECandidate, c)
		})
	})
	n.peer.OnConnectionStateChange(func(st domain.MediaState) {
		n.hooks.post(func() { n.onMediaState(st) })
	})

	if !n.offerer {
		n.l.Debug().Msg("Waiting for remote offer")
		return
	}

	go func() {
		offer, err := n.peer.CreateOffer(n.ctx)
		n.hooks.post(func() {
			if n.closed {
				return
			}
			if err != nil {
				n.l.Error().Err(err).Msg("Failed to create offer")
				n.hooks.result(false)
				return
			}
			n.hooks.send(domain.EnvelopeOffer, offer)
		})
	}()
}

func (n *negotiator) handleOffer(offer domain.SessionDescription) {
	if n.offerer {
		n.l.Warn().Msg("Ignoring offer on offering side")
		return
	}
	if n.offerSeen {
		n.l.Debug().Msg("Ignoring duplicate offer")
		return
	}
	n.offerSeen = true

	go func() {
		err := n.peer.SetRemoteDescription(n.ctx, offer)
		n.hooks.post(func() {
			if n.closed {
				return
			}
			if err != nil {
				n.l.Error().Err(err).Msg("Failed to apply remote offer")
				n.hooks.result(false)
				return
			}
			n.remoteReady()
			go n.answer(offer)
		})
	}()
}

func (n *negotiator) answer(offer domain.SessionDescription) {
	answer, err := n.peer.CreateAnswer(n.ctx, offer)
	n.hooks.post(func() {
		if n.closed {
			return
		}
		if err != nil {
			n.l.Error().Err(err).Msg("Failed to create answer")
			n.hooks.result(false)
			return
		}
		n.hooks.send(domain.EnvelopeAnswer, answer)
	})
}

func (n *negotiator) handleAnswer(answer domain.SessionDescription) {
	if !n.offerer {
		n.l.Warn().Msg("Ignoring answer on answering side")
		return
	}
	if n.answerSeen {
		n.l.Debug().Msg("Ignoring duplicate answer")
		return
	}
	n.answerSeen = true

	go func() {
		err := n.peer.SetRemoteDescription(n.ctx, answer)
		n.hooks.post(func() {
			if n.closed {
				return
			}
			if err != nil {
				n.l.Error().Err(err).Msg("Failed to apply remote answer")
				n.hooks.result(false)
				return
			}
			n.remoteReady()
		})
	}()
}

// handleCandidate buffers candidates until the remote description is set.
func (n *negotiator) handleCandidate(c domain.ICECandidate) {
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.l.Debug().Int("buffered", len(n.pending)).Msg("Buffering early ICE candidate")
		return
	}
	n.addCandidate(c)
}

func (n *negotiator) remoteReady() {
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	if len(pending) > 0 {
		n.l.Debug().Int("count", len(pending)).Msg("Flushing buffered ICE candidates")
	}
	for _, c := range pending {
		n.addCandidate(c)
	}
}

func (n *negotiator) addCandidate(c domain.ICECandidate) {
	if err := n.peer.AddICECandidate(c); err != nil {
		n.l.Warn().Err(err).Msg("Failed to add ICE candidate")
	}
}

func (n *negotiator) onMediaState(st domain.MediaState) {
	if n.closed {
		return
	}
	n.l.Debug().Str("media_state", string(st)).Msg("Media state changed")
	switch st {
	case domain.MediaStateConnected:
		n.hooks.result(true)
	case domain.MediaStateFailed, domain.MediaStateClosed:
		n.hooks.result(false)
	}
}

// close discards any in-flight results and releases the peer.
func (n *negotiator) close() {
	if n.closed {
		return
	}
	n.closed = true
	n.pending = nil
	n.cancel()
	go func() {
		if err := n.peer.Close(); err != nil {
			n.l.Debug().Err(err).Msg("Error closing media peer")
		}
	}()
}
