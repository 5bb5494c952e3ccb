package service

import (
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serialNegotiator runs a negotiator with its posted callbacks serialized
// on a mutex, standing in for the call manager's loop.
type serialNegotiator struct {
	mu      sync.Mutex
	n       *negotiator
	sent    []domain.EnvelopeType
	results []bool
}

func newSerialNegotiator(peer *fakePeer, offerer bool) *serialNegotiator {
	sn := &serialNegotiator{}
	sn.n = newNegotiator("s-1", peer, offerer, negotiationHooks{
		post: func(fn func()) {
			sn.mu.Lock()
			defer sn.mu.Unlock()
			fn()
		},
		send: func(t domain.EnvelopeType, _ any) {
			sn.sent = append(sn.sent, t)
		},
		result: func(ok bool) {
			sn.results = append(sn.results, ok)
		},
	})
	return sn
}

func (sn *serialNegotiator) run(fn func(n *negotiator)) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	fn(sn.n)
}

func (sn *serialNegotiator) outcomes() []bool {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return append([]bool{}, sn.results...)
}

func TestDuplicateAnswerWhileApplying(t *testing.T) {
	gate := make(chan struct{})
	peer := &fakePeer{gate: gate}
	sn := newSerialNegotiator(peer, true)

	answer := domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}
	sn.run(func(n *negotiator) { n.handleAnswer(answer) })
	sn.run(func(n *negotiator) { n.handleAnswer(answer) })
	close(gate)

	require.Eventually(t, func() bool {
		done := false
		sn.run(func(n *negotiator) { done = n.remoteSet })
		return done
	}, time.Second, 5*time.Millisecond)

	peer.mu.Lock()
	assert.Equal(t, 1, peer.remotes)
	peer.mu.Unlock()
	assert.NotContains(t, sn.outcomes(), false)
}

func TestDuplicateOfferIsIgnored(t *testing.T) {
	gate := make(chan struct{})
	peer := &fakePeer{gate: gate}
	sn := newSerialNegotiator(peer, false)

	offer := domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}
	sn.run(func(n *negotiator) { n.handleOffer(offer) })
	sn.run(func(n *negotiator) { n.handleOffer(offer) })
	close(gate)

	require.Eventually(t, func() bool {
		sn.mu.Lock()
		defer sn.mu.Unlock()
		return len(sn.sent) == 1
	}, time.Second, 5*time.Millisecond)

	peer.mu.Lock()
	assert.Equal(t, 1, peer.remotes)
	peer.mu.Unlock()
	sn.mu.Lock()
	assert.Equal(t, []domain.EnvelopeType{domain.EnvelopeAnswer}, sn.sent)
	sn.mu.Unlock()
}
