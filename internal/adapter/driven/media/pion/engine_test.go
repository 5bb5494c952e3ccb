package pion

import (
	"context"
	"strings"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T, media domain.MediaType) *Peer {
	t.Helper()
	e, err := NewEngine(nil)
	require.NoError(t, err)
	mp, err := e.NewPeer(domain.NewSessionID(), media)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mp.Close() })
	p, ok := mp.(*Peer)
	require.True(t, ok)
	return p
}

func TestOfferCarriesRequestedMedia(t *testing.T) {
	ctx := context.Background()

	audio, err := newTestPeer(t, domain.MediaAudio).CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", audio.Type)
	assert.Contains(t, audio.SDP, "m=audio")
	assert.NotContains(t, audio.SDP, "m=video")

	video, err := newTestPeer(t, domain.MediaVideo).CreateOffer(ctx)
	require.NoError(t, err)
	assert.Contains(t, video.SDP, "m=audio")
	assert.Contains(t, video.SDP, "m=video")
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx := context.Background()
	caller := newTestPeer(t, domain.MediaVideo)
	callee := newTestPeer(t, domain.MediaVideo)

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)

	answer, err := callee.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.True(t, strings.HasPrefix(answer.SDP, "v=0"))

	require.NoError(t, caller.SetRemoteDescription(ctx, answer))
	assert.NotNil(t, caller.pc.RemoteDescription())
}

func TestCandidateBeforeRemoteDescriptionFails(t *testing.T) {
	p := newTestPeer(t, domain.MediaAudio)
	mid := "0"
	err := p.AddICECandidate(domain.ICECandidate{
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host",
		SDPMid:    &mid,
	})
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestPeer(t, domain.MediaAudio).CreateOffer(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMediaStateMapping(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]domain.MediaState{
		webrtc.PeerConnectionStateNew:          domain.MediaStateNew,
		webrtc.PeerConnectionStateConnecting:   domain.MediaStateConnecting,
		webrtc.PeerConnectionStateConnected:    domain.MediaStateConnected,
		webrtc.PeerConnectionStateDisconnected: domain.MediaStateDisconnected,
		webrtc.PeerConnectionStateFailed:       domain.MediaStateFailed,
		webrtc.PeerConnectionStateClosed:       domain.MediaStateClosed,
	}
	for in, want := range cases {
		assert.Equal(t, want, mediaState(in), in.String())
	}
}
