package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type MediaEngine interface {
	NewPeer(sessionID domain.SessionID, media domain.MediaType) (MediaPeer, error)
}

// MediaPeer is one peer connection owned by the platform media stack.
// Callbacks may fire on any goroutine.
type MediaPeer interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	// CreateAnswer applies offer as the remote description when none is set
	// yet and returns the local answer.
	CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	OnICECandidate(cb func(domain.ICECandidate))
	OnConnectionStateChange(cb func(domain.MediaState))
	Close() error
}
