package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Transport moves envelopes between two endpoints. Implementations deliver
// at most once and in send order per sender; they neither deduplicate nor
// reorder.
type Transport interface {
	Send(ctx context.Context, env domain.Envelope) error
	// OnMessage installs the inbound handler. A later call replaces it.
	OnMessage(handler func(domain.Envelope))
	ConnectionState() domain.ConnectionState
}
