package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// ProfileDirectory resolves display metadata. Read only.
type ProfileDirectory interface {
	Lookup(ctx context.Context, userID domain.UserID) (domain.Profile, error)
}
