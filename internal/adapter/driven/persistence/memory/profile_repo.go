package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

var ErrProfileNotFound = errors.New("profile not found")

type ProfileRepository struct {
	mu       sync.RWMutex
	profiles map[domain.UserID]domain.Profile
}

func NewProfileRepository(profiles ...domain.Profile) *ProfileRepository {
	r := &ProfileRepository{profiles: make(map[domain.UserID]domain.Profile)}
	for _, p := range profiles {
		r.profiles[p.UserID] = p
	}
	return r
}

func (r *ProfileRepository) Save(ctx context.Context, p domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.UserID] = p
	return nil
}

func (r *ProfileRepository) Lookup(ctx context.Context, userID domain.UserID) (domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[userID]
	if !ok {
		return domain.Profile{}, ErrProfileNotFound
	}
	return p, nil
}
