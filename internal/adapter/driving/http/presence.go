package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
)

type setPresenceRequest struct {
	Status string `json:"status"`
}

type presenceDTO struct {
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

func toPresenceDTO(p domain.UserPresence) presenceDTO {
	dto := presenceDTO{UserID: p.UserID.String(), Status: string(p.Status)}
	if !p.LastSeenAt.IsZero() {
		seen := p.LastSeenAt
		dto.LastSeenAt = &seen
	}
	return dto
}

type profileDTO struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	var req setPresenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDTO{Error: "invalid request body"})
		return
	}
	if err := h.Presence.SetLocalStatus(r.Context(), domain.PresenceStatus(req.Status)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(chi.URLParam(r, "userID"))
	writeJSON(w, http.StatusOK, toPresenceDTO(h.Presence.GetStatus(userID)))
}

// WatchPresence starts tracking a user and streams its transitions to the
// event websocket. Watching twice is a no-op.
func (h *Handler) WatchPresence(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(chi.URLParam(r, "userID"))
	h.Watch(r.Context(), userID)
	writeJSON(w, http.StatusOK, toPresenceDTO(h.Presence.GetStatus(userID)))
}

func (h *Handler) UnwatchPresence(w http.ResponseWriter, r *http.Request) {
	h.Unwatch(domain.UserID(chi.URLParam(r, "userID")))
	w.WriteHeader(http.StatusNoContent)
}

// Watch subscribes the event hub to userID's presence.
func (h *Handler) Watch(ctx context.Context, userID domain.UserID) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	if _, ok := h.watches[userID]; ok {
		return
	}
	h.watches[userID] = h.Presence.Subscribe(ctx, userID, h.Events.PresenceChanged)
}

func (h *Handler) Unwatch(userID domain.UserID) {
	h.watchMu.Lock()
	cancel, ok := h.watches[userID]
	delete(h.watches, userID)
	h.watchMu.Unlock()
	if ok {
		cancel()
		h.Presence.Unwatch(userID)
	}
}

// GetProfile falls back to the bare user id for unknown users.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(chi.URLParam(r, "userID"))
	p := h.lookupProfile(r, userID)
	writeJSON(w, http.StatusOK, profileDTO{
		UserID:      p.UserID.String(),
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	})
}

func (h *Handler) lookupProfile(r *http.Request, userID domain.UserID) domain.Profile {
	if h.Profiles != nil {
		if p, err := h.Profiles.Lookup(r.Context(), userID); err == nil {
			return p
		}
	}
	return domain.Profile{UserID: userID, DisplayName: userID.String()}
}
