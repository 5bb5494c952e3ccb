package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
)

type startCallRequest struct {
	RemoteUserID string `json:"remote_user_id"`
	MediaType    string `json:"media_type"`
}

type startCallResponse struct {
	SessionID string `json:"session_id"`
}

type sessionDTO struct {
	SessionID        string    `json:"session_id"`
	RemoteUserID     string    `json:"remote_user_id"`
	Direction        string    `json:"direction"`
	MediaType        string    `json:"media_type"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

func toSessionDTO(s domain.CallSession) sessionDTO {
	return sessionDTO{
		SessionID:        s.ID.String(),
		RemoteUserID:     s.RemoteUserID.String(),
		Direction:        string(s.Direction),
		MediaType:        string(s.MediaType),
		State:            string(s.State),
		CreatedAt:        s.CreatedAt,
		LastTransitionAt: s.LastTransitionAt,
	}
}

func (h *Handler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorDTO{Error: "invalid request body"})
		return
	}

	id, err := h.Calls.StartCall(r.Context(), domain.UserID(req.RemoteUserID), domain.MediaType(req.MediaType))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startCallResponse{SessionID: id.String()})
}

func (h *Handler) AcceptCall(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, h.Calls.AcceptIncoming)
}

func (h *Handler) RejectCall(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, h.Calls.RejectIncoming)
}

func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	h.sessionAction(w, r, h.Calls.EndCall)
}

func (h *Handler) sessionAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id domain.SessionID) error) {
	id := domain.SessionID(chi.URLParam(r, "id"))
	if err := action(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ActiveCall(w http.ResponseWriter, r *http.Request) {
	s, ok, err := h.Calls.ActiveSession(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}
