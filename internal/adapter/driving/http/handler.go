package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type CallControl interface {
	StartCall(ctx context.Context, remote domain.UserID, media domain.MediaType) (domain.SessionID, error)
	AcceptIncoming(ctx context.Context, id domain.SessionID) error
	RejectIncoming(ctx context.Context, id domain.SessionID) error
	EndCall(ctx context.Context, id domain.SessionID) error
	ActiveSession(ctx context.Context) (domain.CallSession, bool, error)
}

type Presence interface {
	SetLocalStatus(ctx context.Context, status domain.PresenceStatus) error
	GetStatus(userID domain.UserID) domain.UserPresence
	Subscribe(ctx context.Context, userID domain.UserID, cb func(domain.UserPresence)) func()
	Unwatch(userID domain.UserID)
}

type Handler struct {
	Calls    CallControl
	Presence Presence
	Profiles port.ProfileDirectory
	Events   *EventHub
	Gatherer prometheus.Gatherer

	watchMu sync.Mutex
	watches map[domain.UserID]func()
}

func NewHandler(calls CallControl, presence Presence, profiles port.ProfileDirectory, events *EventHub, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		Calls:    calls,
		Presence: presence,
		Profiles: profiles,
		Events:   events,
		Gatherer: gatherer,
		watches:  make(map[domain.UserID]func()),
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/calls", h.StartCall)
		r.Get("/calls/active", h.ActiveCall)
		r.Post("/calls/{id}/accept", h.AcceptCall)
		r.Post("/calls/{id}/reject", h.RejectCall)
		r.Delete("/calls/{id}", h.EndCall)

		r.Put("/presence", h.SetPresence)
		r.Get("/presence/{userID}", h.GetPresence)
		r.Put("/presence/{userID}/watch", h.WatchPresence)
		r.Delete("/presence/{userID}/watch", h.UnwatchPresence)
		r.Get("/profiles/{userID}", h.GetProfile)

		r.Get("/events", h.ServeEvents)
	})

	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type errorDTO struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrInvalidMediaType),
		errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyInCall),
		errors.Is(err, domain.ErrUserOffline):
		return http.StatusConflict
	case errors.Is(err, domain.ErrChannelUnavailable),
		errors.Is(err, domain.ErrManagerStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, errorDTO{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
