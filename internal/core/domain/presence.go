package domain

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// UserPresence is the last known availability of a user.
type UserPresence struct {
	UserID     UserID
	Status     PresenceStatus
	LastSeenAt time.Time
}

// PresencePayload is carried by presence envelopes.
type PresencePayload struct {
	Status PresenceStatus `json:"status"`
}
