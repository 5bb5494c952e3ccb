package domain

import (
	"strings"

	"github.com/google/uuid"
)

// UserID identifies an endpoint user. It is an opaque string issued by the
// account layer; ordering between two ids is plain byte-wise comparison.
type UserID string

func (id UserID) String() string {
	return string(id)
}

func (id UserID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// Less reports whether id sorts before other. Used to break ties when two
// endpoints invite each other at the same time.
func (id UserID) Less(other UserID) bool {
	return id < other
}

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (s SessionID) String() string {
	return string(s)
}

func (s SessionID) IsZero() bool {
	return s == ""
}
