package service

import (
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// callSession is the mutable state of one call attempt. It is only touched
// from the call manager's event loop.
type callSession struct {
	domain.CallSession

	ringTimer        *time.Timer
	negotiationTimer *time.Timer
	negotiator       *negotiator
}

func newCallSession(id domain.SessionID, local, remote domain.UserID, dir domain.Direction, media domain.MediaType, now time.Time) *callSession {
	return &callSession{
		CallSession: domain.CallSession{
			ID:               id,
			LocalUserID:      local,
			RemoteUserID:     remote,
			Direction:        dir,
			MediaType:        media,
			State:            domain.StateIdle,
			CreatedAt:        now,
			LastTransitionAt: now,
		},
	}
}

// fire applies ev and returns the previous state. An event that is not
// valid in the current state leaves the session untouched.
func (s *callSession) fire(ev domain.SessionEvent, now time.Time) (domain.CallState, error) {
	from := s.State
	to, ok := domain.NextState(from, ev)
	if !ok {
		return from, fmt.Errorf("event %s not valid in state %s", ev, from)
	}
	s.State = to
	s.LastTransitionAt = now
	return from, nil
}

func (s *callSession) terminal() bool {
	return s.State.IsTerminal()
}

// stopTimers cancels pending timers. Timer callbacks that already fired are
// discarded by the manager's session guard.
func (s *callSession) stopTimers() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
}

func (s *callSession) snapshot() domain.CallSession {
	return s.CallSession
}
