package session

import (
	"slices"
	"time"
)

var transitions = map[Status][]Status{
	StatusIdle:       {StatusReady, StatusCancelled, StatusAborted},
	StatusReady:      {StatusPublishing, StatusCancelled, StatusIdle, StatusAborted},
	StatusPublishing: {StatusLive, StatusCancelled, StatusReady, StatusAborted},
	StatusLive:       {StatusEnding, StatusAborted},
	StatusEnding:     {StatusStopped, StatusAborted},
	StatusAborted:    {StatusStopped},
	StatusCancelled:  nil,
	StatusStopped:    nil,
}

var activeStatuses = []Status{StatusIdle, StatusReady, StatusPublishing, StatusLive, StatusEnding}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from → to is allowed. Same-state requests are
// always allowed and are treated as no-ops by Transition.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// ValidTargets lists the statuses reachable from s in one step.
func ValidTargets(s Status) []Status {
	return slices.Clone(transitions[s])
}

// IsTerminal reports whether no further transitions leave s.
func IsTerminal(s Status) bool {
	return s == StatusCancelled || s == StatusStopped
}

// IsActive reports whether s counts toward the one-active-session-per-room rule.
func IsActive(s Status) bool {
	return slices.Contains(activeStatuses, s)
}

// ActiveStatuses returns the active set.
func ActiveStatuses() []Status {
	return slices.Clone(activeStatuses)
}

// Transition returns a copy of s moved to the target status. The input is not modified.
// Moving to the current status returns an unchanged copy. started_at is set on the first
// entry into live, stopped_at on the first entry into aborted, cancelled or stopped.
func Transition(s *Session, to Status, now time.Time) (*Session, error) {
	if !CanTransition(s.Status, to) {
		return nil, &Error{Err: ErrInvalidTransition, SessionID: s.SessionID, RoomID: s.RoomID, From: s.Status, To: to}
	}
	next := s.Clone()
	if s.Status == to {
		return next, nil
	}

	next.Status = to
	next.UpdatedAt = now
	if to == StatusLive && next.StartedAt == nil {
		t := now
		next.StartedAt = &t
	}
	if (to == StatusAborted || IsTerminal(to)) && next.StoppedAt == nil {
		t := now
		next.StoppedAt = &t
	}
	return next, nil
}
