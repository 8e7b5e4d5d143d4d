package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when the requested edge is not in the adjacency table.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification is returned when a compare-and-set write lost a race.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrNotFound is returned when no session resolves for a key.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when a create or recreate would leave two active
	// sessions on the same room.
	ErrConflict = errors.New("room already has an active session")
)

// Error carries diagnostic context for one of the sentinel errors above.
type Error struct {
	Err       error
	SessionID string
	RoomID    string
	From      Status
	To        Status
	Provider  Provider
	EventType string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " %s -> %s", e.From, e.To)
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", e.SessionID)
	}
	if e.RoomID != "" {
		fmt.Fprintf(&b, " room=%s", e.RoomID)
	}
	if e.Provider != "" {
		fmt.Fprintf(&b, " provider=%s", e.Provider)
	}
	if e.EventType != "" {
		fmt.Fprintf(&b, " event=%s", e.EventType)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func notFound(k Key) error {
	return &Error{Err: ErrNotFound, SessionID: k.SessionID, RoomID: k.RoomID}
}
