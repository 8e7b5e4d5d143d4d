package session

import (
	"context"
	"errors"
	"log/slog"
	"maps"
)

// Recreation outcomes recorded in metrics.
const (
	recreationCreated         = "created"
	recreationSkippedConflict = "skipped_conflict"
	recreationFailed          = "failed"
)

// Recreate creates a ready successor for a terminal session on the same room.
// It fails with ErrInvalidTransition when the session is not terminal and with
// ErrConflict when the room already has an active session.
func (s *Service) Recreate(ctx context.Context, sessionID string) (*Session, error) {
	prev, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !IsTerminal(prev.Status) {
		return nil, &Error{Err: ErrInvalidTransition, SessionID: prev.SessionID, RoomID: prev.RoomID, From: prev.Status, To: StatusReady}
	}
	next, err := s.recreate(ctx, prev)
	s.observeRecreation(prev, next, err)
	return next, err
}

// recreateAfterStop runs after a normal stop. Failures are logged and counted,
// never returned: a session ending is not blocked by its successor.
func (s *Service) recreateAfterStop(ctx context.Context, stopped *Session) {
	next, err := s.recreate(context.WithoutCancel(ctx), stopped)
	s.observeRecreation(stopped, next, err)
}

// recreate inserts a ready session that inherits room, owner and provider
// configuration from prev. Per-broadcast runtime handles are not carried over.
func (s *Service) recreate(ctx context.Context, prev *Session) (*Session, error) {
	now := s.now()
	next := &Session{
		SessionID: NewSessionID(),
		RoomID:    prev.RoomID,
		ChannelID: prev.ChannelID,
		UserID:    prev.UserID,
		Status:    StatusReady,
		Config:    maps.Clone(prev.Config),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	next.Passthrough = NewPassthrough(next.RoomID, next.ChannelID, next.SessionID)

	if err := s.store.Insert(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) observeRecreation(prev, next *Session, err error) {
	switch {
	case err == nil:
		s.log.Info("session recreated",
			slog.String("session_id", next.SessionID),
			slog.String("previous_session_id", prev.SessionID),
			slog.String("room_id", next.RoomID))
		s.metrics.IncRecreations(recreationCreated)
	case errors.Is(err, ErrConflict):
		s.log.Warn("session recreation skipped, room already has an active session",
			slog.String("previous_session_id", prev.SessionID),
			slog.String("room_id", prev.RoomID))
		s.metrics.IncRecreations(recreationSkippedConflict)
	default:
		s.log.Error("session recreation failed",
			slog.String("previous_session_id", prev.SessionID),
			slog.String("room_id", prev.RoomID),
			slog.String("error", err.Error()))
		s.metrics.IncRecreations(recreationFailed)
	}
}
