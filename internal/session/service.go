package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"broadcast-orchestrator/internal/platform/metrics"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Service is the lifecycle orchestrator. Every status change funnels through run,
// which checks the state machine and writes with compare-and-set.
type Service struct {
	store      Store
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	correlator *Correlator
	retry      retrypolicy.RetryPolicy[change]
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records transitions, webhook outcomes and recreations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service over store.
func NewService(store Store, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.correlator = NewCorrelator(store, log, s.metrics)
	// A lost compare-and-set is retried once with a fresh read; a second loss is surfaced.
	s.retry = retrypolicy.NewBuilder[change]().
		WithMaxRetries(1).
		HandleIf(func(_ change, err error) bool {
			return errors.Is(err, ErrConcurrentModification)
		}).
		ReturnLastFailure().
		Build()
	return s
}

// CreateParams are the inputs of CreateSession. RoomID is allocated when empty.
type CreateParams struct {
	ChannelID string
	UserID    string
	RoomID    string
	Config    map[string]string
}

// StartParams carries the provider handles recorded when a broadcast starts.
type StartParams struct {
	LiveStreamID string
	EgressID     string
}

// step is one requested transition. When from is set, the step only applies
// to a session whose status at write time is listed; otherwise it is a no-op.
type step struct {
	target       Status
	source       Source
	provider     Provider
	eventType    string
	skipRecreate bool
	from         []Status
	mutate       func(*Session)
}

// change is the result of a step. Before and After are equal when the step was a no-op.
type change struct {
	Before *Session
	After  *Session
}

func (c change) changed() bool {
	return c.Before != nil && c.After != nil && c.Before.Status != c.After.Status
}

// CreateSession persists a new idle session. It fails with ErrConflict when the
// room already has an active session.
func (s *Service) CreateSession(ctx context.Context, p CreateParams) (*Session, error) {
	roomID := p.RoomID
	if roomID == "" {
		roomID = NewRoomID()
	}
	now := s.now()
	sess := &Session{
		SessionID: NewSessionID(),
		RoomID:    roomID,
		ChannelID: p.ChannelID,
		UserID:    p.UserID,
		Status:    StatusIdle,
		Config:    p.Config,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	sess.Passthrough = NewPassthrough(sess.RoomID, sess.ChannelID, sess.SessionID)

	if err := s.store.Insert(ctx, sess); err != nil {
		if errors.Is(err, ErrConflict) {
			s.log.Info("create session rejected, room has an active session",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()))
		}
		return nil, err
	}
	s.log.Info("session created",
		slog.String("session_id", sess.SessionID),
		slog.String("room_id", sess.RoomID),
		slog.String("channel_id", sess.ChannelID))
	return sess, nil
}

// RequestTransition moves the session addressed by key to target.
// Disallowed edges fail with ErrInvalidTransition; requesting the current status is a no-op.
func (s *Service) RequestTransition(ctx context.Context, key Key, target Status, source Source) (*Session, error) {
	res, err := s.run(ctx, key, step{target: target, source: source})
	if err != nil {
		return nil, err
	}
	return res.After, nil
}

// Start moves a session to publishing and records the provider handles.
// An idle session is readied first. A session that is already publishing or
// live is returned unchanged.
//
// Readying and publishing are separate writes. When the second one fails the
// error is returned and the session stays ready; calling Start again resumes
// from there.
func (s *Service) Start(ctx context.Context, key Key, p StartParams) (*Session, error) {
	cur, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusPublishing || cur.Status == StatusLive {
		return cur, nil
	}

	key = Key{SessionID: cur.SessionID}
	if cur.Status == StatusIdle {
		if _, err := s.run(ctx, key, step{target: StatusReady, source: SourceAPI}); err != nil {
			return nil, err
		}
	}
	res, err := s.run(ctx, key, step{
		target: StatusPublishing,
		source: SourceAPI,
		mutate: func(next *Session) {
			if p.LiveStreamID != "" {
				next.Runtime.LiveStreamID = p.LiveStreamID
			}
			if p.EgressID != "" {
				next.Runtime.EgressID = p.EgressID
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return res.After, nil
}

// End picks the target from the current status: cancelled before going live,
// ending from live, aborted from ending and stopped from aborted. Ending a
// terminal session returns it unchanged.
func (s *Service) End(ctx context.Context, key Key) (*Session, error) {
	cur, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	var target Status
	switch cur.Status {
	case StatusIdle, StatusReady, StatusPublishing:
		target = StatusCancelled
	case StatusLive:
		target = StatusEnding
	case StatusEnding:
		target = StatusAborted
	case StatusAborted:
		target = StatusStopped
	default:
		return cur, nil
	}

	res, err := s.run(ctx, Key{SessionID: cur.SessionID}, step{target: target, source: SourceAPI})
	if err != nil {
		return nil, err
	}
	return res.After, nil
}

// CreateRoom marks the room as created for the session: idle → ready.
func (s *Service) CreateRoom(ctx context.Context, key Key) (*Session, error) {
	return s.RequestTransition(ctx, key, StatusReady, SourceAPI)
}

// GetSession returns the session with the given id.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.store.Get(ctx, sessionID)
}

// GetActiveSession returns the active session of a room.
func (s *Service) GetActiveSession(ctx context.Context, roomID string) (*Session, error) {
	return s.resolve(ctx, Key{RoomID: roomID})
}

// GetLastSession returns the most recently created session of a room, active or not.
func (s *Service) GetLastSession(ctx context.Context, roomID string) (*Session, error) {
	return s.store.FindLatestByRoom(ctx, roomID)
}

// ActiveSessionCount returns the number of active sessions, or 0 when the store fails.
// Used for metrics.
func (s *Service) ActiveSessionCount(ctx context.Context) int {
	n, err := s.store.CountActive(ctx)
	if err != nil {
		s.log.Warn("count active sessions failed", slog.String("error", err.Error()))
		return 0
	}
	return n
}

// resolve finds the session addressed by key. A room key resolves to the room's
// active session.
func (s *Service) resolve(ctx context.Context, key Key) (*Session, error) {
	if key.SessionID != "" {
		return s.store.Get(ctx, key.SessionID)
	}
	if key.RoomID == "" {
		return nil, notFound(key)
	}
	matches, err := s.store.FindActiveByRoom(ctx, key.RoomID)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, notFound(key)
	}
	return s.correlator.pick(Event{}, "room_id", matches), nil
}

// run applies st with one bounded retry on a lost compare-and-set.
func (s *Service) run(ctx context.Context, key Key, st step) (change, error) {
	res, err := failsafe.With[change](s.retry).WithContext(ctx).Get(func() (change, error) {
		return s.apply(ctx, key, st)
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			s.log.Warn("transition lost compare-and-set twice",
				slog.String("key", key.String()),
				slog.String("to", string(st.target)),
				slog.String("source", string(st.source)))
		}
		return res, err
	}

	if res.changed() && res.Before.Status == StatusEnding && res.After.Status == StatusStopped && !st.skipRecreate {
		s.recreateAfterStop(ctx, res.After)
	}
	return res, nil
}

// apply is a single resolve, check and compare-and-set attempt.
func (s *Service) apply(ctx context.Context, key Key, st step) (change, error) {
	cur, err := s.resolve(ctx, key)
	if err != nil {
		return change{}, err
	}

	if len(st.from) > 0 && !slices.Contains(st.from, cur.Status) {
		return change{Before: cur, After: cur}, nil
	}

	next, err := Transition(cur, st.target, s.now())
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Provider = st.provider
			e.EventType = st.eventType
		}
		return change{Before: cur}, err
	}
	if cur.Status == st.target {
		return change{Before: cur, After: cur}, nil
	}

	if st.mutate != nil {
		st.mutate(next)
	}
	next.Version = cur.Version + 1
	if err := s.store.CompareAndSwap(ctx, next, cur.Status); err != nil {
		if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrNotFound) {
			return change{Before: cur}, err
		}
		return change{Before: cur}, fmt.Errorf("write session %s: %w", cur.SessionID, err)
	}

	s.log.Info("session transitioned",
		slog.String("session_id", next.SessionID),
		slog.String("room_id", next.RoomID),
		slog.String("from", string(cur.Status)),
		slog.String("to", string(next.Status)),
		slog.String("source", string(st.source)))
	s.metrics.IncTransitions(string(cur.Status), string(next.Status), string(st.source))
	return change{Before: cur, After: next}, nil
}
