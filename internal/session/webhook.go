package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Webhook event types the service acts on.
const (
	EventParticipantJoined  = "participant_joined"
	EventRoomFinished       = "room_finished"
	EventStreamActive       = "video.live_stream.active"
	EventStreamIdle         = "video.live_stream.idle"
	EventStreamDisconnected = "video.live_stream.disconnected"
)

// Outcome reasons reported for webhook deliveries.
const (
	ReasonTransitioned      = "transitioned"
	ReasonNoop              = "noop"
	ReasonSessionNotFound   = "session_not_found"
	ReasonInvalidTransition = "invalid_transition"
	ReasonNotHost           = "not_host"
	ReasonUnhandledType     = "unhandled_event_type"
	ReasonDuplicateDelivery = "duplicate_delivery"
)

// Event is a verified, parsed webhook notification.
type Event struct {
	ID                  string
	Provider            Provider
	Type                string
	ReceivedAt          time.Time
	RoomName            string
	ParticipantIdentity string
	Passthrough         string
	LiveStreamID        string
	RawStatus           string
}

// Outcome describes how a webhook event was handled. Session is the resolved
// session after handling, nil when none resolved.
type Outcome struct {
	Reason  string
	Session *Session
}

// Handled reports whether the event resolved to a session and was applied or was already applied.
func (o Outcome) Handled() bool {
	return o.Reason == ReasonTransitioned || o.Reason == ReasonNoop
}

// HandleWebhookEvent applies a verified provider event. Events that resolve to no
// session or request an edge the current status does not allow are acknowledged
// with a reason code and a nil error. Only store failures are returned as errors.
func (s *Service) HandleWebhookEvent(ctx context.Context, ev Event) (Outcome, error) {
	out, err := s.handleWebhookEvent(ctx, ev)
	if err != nil {
		s.log.Error("webhook event failed",
			slog.String("provider", string(ev.Provider)),
			slog.String("event_type", ev.Type),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
		return out, err
	}

	attrs := []slog.Attr{
		slog.String("provider", string(ev.Provider)),
		slog.String("event_type", ev.Type),
		slog.String("event_id", ev.ID),
		slog.String("reason", out.Reason),
	}
	if out.Session != nil {
		attrs = append(attrs,
			slog.String("session_id", out.Session.SessionID),
			slog.String("room_id", out.Session.RoomID),
			slog.String("status", string(out.Session.Status)))
	}
	level := slog.LevelInfo
	if !out.Handled() {
		level = slog.LevelWarn
	}
	s.log.LogAttrs(ctx, level, "webhook event", attrs...)
	s.metrics.IncWebhookEvents(string(ev.Provider), out.Reason)
	return out, nil
}

func (s *Service) handleWebhookEvent(ctx context.Context, ev Event) (Outcome, error) {
	var source Source
	switch ev.Type {
	case EventParticipantJoined, EventRoomFinished:
		source = SourceRTCWebhook
	case EventStreamActive, EventStreamIdle, EventStreamDisconnected:
		source = SourceStreamWebhook
	default:
		return Outcome{Reason: ReasonUnhandledType}, nil
	}

	cur, err := s.correlator.Resolve(ctx, ev)
	if err != nil {
		if isNotFound(err) {
			return Outcome{Reason: ReasonSessionNotFound}, nil
		}
		return Outcome{}, err
	}
	key := Key{SessionID: cur.SessionID}
	st := step{
		source:    source,
		provider:  ev.Provider,
		eventType: ev.Type,
		mutate:    recordProviderStatus(ev),
	}

	var res change
	switch ev.Type {
	case EventParticipantJoined:
		if ev.ParticipantIdentity == "" || ev.ParticipantIdentity != cur.UserID {
			return Outcome{Reason: ReasonNotHost, Session: cur}, nil
		}
		// Only the initial join readies a session; later joins must not pull it back.
		if cur.Status != StatusIdle {
			return Outcome{Reason: ReasonNoop, Session: cur}, nil
		}
		st.target = StatusReady
		st.from = []Status{StatusIdle}
		res, err = s.run(ctx, key, st)

	case EventRoomFinished:
		res, err = s.finishRoom(ctx, key, cur, st)

	case EventStreamActive:
		st.target = StatusLive
		res, err = s.run(ctx, key, st)

	case EventStreamIdle, EventStreamDisconnected:
		// live → stopped is not an edge: a dropped stream stays live until the
		// client ends it, and the event is acknowledged as invalid_transition.
		st.target = StatusStopped
		res, err = s.run(ctx, key, st)
	}

	switch {
	case err == nil:
		if res.changed() {
			return Outcome{Reason: ReasonTransitioned, Session: res.After}, nil
		}
		return Outcome{Reason: ReasonNoop, Session: res.After}, nil
	case errors.Is(err, ErrInvalidTransition):
		return Outcome{Reason: ReasonInvalidTransition, Session: cur}, nil
	case isNotFound(err):
		return Outcome{Reason: ReasonSessionNotFound}, nil
	default:
		return Outcome{Session: cur}, err
	}
}

// finishRoom moves the session to stopped when the room is torn down, going
// through aborted when stopped is not directly reachable. The room is gone, so
// the stop never triggers recreation.
func (s *Service) finishRoom(ctx context.Context, key Key, cur *Session, st step) (change, error) {
	st.skipRecreate = true
	if !CanTransition(cur.Status, StatusStopped) && CanTransition(cur.Status, StatusAborted) {
		st.target = StatusAborted
		first, err := s.run(ctx, key, st)
		if err != nil {
			return first, err
		}
		st.target = StatusStopped
		second, err := s.run(ctx, key, st)
		second.Before = first.Before
		return second, err
	}
	st.target = StatusStopped
	return s.run(ctx, key, st)
}

func recordProviderStatus(ev Event) func(*Session) {
	return func(next *Session) {
		raw := ev.RawStatus
		if raw == "" {
			raw = ev.Type
		}
		if next.ProviderStatus == nil {
			next.ProviderStatus = make(map[string]string)
		}
		next.ProviderStatus[string(ev.Provider)] = raw
	}
}
