package session

import (
	"context"
	"errors"
	"log/slog"

	"broadcast-orchestrator/internal/platform/metrics"
)

// Correlator maps a webhook event to the session it concerns.
//
// Lookup order: exact passthrough match, then live stream id (best effort),
// then the active session of the room named by the event.
type Correlator struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewCorrelator returns a Correlator over store. Metrics may be nil.
func NewCorrelator(store Store, log *slog.Logger, m *metrics.Metrics) *Correlator {
	return &Correlator{store: store, log: log, metrics: m}
}

// Resolve returns the session for ev, or an error matching ErrNotFound.
// Store failures other than not-found are returned as is.
func (c *Correlator) Resolve(ctx context.Context, ev Event) (*Session, error) {
	if ev.Passthrough != "" {
		matches, err := c.store.FindByPassthrough(ctx, ev.Passthrough)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return c.pick(ev, "passthrough", matches), nil
		}
	}

	if ev.LiveStreamID != "" {
		matches, err := c.store.FindByLiveStreamID(ctx, ev.LiveStreamID)
		if err != nil {
			c.log.Warn("live stream lookup failed",
				slog.String("live_stream_id", ev.LiveStreamID),
				slog.String("error", err.Error()))
		} else if len(matches) > 0 {
			if active := activeOnly(matches); len(active) > 0 {
				return c.pick(ev, "live_stream_id", active), nil
			}
			return matches[0], nil
		}
	}

	roomID := ev.RoomName
	if roomID == "" && ev.Passthrough != "" {
		roomID = ParsePassthrough(ev.Passthrough).RoomID
	}
	if roomID != "" {
		matches, err := c.store.FindActiveByRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return c.pick(ev, "room_id", matches), nil
		}
	}

	return nil, &Error{Err: ErrNotFound, RoomID: roomID, Provider: ev.Provider, EventType: ev.Type}
}

// pick returns the newest match and reports an integrity fault when there is
// more than one. matches must be sorted newest first.
func (c *Correlator) pick(ev Event, by string, matches []*Session) *Session {
	if len(matches) > 1 {
		ids := make([]string, 0, len(matches))
		for _, s := range matches {
			ids = append(ids, s.SessionID)
		}
		c.log.Error("integrity fault: multiple sessions matched",
			slog.String("matched_by", by),
			slog.String("provider", string(ev.Provider)),
			slog.String("event_type", ev.Type),
			slog.String("room_id", matches[0].RoomID),
			slog.Any("session_ids", ids))
		c.metrics.IncIntegrityFaults()
	}
	return matches[0]
}

func activeOnly(list []*Session) []*Session {
	var out []*Session
	for _, s := range list {
		if IsActive(s.Status) {
			out = append(out, s)
		}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
