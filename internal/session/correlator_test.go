package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"broadcast-orchestrator/internal/platform/logger"
	"broadcast-orchestrator/internal/platform/metrics"
)

func TestCorrelator_passthrough_beats_room(t *testing.T) {
	store := NewInMemoryStore()
	c := NewCorrelator(store, logger.Nop(), nil)
	ctx := context.Background()

	old := seed(t, store, "ro_1", StatusStopped)
	current := seed(t, store, "ro_1", StatusReady)

	got, err := c.Resolve(ctx, Event{Passthrough: old.Passthrough})
	if err != nil || got.SessionID != old.SessionID {
		t.Errorf("exact passthrough should resolve the historical session: %v / %v", got, err)
	}

	got, err = c.Resolve(ctx, Event{Passthrough: "ro_1"})
	if err != nil || got.SessionID != current.SessionID {
		t.Errorf("room fallback should resolve the active session: %v / %v", got, err)
	}
}

func TestCorrelator_room_scoped_to_active(t *testing.T) {
	store := NewInMemoryStore()
	c := NewCorrelator(store, logger.Nop(), nil)
	seed(t, store, "ro_1", StatusStopped)

	_, err := c.Resolve(context.Background(), Event{Provider: ProviderLiveKit, Type: EventRoomFinished, RoomName: "ro_1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal session must not match by room, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.RoomID != "ro_1" || e.Provider != ProviderLiveKit || e.EventType != EventRoomFinished {
		t.Errorf("not found error should carry event context: %+v", e)
	}
}

func TestCorrelator_integrity_fault_resolves_newest(t *testing.T) {
	store := NewInMemoryStore()
	c := NewCorrelator(store, logger.Nop(), metrics.New())
	ctx := context.Background()

	first := seed(t, store, "ro_1", StatusLive)
	second := seed(t, store, "ro_1", StatusCancelled)
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	// Force a second active session in the room behind the guard.
	second.Status = StatusReady
	if err := store.CompareAndSwap(ctx, second, StatusCancelled); err != nil {
		t.Fatal(err)
	}

	got, err := c.Resolve(ctx, Event{RoomName: "ro_1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != second.SessionID {
		t.Errorf("expected newest session %s, got %s", second.SessionID, got.SessionID)
	}
}

type failingLiveStreamStore struct {
	*InMemoryStore
}

func (failingLiveStreamStore) FindByLiveStreamID(context.Context, string) ([]*Session, error) {
	return nil, errors.New("index unavailable")
}

func TestCorrelator_live_stream_lookup_is_best_effort(t *testing.T) {
	store := failingLiveStreamStore{NewInMemoryStore()}
	c := NewCorrelator(store, logger.Nop(), nil)
	s := seed(t, store, "ro_1", StatusLive)

	got, err := c.Resolve(context.Background(), Event{Passthrough: "ro_1|x|y", LiveStreamID: "ls_1"})
	if err != nil || got.SessionID != s.SessionID {
		t.Errorf("lookup failure should fall through to the room: %v / %v", got, err)
	}
}
