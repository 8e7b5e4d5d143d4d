package webhook

import (
	"encoding/json"
	"errors"
	"time"

	"broadcast-orchestrator/internal/session"
)

var errMissingEventType = errors.New("missing event type")

// liveKitPayload is the subset of a LiveKit webhook body the service reads.
type liveKitPayload struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Room  *struct {
		SID  string `json:"sid"`
		Name string `json:"name"`
	} `json:"room"`
	Participant *struct {
		SID      string `json:"sid"`
		Identity string `json:"identity"`
		State    string `json:"state"`
	} `json:"participant"`
}

func parseLiveKit(raw []byte, receivedAt time.Time) (session.Event, error) {
	var p liveKitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return session.Event{}, err
	}
	if p.Event == "" {
		return session.Event{}, errMissingEventType
	}
	ev := session.Event{
		ID:         p.ID,
		Provider:   session.ProviderLiveKit,
		Type:       p.Event,
		ReceivedAt: receivedAt,
		RawStatus:  p.Event,
	}
	if p.Room != nil {
		ev.RoomName = p.Room.Name
	}
	if p.Participant != nil {
		ev.ParticipantIdentity = p.Participant.Identity
	}
	return ev, nil
}

// muxPayload is the subset of a Mux webhook body the service reads.
type muxPayload struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Object *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"object"`
	Data *struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Passthrough string `json:"passthrough"`
	} `json:"data"`
}

func parseMux(raw []byte, receivedAt time.Time) (session.Event, error) {
	var p muxPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return session.Event{}, err
	}
	if p.Type == "" {
		return session.Event{}, errMissingEventType
	}
	ev := session.Event{
		ID:         p.ID,
		Provider:   session.ProviderMux,
		Type:       p.Type,
		ReceivedAt: receivedAt,
	}
	if p.Data != nil {
		ev.Passthrough = p.Data.Passthrough
		ev.LiveStreamID = p.Data.ID
		ev.RawStatus = p.Data.Status
	}
	if ev.LiveStreamID == "" && p.Object != nil && p.Object.Type == "live_stream" {
		ev.LiveStreamID = p.Object.ID
	}
	return ev, nil
}
