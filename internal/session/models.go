package session

import (
	"maps"
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusReady      Status = "ready"
	StatusPublishing Status = "publishing"
	StatusLive       Status = "live"
	StatusEnding     Status = "ending"
	StatusAborted    Status = "aborted"
	StatusCancelled  Status = "cancelled"
	StatusStopped    Status = "stopped"
)

// Provider names an external system that sends webhooks.
type Provider string

const (
	ProviderLiveKit Provider = "livekit"
	ProviderMux     Provider = "mux"
)

// Source records what asked for a transition. Used for logs and metrics only.
type Source string

const (
	SourceAPI           Source = "api"
	SourceRTCWebhook    Source = "rtc_webhook"
	SourceStreamWebhook Source = "stream_webhook"
	SourceRecreation    Source = "recreation"
)

// Runtime holds provider handles that belong to a single broadcast attempt.
type Runtime struct {
	LiveStreamID string `json:"live_stream_id,omitempty"`
	EgressID     string `json:"egress_id,omitempty"`
}

// Session is one broadcast attempt bound to a room.
type Session struct {
	SessionID      string            `json:"session_id"`
	RoomID         string            `json:"room_id"`
	ChannelID      string            `json:"channel_id"`
	UserID         string            `json:"user_id"`
	Status         Status            `json:"status"`
	Passthrough    string            `json:"passthrough"`
	Config         map[string]string `json:"config,omitempty"`
	Runtime        Runtime           `json:"runtime"`
	ProviderStatus map[string]string `json:"provider_status,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	StoppedAt      *time.Time        `json:"stopped_at,omitempty"`
	Version        int64             `json:"version"`
}

// Clone returns a deep copy so callers never share maps or timestamps with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Config = maps.Clone(s.Config)
	c.ProviderStatus = maps.Clone(s.ProviderStatus)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	return &c
}

// Key addresses a session either directly or through the active session of a room.
// SessionID wins when both are set.
type Key struct {
	SessionID string
	RoomID    string
}

func (k Key) String() string {
	if k.SessionID != "" {
		return k.SessionID
	}
	return "room:" + k.RoomID
}
