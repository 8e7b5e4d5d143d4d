package session

import (
	"strings"

	"github.com/google/uuid"
)

const (
	sessionIDPrefix = "se_"
	roomIDPrefix    = "ro_"
	passthroughSep  = "|"
)

// NewSessionID returns a time-ordered session identifier.
func NewSessionID() string {
	return sessionIDPrefix + newOrderedID()
}

// NewRoomID returns a time-ordered room identifier.
func NewRoomID() string {
	return roomIDPrefix + newOrderedID()
}

func newOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// NewPassthrough builds the correlation token handed to the streaming provider.
func NewPassthrough(roomID, channelID, sessionID string) string {
	return roomID + passthroughSep + channelID + passthroughSep + sessionID
}

// PassthroughParts is a parsed passthrough token.
type PassthroughParts struct {
	RoomID    string
	ChannelID string
	SessionID string
}

// ParsePassthrough splits a token built by NewPassthrough. Tokens with fewer
// segments yield only the segments present, so a bare room id still parses.
func ParsePassthrough(token string) PassthroughParts {
	parts := strings.SplitN(token, passthroughSep, 3)
	var p PassthroughParts
	p.RoomID = parts[0]
	if len(parts) > 1 {
		p.ChannelID = parts[1]
	}
	if len(parts) > 2 {
		p.SessionID = parts[2]
	}
	return p
}

// NewErrorID returns a short random id attached to API error responses for support lookup.
func NewErrorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
