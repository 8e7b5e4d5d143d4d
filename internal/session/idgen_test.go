package session

import (
	"strings"
	"testing"
)

func TestNewSessionID_sortable(t *testing.T) {
	prev := NewSessionID()
	for range 100 {
		next := NewSessionID()
		if !strings.HasPrefix(next, "se_") || len(next) != 35 {
			t.Fatalf("unexpected id %q", next)
		}
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestParsePassthrough(t *testing.T) {
	p := ParsePassthrough(NewPassthrough("ro_1", "ch_1", "se_1"))
	if p != (PassthroughParts{RoomID: "ro_1", ChannelID: "ch_1", SessionID: "se_1"}) {
		t.Errorf("round trip = %+v", p)
	}
	if p := ParsePassthrough("ro_1"); p.RoomID != "ro_1" || p.SessionID != "" {
		t.Errorf("bare room = %+v", p)
	}
}

func TestNewErrorID(t *testing.T) {
	if id := NewErrorID(); len(id) != 10 {
		t.Errorf("error id %q should be 10 chars", id)
	}
}
