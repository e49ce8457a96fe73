package chat

import (
	"strings"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
)

// RoomKind is the namespace of a room identifier.
type RoomKind string

const (
	RoomPersonal RoomKind = "personal"
	RoomEvent    RoomKind = "event"
	RoomTribe    RoomKind = "tribe"
)

const maxRoomTargetLength = 190

// Room is a parsed room identifier such as "event:42".
type Room struct {
	Kind   RoomKind
	Target string
}

// ParseRoom validates a "<kind>:<id>" room identifier.
func ParseRoom(raw string) (Room, error) {
	kind, target, found := strings.Cut(strings.TrimSpace(raw), ":")
	target = strings.TrimSpace(target)
	if !found || target == "" || len(target) > maxRoomTargetLength {
		return Room{}, apperr.New(apperr.KindValidation, "chat.parse_room", "malformed_room", nil)
	}
	switch RoomKind(kind) {
	case RoomPersonal, RoomEvent, RoomTribe:
		return Room{Kind: RoomKind(kind), Target: target}, nil
	default:
		return Room{}, apperr.New(apperr.KindValidation, "chat.parse_room", "unknown_room_kind", nil)
	}
}

// String returns the canonical identifier.
func (r Room) String() string {
	return string(r.Kind) + ":" + r.Target
}
