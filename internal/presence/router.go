package presence

import (
	"go.uber.org/zap"
)

const (
	EventUserOnline  = "user-online"
	EventUserOffline = "user-offline"
)

// Router fans payloads out to the live handles of a room.
// Member lists are snapshotted under the registry lock; sends happen outside it.
type Router struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRouter constructs a router over registry.
func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{registry: registry, logger: logger}
}

// Broadcast sends payload to every handle in roomID and returns the number of successful sends.
func (r *Router) Broadcast(roomID, event string, payload any) int {
	return r.BroadcastExcept(roomID, "", event, payload)
}

// BroadcastExcept is Broadcast that skips the handle owned by exceptUserID.
func (r *Router) BroadcastExcept(roomID, exceptUserID, event string, payload any) int {
	return r.deliver(r.registry.Members(roomID), exceptUserID, roomID, event, payload)
}

// SendToUser delivers payload to userID's personal room. It returns false when the user is offline
// or no send succeeded; callers decide whether to queue for later delivery.
func (r *Router) SendToUser(userID, event string, payload any) bool {
	members := r.registry.Members(PersonalRoom(userID))
	if len(members) == 0 {
		return false
	}
	return r.deliver(members, "", PersonalRoom(userID), event, payload) > 0
}

// BroadcastPresence announces a presence change to every other connected user.
func (r *Router) BroadcastPresence(change PresenceChange) {
	event := EventUserOffline
	if change.Online {
		event = EventUserOnline
	}
	payload := map[string]any{
		"userId":    change.UserID,
		"online":    change.Online,
		"timestamp": change.Timestamp,
	}
	r.deliver(r.registry.Handles(), change.UserID, "", event, payload)
}

func (r *Router) deliver(handles []Handle, exceptUserID, roomID, event string, payload any) int {
	delivered := 0
	for _, handle := range handles {
		if exceptUserID != "" && handle.UserID() == exceptUserID {
			continue
		}
		if err := handle.Send(event, payload); err != nil {
			r.logger.Warn("room send failed",
				zap.String("room_id", roomID),
				zap.String("event", event),
				zap.String("user_id", handle.UserID()),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}
