package chat

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"go.uber.org/zap"
)

// CallKind is the media of a call.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// CallStatus tracks a call through signaling.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
	CallEnded     CallStatus = "ended"
)

const (
	EventIncomingCall = "incoming-call"
	EventCallStarted  = "call-started"
	EventCallAccepted = "call-accepted"
	EventCallRejected = "call-rejected"
	EventCallEnded    = "call-ended"
)

const (
	opStartCall  = "chat.start_call"
	opAcceptCall = "chat.accept_call"
	opRejectCall = "chat.reject_call"
	opEndCall    = "chat.end_call"
)

// CallSession is the ephemeral state of one call. It lives only in memory.
type CallSession struct {
	ID        string     `json:"callId"`
	CallerID  string     `json:"callerId"`
	TargetID  string     `json:"targetId"`
	Room      string     `json:"room"`
	Kind      CallKind   `json:"kind"`
	Status    CallStatus `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (s *CallSession) active() bool {
	return s.Status == CallInitiated || s.Status == CallAccepted
}

func (s *CallSession) involves(userID string) bool {
	return s.CallerID == userID || s.TargetID == userID
}

func (s *CallSession) other(userID string) string {
	if s.CallerID == userID {
		return s.TargetID
	}
	return s.CallerID
}

// Call returns a snapshot of the call with the given id.
func (c *Coordinator) Call(callID string) (CallSession, bool) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	call, ok := c.calls[callID]
	if !ok {
		return CallSession{}, false
	}
	return *call, true
}

func (c *Coordinator) startCall(ctx context.Context, session Session, action StartCall) ([]Effect, error) {
	roomID, err := c.requireJoined(session, action.Room, opStartCall)
	if err != nil {
		return nil, err
	}
	targetID := strings.TrimSpace(action.TargetID)
	if targetID == "" || targetID == session.UserID {
		return nil, apperr.New(apperr.KindValidation, opStartCall, "invalid_target", nil)
	}
	kind := action.Kind
	if kind == "" {
		kind = CallAudio
	}
	if kind != CallAudio && kind != CallVideo {
		return nil, apperr.New(apperr.KindValidation, opStartCall, "invalid_kind", nil)
	}
	if !c.presence.IsOnline(targetID) {
		return nil, apperr.New(apperr.KindUserUnavailable, opStartCall, "target_offline", nil)
	}
	room, _ := ParseRoom(roomID)
	allowed, err := c.canAccess(ctx, targetID, room)
	if err != nil {
		c.logError(opStartCall, "access_check_failed", err, zap.String("target_id", targetID), zap.String("room", roomID))
		return nil, apperr.New(apperr.KindInternal, opStartCall, "access_check_failed", err)
	}
	if !allowed {
		return nil, apperr.New(apperr.KindAccessDenied, opStartCall, "target_not_a_member", nil)
	}
	identifier, err := c.idProvider.NewID()
	if err != nil {
		c.logError(opStartCall, "id_generation_failed", err)
		return nil, apperr.New(apperr.KindInternal, opStartCall, "id_generation_failed", err)
	}

	now := c.clock().UTC()
	c.callsMu.Lock()
	for _, existing := range c.calls {
		if !existing.active() {
			continue
		}
		if existing.involves(session.UserID) {
			c.callsMu.Unlock()
			return nil, apperr.New(apperr.KindValidation, opStartCall, "already_in_call", nil)
		}
		if existing.involves(targetID) {
			c.callsMu.Unlock()
			return nil, apperr.New(apperr.KindUserUnavailable, opStartCall, "target_busy", nil)
		}
	}
	call := &CallSession{
		ID:        identifier,
		CallerID:  session.UserID,
		TargetID:  targetID,
		Room:      roomID,
		Kind:      kind,
		Status:    CallInitiated,
		StartedAt: now,
		UpdatedAt: now,
	}
	c.calls[call.ID] = call
	snapshot := *call
	c.callsMu.Unlock()

	return []Effect{
		Notify{UserID: targetID, Event: EventIncomingCall, Payload: snapshot},
		Reply{Event: EventCallStarted, Payload: snapshot},
	}, nil
}

func (c *Coordinator) acceptCall(session Session, action AcceptCall) ([]Effect, error) {
	snapshot, err := c.transitionCall(opAcceptCall, action.CallID, session.UserID, func(call *CallSession) error {
		if call.TargetID != session.UserID {
			return apperr.New(apperr.KindForbidden, opAcceptCall, "not_target", nil)
		}
		if call.Status != CallInitiated {
			return apperr.New(apperr.KindValidation, opAcceptCall, "invalid_status", nil)
		}
		call.Status = CallAccepted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []Effect{
		Notify{UserID: snapshot.CallerID, Event: EventCallAccepted, Payload: snapshot},
		Reply{Event: EventCallAccepted, Payload: snapshot},
	}, nil
}

func (c *Coordinator) rejectCall(session Session, action RejectCall) ([]Effect, error) {
	snapshot, err := c.transitionCall(opRejectCall, action.CallID, session.UserID, func(call *CallSession) error {
		if call.TargetID != session.UserID {
			return apperr.New(apperr.KindForbidden, opRejectCall, "not_target", nil)
		}
		if call.Status != CallInitiated {
			return apperr.New(apperr.KindValidation, opRejectCall, "invalid_status", nil)
		}
		call.Status = CallRejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []Effect{
		Notify{UserID: snapshot.CallerID, Event: EventCallRejected, Payload: snapshot},
		Reply{Event: EventCallRejected, Payload: snapshot},
	}, nil
}

func (c *Coordinator) endCall(session Session, action EndCall) ([]Effect, error) {
	snapshot, err := c.transitionCall(opEndCall, action.CallID, session.UserID, func(call *CallSession) error {
		if !call.involves(session.UserID) {
			return apperr.New(apperr.KindForbidden, opEndCall, "not_participant", nil)
		}
		if !call.active() {
			return apperr.New(apperr.KindValidation, opEndCall, "invalid_status", nil)
		}
		call.Status = CallEnded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []Effect{
		Notify{UserID: snapshot.other(session.UserID), Event: EventCallEnded, Payload: snapshot},
		Reply{Event: EventCallEnded, Payload: snapshot},
	}, nil
}

// transitionCall applies mutate under the calls lock. Calls that leave the active
// states are forgotten.
func (c *Coordinator) transitionCall(operation, callID, userID string, mutate func(*CallSession) error) (CallSession, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return CallSession{}, apperr.New(apperr.KindValidation, operation, "missing_call_id", nil)
	}
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	call, ok := c.calls[callID]
	if !ok {
		return CallSession{}, apperr.New(apperr.KindNotFound, operation, "unknown_call", nil)
	}
	if err := mutate(call); err != nil {
		return CallSession{}, err
	}
	call.UpdatedAt = c.clock().UTC()
	if !call.active() {
		delete(c.calls, callID)
	}
	return *call, nil
}

// endCallsFor ends every active call of userID and notifies the other participants.
func (c *Coordinator) endCallsFor(userID string) []Effect {
	now := c.clock().UTC()
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	var effects []Effect
	for id, call := range c.calls {
		if !call.involves(userID) {
			continue
		}
		call.Status = CallEnded
		call.UpdatedAt = now
		delete(c.calls, id)
		effects = append(effects, Notify{UserID: call.other(userID), Event: EventCallEnded, Payload: *call})
	}
	return effects
}
