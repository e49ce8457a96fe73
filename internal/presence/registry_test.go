package presence

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordedEvent struct {
	Event   string
	Payload any
}

type fakeHandle struct {
	id      string
	userID  string
	failing bool

	mu     sync.Mutex
	events []recordedEvent
	closed bool
}

func newFakeHandle(id, userID string) *fakeHandle {
	return &fakeHandle{id: id, userID: userID}
}

func (h *fakeHandle) ID() string     { return h.id }
func (h *fakeHandle) UserID() string { return h.userID }

func (h *fakeHandle) Send(event string, payload any) error {
	if h.failing {
		return errors.New("socket closed")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{Event: event, Payload: payload})
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) received(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, recorded := range h.events {
		if recorded.Event == event {
			count++
		}
	}
	return count
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func TestRegisterJoinsPersonalRoomAndMarksOnline(t *testing.T) {
	registry := NewRegistry(nil)
	handle := newFakeHandle("conn-1", "user-1")

	if err := registry.Register("user-1", handle); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !registry.IsOnline("user-1") {
		t.Fatalf("expected user to be online")
	}
	if registry.OnlineCount() != 1 {
		t.Fatalf("expected one online user, got %d", registry.OnlineCount())
	}
	members := registry.Members(PersonalRoom("user-1"))
	if len(members) != 1 || members[0].ID() != "conn-1" {
		t.Fatalf("expected personal room to contain the handle, got %#v", members)
	}
}

func TestRegisterReplacesPreviousHandle(t *testing.T) {
	registry := NewRegistry(nil)
	router := NewRouter(registry, nil)
	first := newFakeHandle("conn-1", "user-1")
	second := newFakeHandle("conn-2", "user-1")

	if err := registry.Register("user-1", first); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := registry.JoinRoom("event:42", first); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := registry.Register("user-1", second); err != nil {
		t.Fatalf("second register failed: %v", err)
	}

	if !first.isClosed() {
		t.Fatalf("expected replaced handle to be closed")
	}
	if registry.OnlineCount() != 1 {
		t.Fatalf("expected a single connection for the user, got %d", registry.OnlineCount())
	}
	if registry.RoomCount() != 1 {
		t.Fatalf("expected only the personal room to remain, got %d rooms", registry.RoomCount())
	}

	router.SendToUser("user-1", "ping", nil)
	router.Broadcast("event:42", "ping", nil)
	if first.received("ping") != 0 {
		t.Fatalf("replaced handle must not receive further sends")
	}
	if second.received("ping") != 1 {
		t.Fatalf("expected live handle to receive exactly one ping, got %d", second.received("ping"))
	}

	if err := registry.JoinRoom("event:42", first); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected stale handle join to fail, got %v", err)
	}
	if registry.Release(first) {
		t.Fatalf("releasing a replaced handle must not unregister the live one")
	}
	if !registry.IsOnline("user-1") {
		t.Fatalf("expected user to remain online")
	}
}

func TestJoinThenLeaveLeavesNoResidualRoom(t *testing.T) {
	registry := NewRegistry(nil)
	handle := newFakeHandle("conn-1", "user-1")
	if err := registry.Register("user-1", handle); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := registry.JoinRoom("tribe:7", handle); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}
	if len(registry.Members("tribe:7")) != 1 {
		t.Fatalf("expected idempotent join")
	}
	for attempt := 0; attempt < 2; attempt++ {
		if err := registry.LeaveRoom("tribe:7", handle); err != nil {
			t.Fatalf("leave failed: %v", err)
		}
	}
	if registry.Members("tribe:7") != nil {
		t.Fatalf("expected room to be removed")
	}
	if registry.RoomCount() != 1 {
		t.Fatalf("expected only the personal room, got %d", registry.RoomCount())
	}
}

func TestUnregisterDropsRoomsAndNotifiesListeners(t *testing.T) {
	registry := NewRegistry(func() time.Time { return time.Unix(1700000000, 0) })
	var changes []PresenceChange
	cleanup := registry.Subscribe(func(change PresenceChange) {
		changes = append(changes, change)
	})
	defer cleanup()

	handle := newFakeHandle("conn-1", "user-1")
	if err := registry.Register("user-1", handle); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := registry.JoinRoom("event:1", handle); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	registry.Unregister("user-1")

	if registry.IsOnline("user-1") {
		t.Fatalf("expected user offline")
	}
	if registry.RoomCount() != 0 {
		t.Fatalf("expected all rooms dropped, got %d", registry.RoomCount())
	}
	if len(changes) != 2 || !changes[0].Online || changes[1].Online {
		t.Fatalf("unexpected presence changes %#v", changes)
	}

	registry.Unregister("user-1")
	if len(changes) != 2 {
		t.Fatalf("unregistering an offline user must not notify")
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	registry := NewRegistry(func() time.Time { return now })
	if err := registry.Register("user-1", newFakeHandle("conn-1", "user-1")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	now = now.Add(5 * time.Minute)
	registry.Touch("user-1")

	lastActivity, ok := registry.LastActivity("user-1")
	if !ok || !lastActivity.Equal(now) {
		t.Fatalf("expected last activity %v, got %v (%v)", now, lastActivity, ok)
	}
	if _, ok := registry.LastActivity("user-2"); ok {
		t.Fatalf("expected no activity for offline user")
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	registry := NewRegistry(nil)
	if err := registry.Register("", newFakeHandle("conn-1", "")); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected invalid registration, got %v", err)
	}
	if err := registry.Register("user-1", nil); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected invalid registration, got %v", err)
	}
}
