// Package presence tracks which users are connected, which rooms their live
// connections belong to, and fans payloads out to room members.
package presence

import (
	"errors"
	"sync"
	"time"
)

const personalRoomPrefix = "personal:"

var (
	// ErrUnknownHandle indicates the handle is not the user's current connection.
	ErrUnknownHandle = errors.New("presence: unknown handle")
	// ErrInvalidRegistration indicates an empty user id or a nil handle.
	ErrInvalidRegistration = errors.New("presence: user id and handle are required")
)

// Handle is a live client transport connection.
type Handle interface {
	ID() string
	UserID() string
	Send(event string, payload any) error
	Close() error
}

// PresenceChange is emitted whenever a user comes online or goes offline.
type PresenceChange struct {
	UserID    string
	Online    bool
	Timestamp time.Time
}

// PersonalRoom returns the room every connection of userID joins on registration.
func PersonalRoom(userID string) string {
	return personalRoomPrefix + userID
}

type connection struct {
	handle       Handle
	rooms        map[string]struct{}
	connectedAt  time.Time
	lastActivity time.Time
}

type listenerEntry struct {
	id       int64
	listener func(PresenceChange)
}

// Registry owns the connection and room membership state for the process.
// A user has at most one live handle; registering a new one replaces the old.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*connection
	rooms       map[string]map[string]Handle
	listeners   []listenerEntry
	nextID      int64
	clock       func() time.Time
}

// NewRegistry constructs an empty registry. A nil clock defaults to time.Now.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		connections: make(map[string]*connection),
		rooms:       make(map[string]map[string]Handle),
		clock:       clock,
	}
}

// Subscribe registers a presence listener and returns its cleanup function.
// Listeners run on the caller's goroutine after the registry lock is released.
func (r *Registry) Subscribe(listener func(PresenceChange)) func() {
	if listener == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerEntry{id: id, listener: listener})
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for index, entry := range r.listeners {
			if entry.id == id {
				r.listeners = append(r.listeners[:index], r.listeners[index+1:]...)
				return
			}
		}
	}
}

// Register makes handle the live connection for userID and joins its personal room.
func (r *Registry) Register(userID string, handle Handle) error {
	if userID == "" || handle == nil {
		return ErrInvalidRegistration
	}
	now := r.clock().UTC()

	r.mu.Lock()
	previous := r.connections[userID]
	if previous != nil {
		r.detachLocked(previous)
	}
	current := &connection{
		handle:       handle,
		rooms:        make(map[string]struct{}),
		connectedAt:  now,
		lastActivity: now,
	}
	r.connections[userID] = current
	r.joinLocked(PersonalRoom(userID), current)
	listeners := r.listenersLocked()
	r.mu.Unlock()

	if previous != nil && previous.handle.ID() != handle.ID() {
		_ = previous.handle.Close()
	}
	notify(listeners, PresenceChange{UserID: userID, Online: true, Timestamp: now})
	return nil
}

// Unregister drops the user's connection from every room and marks the user offline.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	existing := r.connections[userID]
	if existing == nil {
		r.mu.Unlock()
		return
	}
	r.detachLocked(existing)
	delete(r.connections, userID)
	listeners := r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, PresenceChange{UserID: userID, Online: false, Timestamp: r.clock().UTC()})
}

// Release unregisters the handle's user only while handle is still the live connection.
// Transports call it when a socket closes so a replaced connection cannot evict its successor.
func (r *Registry) Release(handle Handle) bool {
	if handle == nil {
		return false
	}
	r.mu.RLock()
	existing := r.connections[handle.UserID()]
	current := existing != nil && existing.handle.ID() == handle.ID()
	r.mu.RUnlock()
	if !current {
		return false
	}
	r.Unregister(handle.UserID())
	return true
}

// JoinRoom adds handle to roomID, creating the room when needed.
func (r *Registry) JoinRoom(roomID string, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, err := r.currentLocked(handle)
	if err != nil {
		return err
	}
	r.joinLocked(roomID, conn)
	return nil
}

// LeaveRoom removes handle from roomID and drops the room when it becomes empty.
func (r *Registry) LeaveRoom(roomID string, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, err := r.currentLocked(handle)
	if err != nil {
		return err
	}
	r.leaveLocked(roomID, conn)
	return nil
}

// IsOnline reports whether userID has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connections[userID]
	return ok
}

// OnlineCount returns the number of connected users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// InRoom reports whether userID's live connection is a member of roomID.
func (r *Registry) InRoom(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn := r.connections[userID]
	if conn == nil {
		return false
	}
	_, ok := conn.rooms[roomID]
	return ok
}

// Members returns a snapshot of the handles in roomID.
func (r *Registry) Members(roomID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	snapshot := make([]Handle, 0, len(members))
	for _, handle := range members {
		snapshot = append(snapshot, handle)
	}
	return snapshot
}

// Handles returns a snapshot of every live handle.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]Handle, 0, len(r.connections))
	for _, conn := range r.connections {
		snapshot = append(snapshot, conn.handle)
	}
	return snapshot
}

// Touch records activity for userID's connection.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn := r.connections[userID]; conn != nil {
		conn.lastActivity = r.clock().UTC()
	}
}

// LastActivity returns the last recorded activity of a connected user.
func (r *Registry) LastActivity(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn := r.connections[userID]
	if conn == nil {
		return time.Time{}, false
	}
	return conn.lastActivity, true
}

func (r *Registry) currentLocked(handle Handle) (*connection, error) {
	if handle == nil {
		return nil, ErrUnknownHandle
	}
	conn := r.connections[handle.UserID()]
	if conn == nil || conn.handle.ID() != handle.ID() {
		return nil, ErrUnknownHandle
	}
	return conn, nil
}

func (r *Registry) joinLocked(roomID string, conn *connection) {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Handle)
		r.rooms[roomID] = members
	}
	members[conn.handle.ID()] = conn.handle
	conn.rooms[roomID] = struct{}{}
}

func (r *Registry) leaveLocked(roomID string, conn *connection) {
	delete(conn.rooms, roomID)
	members := r.rooms[roomID]
	if members == nil {
		return
	}
	delete(members, conn.handle.ID())
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *Registry) detachLocked(conn *connection) {
	for roomID := range conn.rooms {
		r.leaveLocked(roomID, conn)
	}
}

func (r *Registry) listenersLocked() []func(PresenceChange) {
	if len(r.listeners) == 0 {
		return nil
	}
	copies := make([]func(PresenceChange), 0, len(r.listeners))
	for _, entry := range r.listeners {
		copies = append(copies, entry.listener)
	}
	return copies
}

func notify(listeners []func(PresenceChange), change PresenceChange) {
	for _, listener := range listeners {
		listener(change)
	}
}
