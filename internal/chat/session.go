package chat

import (
	"sort"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/media"
)

// Phase is the lifecycle stage of a client session.
type Phase string

const (
	PhaseConnected    Phase = "connected"
	PhaseJoined       Phase = "joined"
	PhaseDisconnected Phase = "disconnected"
)

// Session is the per-connection chat state. It is a value; Handle returns the next one.
type Session struct {
	UserID string
	Phase  Phase
	Rooms  []string
}

// NewSession returns the state of a freshly authenticated connection.
func NewSession(userID string) Session {
	return Session{UserID: userID, Phase: PhaseConnected}
}

// Joined reports whether the session has joined room.
func (s Session) Joined(room string) bool {
	for _, joined := range s.Rooms {
		if joined == room {
			return true
		}
	}
	return false
}

func (s Session) withRoom(room string) Session {
	if s.Joined(room) {
		return s
	}
	rooms := append(append([]string{}, s.Rooms...), room)
	sort.Strings(rooms)
	return Session{UserID: s.UserID, Phase: PhaseJoined, Rooms: rooms}
}

func (s Session) withoutRoom(room string) Session {
	rooms := make([]string, 0, len(s.Rooms))
	for _, joined := range s.Rooms {
		if joined != room {
			rooms = append(rooms, joined)
		}
	}
	phase := PhaseJoined
	if len(rooms) == 0 {
		phase = PhaseConnected
		rooms = nil
	}
	return Session{UserID: s.UserID, Phase: phase, Rooms: rooms}
}

// Action is a client request handled by the coordinator.
type Action interface {
	Name() string
}

type JoinRoom struct {
	Room string `json:"room"`
}

type LeaveRoom struct {
	Room string `json:"room"`
}

type SendMessage struct {
	Room     string      `json:"room"`
	Type     MessageType `json:"type"`
	Content  string      `json:"content"`
	ReplyTo  string      `json:"replyTo"`
	ClientID string      `json:"clientId"`
}

type EditMessage struct {
	Room      string `json:"room"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type DeleteMessage struct {
	Room      string `json:"room"`
	MessageID string `json:"messageId"`
}

type React struct {
	Room      string `json:"room"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type Typing struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

type MarkRead struct {
	Room       string   `json:"room"`
	MessageIDs []string `json:"messageIds"`
}

type ShareFile struct {
	Room        string `json:"room"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
	Caption     string `json:"caption"`
	ClientID    string `json:"clientId"`
}

type ShareVoice struct {
	Room            string  `json:"room"`
	ContentType     string  `json:"contentType"`
	Data            []byte  `json:"data"`
	DurationSeconds float64 `json:"durationSeconds"`
	ClientID        string  `json:"clientId"`
}

type StartCall struct {
	Room     string   `json:"room"`
	TargetID string   `json:"targetId"`
	Kind     CallKind `json:"kind"`
}

type AcceptCall struct {
	CallID string `json:"callId"`
}

type RejectCall struct {
	CallID string `json:"callId"`
}

type EndCall struct {
	CallID string `json:"callId"`
}

// Disconnect ends the session.
type Disconnect struct{}

func (JoinRoom) Name() string      { return "join-room" }
func (LeaveRoom) Name() string     { return "leave-room" }
func (SendMessage) Name() string   { return "send-message" }
func (EditMessage) Name() string   { return "edit-message" }
func (DeleteMessage) Name() string { return "delete-message" }
func (React) Name() string         { return "react" }
func (Typing) Name() string        { return "typing" }
func (MarkRead) Name() string      { return "mark-read" }
func (ShareFile) Name() string     { return "share-file" }
func (ShareVoice) Name() string    { return "share-voice" }
func (StartCall) Name() string     { return "start-call" }
func (AcceptCall) Name() string    { return "accept-call" }
func (RejectCall) Name() string    { return "reject-call" }
func (EndCall) Name() string       { return "end-call" }
func (Disconnect) Name() string    { return "disconnect" }

func (a ShareFile) upload() media.Upload {
	return media.Upload{Kind: media.KindFile, FileName: a.FileName, ContentType: a.ContentType, Data: a.Data}
}

func (a ShareVoice) upload() media.Upload {
	return media.Upload{
		Kind:            media.KindVoice,
		FileName:        "voice-message",
		ContentType:     a.ContentType,
		Data:            a.Data,
		DurationSeconds: a.DurationSeconds,
	}
}

// Effect is transport work produced by a transition. The server applies effects in order.
type Effect interface {
	effect()
}

// Reply goes to the originating client only.
type Reply struct {
	Event   string
	Payload any
}

// Broadcast goes to every member of Room, except ExceptUserID when set.
type Broadcast struct {
	Room         string
	Event        string
	Payload      any
	ExceptUserID string
}

// Notify goes to one user's personal room.
type Notify struct {
	UserID  string
	Event   string
	Payload any
}

// Enter adds the originating connection to Room.
type Enter struct {
	Room string
}

// Exit removes the originating connection from Room.
type Exit struct {
	Room string
}

// Reject reports a failed action to the originating client only.
type Reject struct {
	Action string
	Err    error
}

func (Reply) effect()     {}
func (Broadcast) effect() {}
func (Notify) effect()    {}
func (Enter) effect()     {}
func (Exit) effect()      {}
func (Reject) effect()    {}
