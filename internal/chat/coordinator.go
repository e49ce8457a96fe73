// Package chat implements the per-connection chat state machine: room access,
// message persistence, reactions, read receipts, media shares and call signaling.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/media"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	EventRoomJoined      = "room-joined"
	EventRoomLeft        = "room-left"
	EventUserJoinedRoom  = "user-joined-room"
	EventUserLeftRoom    = "user-left-room"
	EventNewMessage      = "new-message"
	EventMessageSent     = "message-sent"
	EventMessageEdited   = "message-edited"
	EventMessageDeleted  = "message-deleted"
	EventReactionUpdated = "reaction-updated"
	EventTyping          = "typing"
	EventMessagesRead    = "messages-read"
)

const (
	opNewCoordinator = "chat.coordinator.new"
	opJoinRoom       = "chat.join_room"
	opLeaveRoom      = "chat.leave_room"
	opSendMessage    = "chat.send_message"
	opEditMessage    = "chat.edit_message"
	opDeleteMessage  = "chat.delete_message"
	opReact          = "chat.react"
	opTyping         = "chat.typing"
	opMarkRead       = "chat.mark_read"
	opShareMedia     = "chat.share_media"
	opHistory        = "chat.history"
	opHandle         = "chat.handle"

	maxContentRunes     = 4000
	maxEmojiLength      = 32
	maxReadBatch        = 100
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingAccess     = errors.New("access checker is required")
	errMissingPresence   = errors.New("presence reader is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// AccessChecker answers event and tribe membership questions.
type AccessChecker interface {
	IsEventParticipant(ctx context.Context, eventID, userID string) (bool, error)
	IsTribeMember(ctx context.Context, tribeID, userID string) (bool, error)
}

// MediaProcessor stores shared uploads and returns a reference to them.
type MediaProcessor interface {
	Process(ctx context.Context, upload media.Upload) (media.Reference, error)
}

// PresenceReader reports whether a user currently holds a live connection.
type PresenceReader interface {
	IsOnline(userID string) bool
}

// IDProvider issues identifiers for messages and calls.
type IDProvider interface {
	NewID() (string, error)
}

// CoordinatorConfig describes the collaborators of a Coordinator.
type CoordinatorConfig struct {
	Database   *gorm.DB
	Access     AccessChecker
	Media      MediaProcessor
	Presence   PresenceReader
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Coordinator runs chat actions against a session and reports the resulting effects.
type Coordinator struct {
	db         *gorm.DB
	access     AccessChecker
	media      MediaProcessor
	presence   PresenceReader
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	callsMu sync.Mutex
	calls   map[string]*CallSession
}

// NewCoordinator validates cfg and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.New(apperr.KindInternal, opNewCoordinator, "missing_database", errMissingDatabase)
	case cfg.Access == nil:
		return nil, apperr.New(apperr.KindInternal, opNewCoordinator, "missing_access", errMissingAccess)
	case cfg.Presence == nil:
		return nil, apperr.New(apperr.KindInternal, opNewCoordinator, "missing_presence", errMissingPresence)
	case cfg.IDProvider == nil:
		return nil, apperr.New(apperr.KindInternal, opNewCoordinator, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:         cfg.Database,
		access:     cfg.Access,
		media:      cfg.Media,
		presence:   cfg.Presence,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		calls:      make(map[string]*CallSession),
	}, nil
}

// Handle applies action to session. On failure the prior session is returned together with
// a single Reject effect addressed to the originating client.
func (c *Coordinator) Handle(ctx context.Context, session Session, action Action) (Session, []Effect, error) {
	if session.Phase == PhaseDisconnected {
		err := apperr.New(apperr.KindValidation, opHandle, "session_closed", nil)
		return session, []Effect{Reject{Action: action.Name(), Err: err}}, err
	}

	var (
		next    = session
		effects []Effect
		err     error
	)
	switch typed := action.(type) {
	case JoinRoom:
		next, effects, err = c.joinRoom(ctx, session, typed)
	case LeaveRoom:
		next, effects, err = c.leaveRoom(session, typed)
	case SendMessage:
		effects, err = c.sendMessage(ctx, session, typed)
	case EditMessage:
		effects, err = c.editMessage(ctx, session, typed)
	case DeleteMessage:
		effects, err = c.deleteMessage(ctx, session, typed)
	case React:
		effects, err = c.react(ctx, session, typed)
	case Typing:
		effects, err = c.typing(session, typed)
	case MarkRead:
		effects, err = c.markRead(ctx, session, typed)
	case ShareFile:
		effects, err = c.shareMedia(ctx, session, typed.Room, typed.upload(), typed.Caption, typed.ClientID)
	case ShareVoice:
		effects, err = c.shareMedia(ctx, session, typed.Room, typed.upload(), "", typed.ClientID)
	case StartCall:
		effects, err = c.startCall(ctx, session, typed)
	case AcceptCall:
		effects, err = c.acceptCall(session, typed)
	case RejectCall:
		effects, err = c.rejectCall(session, typed)
	case EndCall:
		effects, err = c.endCall(session, typed)
	case Disconnect:
		return Session{UserID: session.UserID, Phase: PhaseDisconnected}, c.endCallsFor(session.UserID), nil
	default:
		err = apperr.New(apperr.KindValidation, opHandle, "unknown_action", fmt.Errorf("%T", action))
	}
	if err != nil {
		return session, []Effect{Reject{Action: action.Name(), Err: err}}, err
	}
	return next, effects, nil
}

func (c *Coordinator) joinRoom(ctx context.Context, session Session, action JoinRoom) (Session, []Effect, error) {
	room, err := ParseRoom(action.Room)
	if err != nil {
		return session, nil, err
	}
	allowed, err := c.canAccess(ctx, session.UserID, room)
	if err != nil {
		c.logError(opJoinRoom, "access_check_failed", err, zap.String("user_id", session.UserID), zap.String("room", room.String()))
		return session, nil, apperr.New(apperr.KindInternal, opJoinRoom, "access_check_failed", err)
	}
	if !allowed {
		return session, nil, apperr.New(apperr.KindAccessDenied, opJoinRoom, "not_a_member", nil)
	}

	roomID := room.String()
	effects := []Effect{
		Enter{Room: roomID},
		Reply{Event: EventRoomJoined, Payload: map[string]any{"room": roomID}},
	}
	if room.Kind != RoomPersonal && !session.Joined(roomID) {
		effects = append(effects, Broadcast{
			Room:         roomID,
			Event:        EventUserJoinedRoom,
			Payload:      map[string]any{"room": roomID, "userId": session.UserID},
			ExceptUserID: session.UserID,
		})
	}
	return session.withRoom(roomID), effects, nil
}

func (c *Coordinator) leaveRoom(session Session, action LeaveRoom) (Session, []Effect, error) {
	room, err := ParseRoom(action.Room)
	if err != nil {
		return session, nil, err
	}
	if room.Kind == RoomPersonal && room.Target == session.UserID {
		return session, nil, apperr.New(apperr.KindValidation, opLeaveRoom, "personal_room", nil)
	}
	roomID := room.String()
	effects := []Effect{
		Exit{Room: roomID},
		Reply{Event: EventRoomLeft, Payload: map[string]any{"room": roomID}},
	}
	if session.Joined(roomID) {
		effects = append(effects, Broadcast{
			Room:         roomID,
			Event:        EventUserLeftRoom,
			Payload:      map[string]any{"room": roomID, "userId": session.UserID},
			ExceptUserID: session.UserID,
		})
	}
	return session.withoutRoom(roomID), effects, nil
}

// MessageAck acknowledges a persisted message to its sender.
type MessageAck struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	ClientID  string    `json:"clientId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Coordinator) sendMessage(ctx context.Context, session Session, action SendMessage) ([]Effect, error) {
	roomID, err := c.requireJoined(session, action.Room, opSendMessage)
	if err != nil {
		return nil, err
	}
	messageType := action.Type
	if messageType == "" {
		messageType = MessageText
	}
	if _, ok := sendableTypes[messageType]; !ok {
		return nil, apperr.New(apperr.KindValidation, opSendMessage, "unsupported_type", fmt.Errorf("type %q", messageType))
	}
	content, err := validateContent(opSendMessage, action.Content)
	if err != nil {
		return nil, err
	}
	return c.persistAndRoute(ctx, session.UserID, roomID, opSendMessage, Message{
		Type:    messageType,
		Content: content,
		ReplyTo: strings.TrimSpace(action.ReplyTo),
	}, action.ClientID)
}

func (c *Coordinator) shareMedia(ctx context.Context, session Session, rawRoom string, upload media.Upload, caption, clientID string) ([]Effect, error) {
	roomID, err := c.requireJoined(session, rawRoom, opShareMedia)
	if err != nil {
		return nil, err
	}
	if c.media == nil {
		return nil, apperr.New(apperr.KindInternal, opShareMedia, "media_unavailable", nil)
	}
	reference, err := c.media.Process(ctx, upload)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			return nil, err
		}
		c.logError(opShareMedia, "process_failed", err, zap.String("room", roomID))
		return nil, apperr.New(apperr.KindInternal, opShareMedia, "process_failed", err)
	}

	messageType := MessageFile
	switch reference.Kind {
	case media.KindImage:
		messageType = MessageImage
	case media.KindVoice:
		messageType = MessageVoice
	}
	content := strings.TrimSpace(caption)
	if content == "" {
		content = reference.FileName
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return nil, apperr.New(apperr.KindValidation, opShareMedia, "content_too_long", nil)
	}
	return c.persistAndRoute(ctx, session.UserID, roomID, opShareMedia, Message{
		Type:       messageType,
		Content:    content,
		Attachment: datatypes.NewJSONType(reference),
	}, clientID)
}

// persistAndRoute stores message and updates the room activity in one transaction,
// then returns the room broadcast and the sender acknowledgement.
func (c *Coordinator) persistAndRoute(ctx context.Context, senderID, roomID, operation string, message Message, clientID string) ([]Effect, error) {
	identifier, err := c.idProvider.NewID()
	if err != nil {
		c.logError(operation, "id_generation_failed", err)
		return nil, apperr.New(apperr.KindInternal, operation, "id_generation_failed", err)
	}
	message.ID = identifier
	message.RoomID = roomID
	message.SenderID = senderID
	message.CreatedAt = c.clock().UTC()
	message.Reactions = datatypes.JSONSlice[Reaction]{}
	message.ReadBy = datatypes.JSONSlice[ReadReceipt]{}

	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		activity := RoomActivity{
			RoomID:        roomID,
			LastMessageID: message.ID,
			LastMessageAt: message.CreatedAt,
			MessageCount:  1,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_message_id": message.ID,
				"last_message_at": message.CreatedAt,
				"message_count":   gorm.Expr("message_count + 1"),
			}),
		}).Create(&activity).Error
	})
	if txErr != nil {
		c.logError(operation, "persist_failed", txErr, zap.String("room", roomID), zap.String("user_id", senderID))
		return nil, apperr.New(apperr.KindInternal, operation, "persist_failed", txErr)
	}

	return []Effect{
		Broadcast{Room: roomID, Event: EventNewMessage, Payload: message.View()},
		Reply{Event: EventMessageSent, Payload: MessageAck{
			ID:        message.ID,
			Room:      roomID,
			ClientID:  clientID,
			CreatedAt: message.CreatedAt,
		}},
	}, nil
}

func (c *Coordinator) editMessage(ctx context.Context, session Session, action EditMessage) ([]Effect, error) {
	roomID, err := c.requireJoined(session, action.Room, opEditMessage)
	if err != nil {
		return nil, err
	}
	content, err := validateContent(opEditMessage, action.Content)
	if err != nil {
		return nil, err
	}

	var edited Message
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := c.loadMessage(tx, opEditMessage, roomID, action.MessageID)
		if err != nil {
			return err
		}
		if message.SenderID != session.UserID {
			return apperr.New(apperr.KindForbidden, opEditMessage, "not_sender", nil)
		}
		if message.IsDeleted {
			return apperr.New(apperr.KindValidation, opEditMessage, "message_deleted", nil)
		}
		now := c.clock().UTC()
		if err := tx.Model(&Message{}).Where("id = ?", message.ID).Updates(map[string]any{
			"content":   content,
			"is_edited": true,
			"edited_at": now,
		}).Error; err != nil {
			return apperr.New(apperr.KindInternal, opEditMessage, "update_failed", err)
		}
		message.Content = content
		message.IsEdited = true
		message.EditedAt = &now
		edited = message
		return nil
	})
	if txErr != nil {
		return nil, c.surface(opEditMessage, txErr)
	}
	return []Effect{Broadcast{Room: roomID, Event: EventMessageEdited, Payload: edited.View()}}, nil
}

func (c *Coordinator) deleteMessage(ctx context.Context, session Session, action DeleteMessage) ([]Effect, error) {
	roomID, err := c.requireJoined(session, action.Room, opDeleteMessage)
	if err != nil {
		return nil, err
	}
	var deletedAt time.Time
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := c.loadMessage(tx, opDeleteMessage, roomID, action.MessageID)
		if err != nil {
			return err
		}
		if message.SenderID != session.UserID {
			return apperr.New(apperr.KindForbidden, opDeleteMessage, "not_sender", nil)
		}
		if message.IsDeleted && message.DeletedAt != nil {
			deletedAt = *message.DeletedAt
			return nil
		}
		deletedAt = c.clock().UTC()
		if err := tx.Model(&Message{}).Where("id = ?", message.ID).Updates(map[string]any{
			"is_deleted": true,
			"deleted_at": deletedAt,
		}).Error; err != nil {
			return apperr.New(apperr.KindInternal, opDeleteMessage, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, c.surface(opDeleteMessage, txErr)
	}
	return []Effect{Broadcast{Room: roomID, Event: EventMessageDeleted, Payload: map[string]any{
		"messageId": action.MessageID,
		"room":      roomID,
		"deletedAt": deletedAt,
	}}}, nil
}

// ReactionDelta is the broadcast form of a reaction toggle.
type ReactionDelta struct {
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

func (c *Coordinator) react(ctx context.Context, session Session, action React) ([]Effect, error) {
	roomID, err := c.requireJoined(session, action.Room, opReact)
	if err != nil {
		return nil, err
	}
	emoji := strings.TrimSpace(action.Emoji)
	if emoji == "" || len(emoji) > maxEmojiLength {
		return nil, apperr.New(apperr.KindValidation, opReact, "invalid_emoji", nil)
	}

	delta := ReactionDelta{MessageID: action.MessageID, Room: roomID, UserID: session.UserID, Emoji: emoji}
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := c.loadMessage(tx, opReact, roomID, action.MessageID)
		if err != nil {
			return err
		}
		if message.IsDeleted {
			return apperr.New(apperr.KindValidation, opReact, "message_deleted", nil)
		}
		reactions, added := toggleReaction(message.Reactions, session.UserID, emoji, c.clock().UTC())
		if err := tx.Model(&Message{}).Where("id = ?", message.ID).
			Update("reactions", datatypes.NewJSONSlice(reactions)).Error; err != nil {
			return apperr.New(apperr.KindInternal, opReact, "update_failed", err)
		}
		delta.Action = "removed"
		if added {
			delta.Action = "added"
		}
		return nil
	})
	if txErr != nil {
		return nil, c.surface(opReact, txErr)
	}
	return []Effect{Broadcast{Room: roomID, Event: EventReactionUpdated, Payload: delta}}, nil
}

func (c *Coordinator) typing(session Session, action Typing) ([]Effect, error) {
	roomID, err := c.requireJoined(session, action.Room, opTyping)
	if err != nil {
		return nil, err
	}
	return []Effect{Broadcast{
		Room:         roomID,
		Event:        EventTyping,
		Payload:      map[string]any{"room": roomID, "userId": session.UserID, "isTyping": action.IsTyping},
		ExceptUserID: session.UserID,
	}}, nil
}

func (c *Coordinator) markRead(ctx context.Context, session Session, action MarkRead) ([]Effect, error) {
	roomID, err := c.requireJoined(session, action.Room, opMarkRead)
	if err != nil {
		return nil, err
	}
	if len(action.MessageIDs) == 0 || len(action.MessageIDs) > maxReadBatch {
		return nil, apperr.New(apperr.KindValidation, opMarkRead, "invalid_batch", nil)
	}

	readAt := c.clock().UTC()
	marked := make([]string, 0, len(action.MessageIDs))
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var messages []Message
		if err := tx.Where("room_id = ? AND id IN ?", roomID, action.MessageIDs).Find(&messages).Error; err != nil {
			return apperr.New(apperr.KindInternal, opMarkRead, "query_failed", err)
		}
		for _, message := range messages {
			if message.SenderID == session.UserID || hasReader(message.ReadBy, session.UserID) {
				continue
			}
			receipts := append(append([]ReadReceipt{}, message.ReadBy...), ReadReceipt{UserID: session.UserID, ReadAt: readAt})
			if err := tx.Model(&Message{}).Where("id = ?", message.ID).
				Update("read_by", datatypes.NewJSONSlice(receipts)).Error; err != nil {
				return apperr.New(apperr.KindInternal, opMarkRead, "update_failed", err)
			}
			marked = append(marked, message.ID)
		}
		return nil
	})
	if txErr != nil {
		return nil, c.surface(opMarkRead, txErr)
	}
	if len(marked) == 0 {
		return nil, nil
	}
	return []Effect{Broadcast{
		Room:         roomID,
		Event:        EventMessagesRead,
		Payload:      map[string]any{"room": roomID, "userId": session.UserID, "messageIds": marked, "readAt": readAt},
		ExceptUserID: session.UserID,
	}}, nil
}

// History returns up to limit messages of roomID created before the given time, newest first.
// A zero before reads from the latest message.
func (c *Coordinator) History(ctx context.Context, userID, roomID string, before time.Time, limit int) ([]MessageView, error) {
	room, err := ParseRoom(roomID)
	if err != nil {
		return nil, err
	}
	allowed, err := c.canAccess(ctx, userID, room)
	if err != nil {
		c.logError(opHistory, "access_check_failed", err, zap.String("user_id", userID))
		return nil, apperr.New(apperr.KindInternal, opHistory, "access_check_failed", err)
	}
	if !allowed {
		return nil, apperr.New(apperr.KindAccessDenied, opHistory, "not_a_member", nil)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := c.db.WithContext(ctx).Where("room_id = ?", room.String())
	if !before.IsZero() {
		query = query.Where("created_at < ?", before.UTC())
	}
	var messages []Message
	if err := query.Order("created_at desc").Order("id desc").Limit(limit).Find(&messages).Error; err != nil {
		c.logError(opHistory, "query_failed", err, zap.String("room", room.String()))
		return nil, apperr.New(apperr.KindInternal, opHistory, "query_failed", err)
	}
	views := make([]MessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, message.View())
	}
	return views, nil
}

func (c *Coordinator) canAccess(ctx context.Context, userID string, room Room) (bool, error) {
	switch room.Kind {
	case RoomPersonal:
		return room.Target == userID, nil
	case RoomEvent:
		return c.access.IsEventParticipant(ctx, room.Target, userID)
	case RoomTribe:
		return c.access.IsTribeMember(ctx, room.Target, userID)
	default:
		return false, nil
	}
}

func (c *Coordinator) requireJoined(session Session, rawRoom, operation string) (string, error) {
	room, err := ParseRoom(rawRoom)
	if err != nil {
		return "", err
	}
	roomID := room.String()
	if !session.Joined(roomID) {
		return "", apperr.New(apperr.KindAccessDenied, operation, "room_not_joined", nil)
	}
	return roomID, nil
}

func (c *Coordinator) loadMessage(tx *gorm.DB, operation, roomID, messageID string) (Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Message{}, apperr.New(apperr.KindValidation, operation, "missing_message_id", nil)
	}
	var message Message
	err := tx.Where("id = ? AND room_id = ?", messageID, roomID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, apperr.New(apperr.KindNotFound, operation, "unknown_message", err)
	}
	if err != nil {
		return Message{}, apperr.New(apperr.KindInternal, operation, "query_failed", err)
	}
	return message, nil
}

// surface logs internal failures and passes classified errors through unchanged.
func (c *Coordinator) surface(operation string, err error) error {
	if apperr.KindOf(err) == apperr.KindInternal {
		c.logError(operation, apperr.CodeOf(err), err)
		var classified *apperr.Error
		if !errors.As(err, &classified) {
			return apperr.New(apperr.KindInternal, operation, "transaction_failed", err)
		}
	}
	return err
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Error("chat operation failed", allFields...)
}

func validateContent(operation, raw string) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", apperr.New(apperr.KindValidation, operation, "empty_content", nil)
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return "", apperr.New(apperr.KindValidation, operation, "content_too_long", nil)
	}
	return content, nil
}

func hasReader(receipts []ReadReceipt, userID string) bool {
	for _, receipt := range receipts {
		if receipt.UserID == userID {
			return true
		}
	}
	return false
}
