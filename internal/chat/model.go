package chat

import (
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/media"
	"gorm.io/datatypes"
)

// MessageType enumerates the kinds of chat messages.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageVoice    MessageType = "voice"
	MessageLocation MessageType = "location"
	MessageLink     MessageType = "link"
)

var sendableTypes = map[MessageType]struct{}{
	MessageText:     {},
	MessageImage:    {},
	MessageFile:     {},
	MessageVoice:    {},
	MessageLocation: {},
	MessageLink:     {},
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reactedAt"`
}

// ReadReceipt records when a user read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is a persisted chat message. Messages are soft-deleted only.
type Message struct {
	ID         string                              `gorm:"column:id;primaryKey;size:64;not null"`
	RoomID     string                              `gorm:"column:room_id;size:200;not null;index:idx_chat_messages_room_created,priority:1"`
	SenderID   string                              `gorm:"column:sender_id;size:190;not null;index"`
	Type       MessageType                         `gorm:"column:type;size:16;not null"`
	Content    string                              `gorm:"column:content;type:text;not null"`
	Attachment datatypes.JSONType[media.Reference] `gorm:"column:attachment"`
	ReplyTo    string                              `gorm:"column:reply_to;size:64;not null;default:''"`
	CreatedAt  time.Time                           `gorm:"column:created_at;not null;index:idx_chat_messages_room_created,priority:2"`
	EditedAt   *time.Time                          `gorm:"column:edited_at"`
	IsEdited   bool                                `gorm:"column:is_edited;not null;default:false"`
	DeletedAt  *time.Time                          `gorm:"column:deleted_at"`
	IsDeleted  bool                                `gorm:"column:is_deleted;not null;default:false"`
	Reactions  datatypes.JSONSlice[Reaction]       `gorm:"column:reactions"`
	ReadBy     datatypes.JSONSlice[ReadReceipt]    `gorm:"column:read_by"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// RoomActivity tracks the latest message of a room.
type RoomActivity struct {
	RoomID        string    `gorm:"column:room_id;primaryKey;size:200;not null"`
	LastMessageID string    `gorm:"column:last_message_id;size:64;not null"`
	LastMessageAt time.Time `gorm:"column:last_message_at;not null"`
	MessageCount  int64     `gorm:"column:message_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RoomActivity) TableName() string {
	return "chat_room_activity"
}

// MessageView is the wire representation of a message.
type MessageView struct {
	ID         string           `json:"id"`
	Room       string           `json:"room"`
	SenderID   string           `json:"senderId"`
	Type       MessageType      `json:"type"`
	Content    string           `json:"content"`
	Attachment *media.Reference `json:"attachment,omitempty"`
	ReplyTo    string           `json:"replyTo,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	EditedAt   *time.Time       `json:"editedAt,omitempty"`
	IsEdited   bool             `json:"isEdited"`
	IsDeleted  bool             `json:"isDeleted"`
	DeletedAt  *time.Time       `json:"deletedAt,omitempty"`
	Reactions  []Reaction       `json:"reactions"`
	ReadBy     []ReadReceipt    `json:"readBy"`
}

// View converts a stored message to its wire form.
func (m Message) View() MessageView {
	view := MessageView{
		ID:        m.ID,
		Room:      m.RoomID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Content:   m.Content,
		ReplyTo:   m.ReplyTo,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
		IsEdited:  m.IsEdited,
		IsDeleted: m.IsDeleted,
		DeletedAt: m.DeletedAt,
		Reactions: append([]Reaction{}, m.Reactions...),
		ReadBy:    append([]ReadReceipt{}, m.ReadBy...),
	}
	if m.IsDeleted {
		view.Content = ""
		return view
	}
	if attachment := m.Attachment.Data(); attachment.ID != "" {
		view.Attachment = &attachment
	}
	return view
}

// toggleReaction removes (userID, emoji) when present and appends it otherwise.
// It reports whether the reaction was added.
func toggleReaction(reactions []Reaction, userID, emoji string, now time.Time) ([]Reaction, bool) {
	for index, reaction := range reactions {
		if reaction.UserID == userID && reaction.Emoji == emoji {
			updated := make([]Reaction, 0, len(reactions)-1)
			updated = append(updated, reactions[:index]...)
			updated = append(updated, reactions[index+1:]...)
			return updated, false
		}
	}
	updated := make([]Reaction, 0, len(reactions)+1)
	updated = append(updated, reactions...)
	updated = append(updated, Reaction{UserID: userID, Emoji: emoji, ReactedAt: now})
	return updated, true
}
