package notifications

import (
	"time"

	"gorm.io/datatypes"
)

// Priority orders notifications for display and scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRanks = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank maps a priority to a sortable integer. Unknown priorities rank as normal.
func (p Priority) Rank() int {
	if rank, ok := priorityRanks[p]; ok {
		return rank
	}
	return priorityRanks[PriorityNormal]
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// Status is the inbox state of a notification.
type Status string

const (
	StatusUnread   Status = "unread"
	StatusRead     Status = "read"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// DeliveryState is the per-channel delivery sub-state.
type DeliveryState struct {
	Sent          bool       `json:"sent"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	Delivered     bool       `json:"delivered"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	Failed        bool       `json:"failed"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// DeliveryMap holds the delivery sub-state of every requested channel.
type DeliveryMap map[ChannelKind]DeliveryState

// Notification is the persisted notification record. The record is the in-app delivery.
type Notification struct {
	ID          string                          `gorm:"column:id;primaryKey;size:64;not null"`
	RecipientID string                          `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient_status,priority:1"`
	SenderID    string                          `gorm:"column:sender_id;size:190;not null;default:''"`
	Type        Type                            `gorm:"column:type;size:64;not null"`
	Title       string                          `gorm:"column:title;size:255;not null"`
	Body        string                          `gorm:"column:body;type:text;not null"`
	Data        datatypes.JSONMap               `gorm:"column:data"`
	Priority    Priority                        `gorm:"column:priority;size:16;not null"`
	Channels    datatypes.JSONSlice[string]     `gorm:"column:channels"`
	Status      Status                          `gorm:"column:status;size:16;not null;index:idx_notifications_recipient_status,priority:2"`
	ReadAt      *time.Time                      `gorm:"column:read_at"`
	Delivery    datatypes.JSONType[DeliveryMap] `gorm:"column:delivery"`
	ExpiresAt   *time.Time                      `gorm:"column:expires_at;index"`
	CreatedAt   time.Time                       `gorm:"column:created_at;not null;index:idx_notifications_recipient_status,priority:3"`
	UpdatedAt   time.Time                       `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// View is the wire form of a notification.
type View struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipientId"`
	SenderID    string         `json:"senderId,omitempty"`
	Type        Type           `json:"type"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data"`
	Priority    Priority       `json:"priority"`
	Channels    []string       `json:"channels"`
	Status      Status         `json:"status"`
	ReadAt      *time.Time     `json:"readAt,omitempty"`
	Delivery    DeliveryMap    `json:"delivery"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// View converts the record to its wire form.
func (n Notification) View() View {
	delivery := n.Delivery.Data()
	if delivery == nil {
		delivery = DeliveryMap{}
	}
	data := map[string]any(n.Data)
	if data == nil {
		data = map[string]any{}
	}
	return View{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		SenderID:    n.SenderID,
		Type:        n.Type,
		Title:       n.Title,
		Body:        n.Body,
		Data:        data,
		Priority:    n.Priority,
		Channels:    append([]string{}, n.Channels...),
		Status:      n.Status,
		ReadAt:      n.ReadAt,
		Delivery:    delivery,
		ExpiresAt:   n.ExpiresAt,
		CreatedAt:   n.CreatedAt,
	}
}

// OfflineEntry is the compact copy of a notification kept in the offline queue.
type OfflineEntry struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (n Notification) offlineEntry() OfflineEntry {
	return OfflineEntry{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Body:      n.Body,
		Data:      map[string]any(n.Data),
		Priority:  n.Priority,
		CreatedAt: n.CreatedAt,
	}
}
