package scheduler

import (
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/notifications"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a scheduled notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further sweep will touch a row in this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

var terminalStatuses = []Status{StatusExpired, StatusFailed, StatusCancelled}

// Template is the notification embedded in a scheduled row.
type Template struct {
	Type     notifications.Type          `json:"type"`
	Title    string                      `json:"title"`
	Body     string                      `json:"body"`
	Data     map[string]any              `json:"data,omitempty"`
	Priority notifications.Priority      `json:"priority"`
	Channels []notifications.ChannelSpec `json:"channels"`
}

// ScheduledNotification is a notification due at ScheduledTime, optionally recurring and gated.
type ScheduledNotification struct {
	ID                   string                                           `gorm:"column:id;primaryKey;size:64;not null"`
	UserID               string                                           `gorm:"column:user_id;size:190;not null;index"`
	CreatedBy            string                                           `gorm:"column:created_by;size:190;not null;default:'';index"`
	Template             datatypes.JSONType[Template]                     `gorm:"column:template;not null"`
	ScheduledTime        time.Time                                        `gorm:"column:scheduled_time;not null;index:idx_scheduled_due,priority:2"`
	PriorityRank         int                                              `gorm:"column:priority_rank;not null;default:1"`
	Status               Status                                           `gorm:"column:status;size:16;not null;index:idx_scheduled_due,priority:1"`
	ExecutionAttempts    int                                              `gorm:"column:execution_attempts;not null;default:0"`
	MaxExecutionAttempts int                                              `gorm:"column:max_execution_attempts;not null;default:3"`
	LastExecutionAttempt *time.Time                                       `gorm:"column:last_execution_attempt"`
	ExecutedAt           *time.Time                                       `gorm:"column:executed_at"`
	LastError            string                                           `gorm:"column:last_error;type:text;not null;default:''"`
	LastResult           datatypes.JSONType[notifications.DeliveryResult] `gorm:"column:last_result"`
	Recurrence           datatypes.JSONType[Recurrence]                   `gorm:"column:recurrence"`
	Conditions           datatypes.JSONType[Conditions]                   `gorm:"column:conditions"`
	CreatedAt            time.Time                                        `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time                                        `gorm:"column:updated_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduledNotification) TableName() string {
	return "scheduled_notifications"
}

// VisibleTo reports whether userID is the recipient or the creator of the row.
func (n ScheduledNotification) VisibleTo(userID string) bool {
	return userID != "" && (n.UserID == userID || n.CreatedBy == userID)
}

// View is the wire form of a scheduled notification.
type View struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	CreatedBy            string     `json:"createdBy"`
	Template             Template   `json:"template"`
	ScheduledTime        time.Time  `json:"scheduledTime"`
	Status               Status     `json:"status"`
	ExecutionAttempts    int        `json:"executionAttempts"`
	MaxExecutionAttempts int        `json:"maxExecutionAttempts"`
	ExecutedAt           *time.Time `json:"executedAt,omitempty"`
	LastError            string     `json:"lastError,omitempty"`
	Recurrence           Recurrence `json:"recurrence"`
	Conditions           Conditions `json:"conditions"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// View converts the row to its wire form.
func (n ScheduledNotification) View() View {
	return View{
		ID:                   n.ID,
		UserID:               n.UserID,
		CreatedBy:            n.CreatedBy,
		Template:             n.Template.Data(),
		ScheduledTime:        n.ScheduledTime,
		Status:               n.Status,
		ExecutionAttempts:    n.ExecutionAttempts,
		MaxExecutionAttempts: n.MaxExecutionAttempts,
		ExecutedAt:           n.ExecutedAt,
		LastError:            n.LastError,
		Recurrence:           n.Recurrence.Data(),
		Conditions:           n.Conditions.Data(),
		CreatedAt:            n.CreatedAt,
	}
}
