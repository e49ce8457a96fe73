// Package membership answers who may enter an event or tribe chat room.
// The event and tribe services own membership; the Add and Remove methods are the
// seeding surface they use to keep these tables current.
package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Role distinguishes event hosts from attendees.
type Role string

const (
	RoleHost     Role = "host"
	RoleAttendee Role = "attendee"
)

const (
	opIsEventParticipant = "membership.is_event_participant"
	opIsTribeMember      = "membership.is_tribe_member"
	opAddParticipant     = "membership.add_event_participant"
	opAddTribeMember     = "membership.add_tribe_member"
	opRemove             = "membership.remove"
)

// EventParticipant records a user's attendance or hosting of an event.
type EventParticipant struct {
	EventID   string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role      Role      `gorm:"column:role;size:16;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (EventParticipant) TableName() string {
	return "event_participants"
}

// TribeMember records a user's membership of a tribe.
type TribeMember struct {
	TribeID   string    `gorm:"column:tribe_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TribeMember) TableName() string {
	return "tribe_members"
}

// Service is the gorm-backed membership lookup.
type Service struct {
	db *gorm.DB
}

// NewService constructs the membership service.
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("membership: database connection required")
	}
	return &Service{db: db}, nil
}

// IsEventParticipant reports whether userID attends or hosts eventID.
func (s *Service) IsEventParticipant(ctx context.Context, eventID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&EventParticipant{}).
		Where("event_id = ? AND user_id = ?", eventID, userID).
		Count(&count).Error
	if err != nil {
		return false, apperr.New(apperr.KindInternal, opIsEventParticipant, "query_failed", err)
	}
	return count > 0, nil
}

// IsTribeMember reports whether userID belongs to tribeID.
func (s *Service) IsTribeMember(ctx context.Context, tribeID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TribeMember{}).
		Where("tribe_id = ? AND user_id = ?", tribeID, userID).
		Count(&count).Error
	if err != nil {
		return false, apperr.New(apperr.KindInternal, opIsTribeMember, "query_failed", err)
	}
	return count > 0, nil
}

// AddEventParticipant upserts userID's role for eventID.
func (s *Service) AddEventParticipant(ctx context.Context, eventID, userID string, role Role) error {
	if eventID == "" || userID == "" {
		return apperr.New(apperr.KindValidation, opAddParticipant, "missing_identifier", nil)
	}
	if role != RoleHost && role != RoleAttendee {
		return apperr.New(apperr.KindValidation, opAddParticipant, "invalid_role", nil)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&EventParticipant{EventID: eventID, UserID: userID, Role: role}).Error
	if err != nil {
		return apperr.New(apperr.KindInternal, opAddParticipant, "insert_failed", err)
	}
	return nil
}

// AddTribeMember records userID as a member of tribeID.
func (s *Service) AddTribeMember(ctx context.Context, tribeID, userID string) error {
	if tribeID == "" || userID == "" {
		return apperr.New(apperr.KindValidation, opAddTribeMember, "missing_identifier", nil)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&TribeMember{TribeID: tribeID, UserID: userID}).Error
	if err != nil {
		return apperr.New(apperr.KindInternal, opAddTribeMember, "insert_failed", err)
	}
	return nil
}

// RemoveEventParticipant deletes userID from eventID.
func (s *Service) RemoveEventParticipant(ctx context.Context, eventID, userID string) error {
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ?", eventID, userID).
		Delete(&EventParticipant{}).Error
	if err != nil {
		return apperr.New(apperr.KindInternal, opRemove, "delete_failed", err)
	}
	return nil
}

// RemoveTribeMember deletes userID from tribeID.
func (s *Service) RemoveTribeMember(ctx context.Context, tribeID, userID string) error {
	err := s.db.WithContext(ctx).
		Where("tribe_id = ? AND user_id = ?", tribeID, userID).
		Delete(&TribeMember{}).Error
	if err != nil {
		return apperr.New(apperr.KindInternal, opRemove, "delete_failed", err)
	}
	return nil
}
