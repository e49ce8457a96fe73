// Package users is the recipient directory: profiles with contact details and push device tokens.
package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opEnsureProfile   = "users.ensure_profile"
	opLookup          = "users.lookup"
	opUpdateProfile   = "users.update_profile"
	opRegisterDevice  = "users.register_device"
	opRemoveDevice    = "users.remove_device"
	opListDevices     = "users.list_devices"
	opTouchLastActive = "users.touch_last_active"
	maxIdentifierSize = 190
)

// ServiceConfig describes the dependencies of the directory service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages profiles and device tokens.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// EnsureProfile creates an empty profile for userID when none exists yet.
// Authenticated entry points call it so every connected user is a known recipient.
func (s *Service) EnsureProfile(ctx context.Context, userID string) error {
	userID = normalize(userID)
	if userID == "" || len(userID) > maxIdentifierSize {
		return apperr.New(apperr.KindValidation, opEnsureProfile, "invalid_user_id", nil)
	}
	if _, ok := s.known.Load(userID); ok {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Profile{UserID: userID}).Error
	if err != nil {
		return apperr.New(apperr.KindInternal, opEnsureProfile, "insert_failed", err)
	}
	s.known.Store(userID, struct{}{})
	return nil
}

// Lookup returns the profile for userID or a not_found error.
func (s *Service) Lookup(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, apperr.New(apperr.KindNotFound, opLookup, "unknown_user", err)
	}
	if err != nil {
		return Profile{}, apperr.New(apperr.KindInternal, opLookup, "query_failed", err)
	}
	return profile, nil
}

// ProfileUpdate carries contact detail changes; empty fields are left untouched.
type ProfileUpdate struct {
	Email    string
	Phone    string
	Timezone string
}

// UpdateProfile applies update to userID's profile, creating it when needed.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (Profile, error) {
	if err := s.EnsureProfile(ctx, userID); err != nil {
		return Profile{}, err
	}
	updates := map[string]interface{}{}
	if email := normalize(update.Email); email != "" {
		updates["email"] = email
	}
	if phone := normalize(update.Phone); phone != "" {
		updates["phone"] = phone
	}
	if timezone := normalize(update.Timezone); timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return Profile{}, apperr.New(apperr.KindValidation, opUpdateProfile, "invalid_timezone", err)
		}
		updates["timezone"] = timezone
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&Profile{}).
			Where("user_id = ?", normalize(userID)).
			Updates(updates).Error; err != nil {
			return Profile{}, apperr.New(apperr.KindInternal, opUpdateProfile, "update_failed", err)
		}
	}
	return s.Lookup(ctx, userID)
}

// RegisterDeviceToken binds token to userID, moving it away from any previous owner.
func (s *Service) RegisterDeviceToken(ctx context.Context, userID, token, platform string) error {
	token = normalize(token)
	if token == "" {
		return apperr.New(apperr.KindValidation, opRegisterDevice, "missing_token", nil)
	}
	if err := s.EnsureProfile(ctx, userID); err != nil {
		return err
	}
	device := DeviceToken{
		Token:     token,
		UserID:    normalize(userID),
		Platform:  normalize(platform),
		CreatedAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform"}),
	}).Create(&device).Error
	if err != nil {
		return apperr.New(apperr.KindInternal, opRegisterDevice, "upsert_failed", err)
	}
	return nil
}

// RemoveDeviceToken deletes token regardless of owner. Used when a push gateway rejects it.
func (s *Service) RemoveDeviceToken(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).Where("token = ?", normalize(token)).Delete(&DeviceToken{}).Error; err != nil {
		return apperr.New(apperr.KindInternal, opRemoveDevice, "delete_failed", err)
	}
	return nil
}

// RemoveUserDeviceToken deletes token only when it belongs to userID.
func (s *Service) RemoveUserDeviceToken(ctx context.Context, userID, token string) error {
	result := s.db.WithContext(ctx).
		Where("token = ? AND user_id = ?", normalize(token), normalize(userID)).
		Delete(&DeviceToken{})
	if result.Error != nil {
		return apperr.New(apperr.KindInternal, opRemoveDevice, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, opRemoveDevice, "unknown_token", nil)
	}
	return nil
}

// DeviceTokens lists userID's push registrations, oldest first.
func (s *Service) DeviceTokens(ctx context.Context, userID string) ([]DeviceToken, error) {
	var devices []DeviceToken
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", normalize(userID)).
		Order("created_at ASC").
		Find(&devices).Error; err != nil {
		return nil, apperr.New(apperr.KindInternal, opListDevices, "query_failed", err)
	}
	return devices, nil
}

// TouchLastActive stamps the profile's last activity time.
func (s *Service) TouchLastActive(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", normalize(userID)).
		Update("last_active_at", s.now().UTC()).Error; err != nil {
		return apperr.New(apperr.KindInternal, opTouchLastActive, "update_failed", err)
	}
	return nil
}
