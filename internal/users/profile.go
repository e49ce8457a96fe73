package users

import (
	"strings"
	"time"
)

// Profile holds the contact details the notification channels need for a user.
type Profile struct {
	UserID       string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string     `gorm:"column:email;size:320"`
	Phone        string     `gorm:"column:phone;size:32"`
	Timezone     string     `gorm:"column:timezone;size:64"`
	LastActiveAt *time.Time `gorm:"column:last_active_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// Location resolves the profile timezone, UTC when unset or unknown.
func (p Profile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	location, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return location
}

// DeviceToken is a push registration. A token belongs to exactly one user.
type DeviceToken struct {
	Token     string    `gorm:"column:token;primaryKey;size:512;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Platform  string    `gorm:"column:platform;size:32;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing push device tokens.
func (DeviceToken) TableName() string {
	return "user_device_tokens"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
