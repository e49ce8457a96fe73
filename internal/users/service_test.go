package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}, &DeviceToken{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestEnsureProfileIsIdempotent(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Lookup(ctx, "user-1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected unknown user before ensure, got %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		if err := service.EnsureProfile(ctx, "user-1"); err != nil {
			t.Fatalf("ensure failed: %v", err)
		}
	}
	profile, err := service.Lookup(ctx, "user-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if profile.UserID != "user-1" {
		t.Fatalf("unexpected profile %#v", profile)
	}
}

func TestUpdateProfileValidatesTimezone(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	profile, err := service.UpdateProfile(ctx, "user-1", ProfileUpdate{Email: " a@example.com ", Timezone: "Europe/Berlin"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if profile.Email != "a@example.com" || profile.Timezone != "Europe/Berlin" {
		t.Fatalf("unexpected profile %#v", profile)
	}
	if profile.Location().String() != "Europe/Berlin" {
		t.Fatalf("expected location to resolve, got %s", profile.Location())
	}

	if _, err := service.UpdateProfile(ctx, "user-1", ProfileUpdate{Timezone: "Mars/Olympus"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeviceTokenLifecycle(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.RegisterDeviceToken(ctx, "user-1", "token-a", "ios"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := service.RegisterDeviceToken(ctx, "user-1", "token-b", "android"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := service.RegisterDeviceToken(ctx, "user-2", "token-b", "android"); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	devices, err := service.DeviceTokens(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(devices) != 1 || devices[0].Token != "token-a" {
		t.Fatalf("expected token-b to move to user-2, got %#v", devices)
	}

	if err := service.RemoveUserDeviceToken(ctx, "user-1", "token-b"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected foreign token removal to fail, got %v", err)
	}
	if err := service.RemoveDeviceToken(ctx, "token-a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	devices, err = service.DeviceTokens(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected no devices, got %#v", devices)
	}
}
