package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/membership"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every persistent model owned by the service.
func Models() []any {
	return []any{
		&users.Profile{},
		&users.DeviceToken{},
		&membership.EventParticipant{},
		&membership.TribeMember{},
		&chat.Message{},
		&chat.RoomActivity{},
		&notifications.Notification{},
		&scheduler.ScheduledNotification{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
