package database

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSchedulePriorityRank = "2026-06-01_backfill_schedule_priority_rank"
	migrationTrimDeviceTokens             = "2026-06-15_trim_device_tokens"
	migrationBackfillScheduleCreatedBy    = "2026-10-15_backfill_schedule_created_by"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSchedulePriorityRank, apply: backfillSchedulePriorityRank},
		{name: migrationTrimDeviceTokens, apply: trimDeviceTokens},
		{name: migrationBackfillScheduleCreatedBy, apply: backfillScheduleCreatedBy},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSchedulePriorityRank derives priority_rank from the stored template for
// rows written before the column took part in sweep ordering.
func backfillSchedulePriorityRank(db *gorm.DB) error {
	var rows []scheduler.ScheduledNotification
	if err := db.Where("status = ?", scheduler.StatusPending).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		rank := row.Template.Data().Priority.Rank()
		if rank == row.PriorityRank {
			continue
		}
		if err := db.Model(&scheduler.ScheduledNotification{}).
			Where("id = ?", row.ID).
			Update("priority_rank", rank).Error; err != nil {
			return err
		}
	}
	return nil
}

// trimDeviceTokens removes whitespace-padded duplicates left by older clients.
func trimDeviceTokens(db *gorm.DB) error {
	var tokens []users.DeviceToken
	if err := db.Find(&tokens).Error; err != nil {
		return err
	}
	for _, token := range tokens {
		trimmed := strings.TrimSpace(token.Token)
		if trimmed == token.Token {
			continue
		}
		if err := db.Where("token = ?", token.Token).Delete(&users.DeviceToken{}).Error; err != nil {
			return err
		}
		if trimmed == "" {
			continue
		}
		var existing int64
		if err := db.Model(&users.DeviceToken{}).Where("token = ?", trimmed).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			continue
		}
		token.Token = trimmed
		if err := db.Create(&token).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillScheduleCreatedBy attributes rows written before created_by existed to their recipient.
func backfillScheduleCreatedBy(db *gorm.DB) error {
	return db.Model(&scheduler.ScheduledNotification{}).
		Where("created_by = ?", "").
		Update("created_by", gorm.Expr("user_id")).Error
}
