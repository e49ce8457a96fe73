package notifications

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/cache"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNewInbox       = "notifications.inbox.new"
	opList           = "notifications.list"
	opUnreadCount    = "notifications.unread_count"
	opMarkRead       = "notifications.mark_read"
	opMarkAllRead    = "notifications.mark_all_read"
	opArchive        = "notifications.archive"
	opDelete         = "notifications.delete"
	opMarkDelivered  = "notifications.mark_delivered"
	opPurge          = "notifications.purge"
	unreadKeyPrefix  = "notifications:unread:"
	unreadCountTTL   = time.Minute
	defaultListLimit = 50
	maxListLimit     = 200
)

// InboxConfig describes the collaborators of an Inbox. Cache is optional.
type InboxConfig struct {
	Database *gorm.DB
	Cache    cache.Store
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Inbox serves a recipient's notifications.
type Inbox struct {
	db     *gorm.DB
	cache  cache.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewInbox constructs an Inbox.
func NewInbox(cfg InboxConfig) (*Inbox, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opNewInbox, "missing_database", nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{db: cfg.Database, cache: cfg.Cache, clock: clock, logger: logger}, nil
}

// List returns userID's notifications, newest first. An empty status lists everything except deleted.
func (i *Inbox) List(ctx context.Context, userID string, status Status, limit int) ([]View, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := i.visible(ctx, userID)
	switch status {
	case "":
		query = query.Where("status <> ?", StatusDeleted)
	case StatusUnread, StatusRead, StatusArchived:
		query = query.Where("status = ?", status)
	default:
		return nil, apperr.New(apperr.KindValidation, opList, "invalid_status", nil)
	}
	var records []Notification
	if err := query.Order("created_at desc").Order("id desc").Limit(limit).Find(&records).Error; err != nil {
		i.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.New(apperr.KindInternal, opList, "query_failed", err)
	}
	views := make([]View, 0, len(records))
	for _, record := range records {
		views = append(views, record.View())
	}
	return views, nil
}

// UnreadCount returns the number of unread notifications, served from the cache when possible.
func (i *Inbox) UnreadCount(ctx context.Context, userID string) (int64, error) {
	key := unreadKeyPrefix + userID
	if i.cache != nil {
		value, ok, err := i.cache.Get(ctx, key)
		if err != nil {
			i.logger.Warn("unread count cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
		if ok {
			if count, parseErr := strconv.ParseInt(value, 10, 64); parseErr == nil {
				return count, nil
			}
		}
	}

	var count int64
	if err := i.visible(ctx, userID).Model(&Notification{}).Where("status = ?", StatusUnread).Count(&count).Error; err != nil {
		i.logError(opUnreadCount, "query_failed", err, zap.String("user_id", userID))
		return 0, apperr.New(apperr.KindInternal, opUnreadCount, "query_failed", err)
	}
	if i.cache != nil {
		if err := i.cache.Set(ctx, key, strconv.FormatInt(count, 10), unreadCountTTL); err != nil {
			i.logger.Warn("unread count cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return count, nil
}

// MarkRead moves an unread notification to read.
func (i *Inbox) MarkRead(ctx context.Context, userID, notificationID string) (View, error) {
	return i.transition(ctx, opMarkRead, userID, notificationID, func(record *Notification, now time.Time) map[string]any {
		if record.Status != StatusUnread {
			return nil
		}
		record.Status = StatusRead
		record.ReadAt = &now
		return map[string]any{"status": StatusRead, "read_at": now}
	})
}

// MarkAllRead marks every unread notification of userID as read and returns how many changed.
func (i *Inbox) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	now := i.clock().UTC()
	result := i.db.WithContext(ctx).Model(&Notification{}).
		Where("recipient_id = ? AND status = ?", userID, StatusUnread).
		Updates(map[string]any{"status": StatusRead, "read_at": now, "updated_at": now})
	if result.Error != nil {
		i.logError(opMarkAllRead, "update_failed", result.Error, zap.String("user_id", userID))
		return 0, apperr.New(apperr.KindInternal, opMarkAllRead, "update_failed", result.Error)
	}
	invalidateUnread(ctx, i.cache, i.logger, userID)
	return result.RowsAffected, nil
}

// Archive moves a notification out of the main list.
func (i *Inbox) Archive(ctx context.Context, userID, notificationID string) (View, error) {
	return i.transition(ctx, opArchive, userID, notificationID, func(record *Notification, now time.Time) map[string]any {
		if record.Status == StatusArchived {
			return nil
		}
		updates := map[string]any{"status": StatusArchived}
		if record.ReadAt == nil {
			record.ReadAt = &now
			updates["read_at"] = now
		}
		record.Status = StatusArchived
		return updates
	})
}

// Delete marks a notification deleted. Deleted notifications are hidden from every query.
func (i *Inbox) Delete(ctx context.Context, userID, notificationID string) error {
	_, err := i.transition(ctx, opDelete, userID, notificationID, func(record *Notification, _ time.Time) map[string]any {
		record.Status = StatusDeleted
		return map[string]any{"status": StatusDeleted}
	})
	return err
}

// MarkDelivered records a delivery receipt for one channel of a notification.
func (i *Inbox) MarkDelivered(ctx context.Context, userID, notificationID string, channel ChannelKind) (View, error) {
	return i.transition(ctx, opMarkDelivered, userID, notificationID, func(record *Notification, now time.Time) map[string]any {
		delivery := DeliveryMap{}
		for kind, state := range record.Delivery.Data() {
			delivery[kind] = state
		}
		state, requested := delivery[channel]
		if !requested || state.Delivered {
			return nil
		}
		state.Delivered = true
		state.DeliveredAt = &now
		delivery[channel] = state
		record.Delivery = datatypes.NewJSONType(delivery)
		return map[string]any{"delivery": record.Delivery}
	})
}

// Purge deletes read notifications last updated before readBefore and notifications past their expiry.
func (i *Inbox) Purge(ctx context.Context, readBefore time.Time) (int64, error) {
	now := i.clock().UTC()
	var removed int64
	read := i.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusRead, readBefore.UTC()).
		Delete(&Notification{})
	if read.Error != nil {
		i.logError(opPurge, "delete_read_failed", read.Error)
		return 0, apperr.New(apperr.KindInternal, opPurge, "delete_read_failed", read.Error)
	}
	removed += read.RowsAffected
	expired := i.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&Notification{})
	if expired.Error != nil {
		i.logError(opPurge, "delete_expired_failed", expired.Error)
		return removed, apperr.New(apperr.KindInternal, opPurge, "delete_expired_failed", expired.Error)
	}
	return removed + expired.RowsAffected, nil
}

// transition loads the notification, checks ownership and applies mutate. A nil update map means no change.
func (i *Inbox) transition(ctx context.Context, operation, userID, notificationID string, mutate func(*Notification, time.Time) map[string]any) (View, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return View{}, apperr.New(apperr.KindValidation, operation, "missing_notification_id", nil)
	}
	var (
		record  Notification
		changed bool
	)
	now := i.clock().UTC()
	txErr := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND status <> ?", notificationID, StatusDeleted).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.KindNotFound, operation, "unknown_notification", err)
		}
		if err != nil {
			i.logError(operation, "query_failed", err, zap.String("notification_id", notificationID))
			return apperr.New(apperr.KindInternal, operation, "query_failed", err)
		}
		if record.RecipientID != userID {
			return apperr.New(apperr.KindForbidden, operation, "not_recipient", nil)
		}
		updates := mutate(&record, now)
		if updates == nil {
			return nil
		}
		updates["updated_at"] = now
		if err := tx.Model(&Notification{}).Where("id = ?", record.ID).Updates(updates).Error; err != nil {
			i.logError(operation, "update_failed", err, zap.String("notification_id", notificationID))
			return apperr.New(apperr.KindInternal, operation, "update_failed", err)
		}
		changed = true
		return nil
	})
	if txErr != nil {
		return View{}, txErr
	}
	if !changed {
		return record.View(), nil
	}
	record.UpdatedAt = now
	invalidateUnread(ctx, i.cache, i.logger, userID)
	return record.View(), nil
}

func (i *Inbox) visible(ctx context.Context, userID string) *gorm.DB {
	return i.db.WithContext(ctx).
		Where("recipient_id = ?", userID).
		Where("expires_at IS NULL OR expires_at > ?", i.clock().UTC())
}

func (i *Inbox) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	i.logger.Error("notification inbox operation failed", allFields...)
}

func invalidateUnread(ctx context.Context, store cache.Store, logger *zap.Logger, userID string) {
	if store == nil {
		return
	}
	if err := store.Delete(ctx, unreadKeyPrefix+userID); err != nil {
		logger.Warn("unread count invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}
