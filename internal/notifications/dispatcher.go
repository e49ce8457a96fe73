// Package notifications renders, persists and delivers notifications over in-app, push,
// email and SMS channels, and serves the recipient's inbox.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/gateways"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventNotification is the live event carrying a freshly dispatched notification.
const EventNotification = "notification"

const (
	opNewDispatcher = "notifications.dispatcher.new"
	opDispatch      = "notifications.dispatch"
	opDrainOffline  = "notifications.drain_offline"

	defaultOfflineQueueSize = 50
	defaultOfflineQueueTTL  = 7 * 24 * time.Hour
	defaultGatewayTimeout   = 10 * time.Second
	maxTitleLength          = 255
	pushBatchConcurrency    = 4
	offlineKeyPrefix        = "offline:notifications:"
)

// Outcome is the result of one channel of a dispatch.
type Outcome string

const (
	// OutcomeSent means the channel delivered, or for in_app that the live push reached the recipient.
	OutcomeSent Outcome = "sent"
	// OutcomeQueued means the recipient was offline and the entry was appended to the offline queue.
	OutcomeQueued Outcome = "queued"
	// OutcomeStored means only the persisted record carries the in-app delivery.
	OutcomeStored Outcome = "stored"
	OutcomeFailed Outcome = "failed"
)

// DeliveryResult reports the outcome of every requested channel.
type DeliveryResult struct {
	NotificationID string                  `json:"notificationId"`
	PerChannel     map[ChannelKind]Outcome `json:"perChannel"`
	Failures       map[ChannelKind]string  `json:"failures,omitempty"`
}

// Succeeded reports whether at least one channel did not fail.
func (r DeliveryResult) Succeeded() bool {
	for _, outcome := range r.PerChannel {
		if outcome != OutcomeFailed {
			return true
		}
	}
	return false
}

// Draft is a notification ready to be dispatched.
type Draft struct {
	SenderID  string
	Type      Type
	Title     string
	Body      string
	Data      map[string]any
	Priority  Priority
	ExpiresAt *time.Time
}

// Directory resolves recipients and their devices.
type Directory interface {
	Lookup(ctx context.Context, userID string) (users.Profile, error)
	DeviceTokens(ctx context.Context, userID string) ([]users.DeviceToken, error)
	RemoveDeviceToken(ctx context.Context, token string) error
}

// IDProvider issues notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// LiveNotifier pushes an event to a connected user.
type LiveNotifier interface {
	SendToUser(userID, event string, payload any) bool
}

// DispatcherConfig describes the collaborators of a Dispatcher. Cache and the gateways are optional.
type DispatcherConfig struct {
	Database         *gorm.DB
	Directory        Directory
	Live             LiveNotifier
	Cache            cache.Store
	Push             gateways.PushGateway
	Email            gateways.EmailGateway
	SMS              gateways.SMSGateway
	IDProvider       IDProvider
	Clock            func() time.Time
	Logger           *zap.Logger
	GatewayTimeout   time.Duration
	OfflineQueueSize int
	OfflineQueueTTL  time.Duration
}

// Dispatcher persists notifications and fans them out over the requested channels.
type Dispatcher struct {
	db             *gorm.DB
	directory      Directory
	live           LiveNotifier
	cache          cache.Store
	push           gateways.PushGateway
	email          gateways.EmailGateway
	sms            gateways.SMSGateway
	idProvider     IDProvider
	clock          func() time.Time
	logger         *zap.Logger
	gatewayTimeout time.Duration
	queueSize      int
	queueTTL       time.Duration
}

// NewDispatcher validates cfg and constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.New(apperr.KindInternal, opNewDispatcher, "missing_database", nil)
	case cfg.Directory == nil:
		return nil, apperr.New(apperr.KindInternal, opNewDispatcher, "missing_directory", nil)
	case cfg.Live == nil:
		return nil, apperr.New(apperr.KindInternal, opNewDispatcher, "missing_live_notifier", nil)
	case cfg.IDProvider == nil:
		return nil, apperr.New(apperr.KindInternal, opNewDispatcher, "missing_id_provider", nil)
	}
	dispatcher := &Dispatcher{
		db:             cfg.Database,
		directory:      cfg.Directory,
		live:           cfg.Live,
		cache:          cfg.Cache,
		push:           cfg.Push,
		email:          cfg.Email,
		sms:            cfg.SMS,
		idProvider:     cfg.IDProvider,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		gatewayTimeout: cfg.GatewayTimeout,
		queueSize:      cfg.OfflineQueueSize,
		queueTTL:       cfg.OfflineQueueTTL,
	}
	if dispatcher.clock == nil {
		dispatcher.clock = time.Now
	}
	if dispatcher.logger == nil {
		dispatcher.logger = zap.NewNop()
	}
	if dispatcher.gatewayTimeout <= 0 {
		dispatcher.gatewayTimeout = defaultGatewayTimeout
	}
	if dispatcher.queueSize <= 0 {
		dispatcher.queueSize = defaultOfflineQueueSize
	}
	if dispatcher.queueTTL <= 0 {
		dispatcher.queueTTL = defaultOfflineQueueTTL
	}
	return dispatcher, nil
}

// Notify renders notificationType with contextData and dispatches it.
// A "senderId" entry in contextData becomes the sender of the notification.
func (d *Dispatcher) Notify(ctx context.Context, recipientID string, notificationType Type, contextData map[string]any, channels []Channel) (DeliveryResult, error) {
	content := BuildContent(notificationType, contextData)
	senderID, _ := contextData["senderId"].(string)
	return d.Dispatch(ctx, recipientID, Draft{
		SenderID: senderID,
		Type:     notificationType,
		Title:    content.Title,
		Body:     content.Body,
		Data:     content.Data,
		Priority: DefaultPriority(notificationType),
	}, channels)
}

// Dispatch persists the notification as unread and attempts every channel independently.
// It fails only for invalid input; channel failures are reported in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, recipientID string, draft Draft, channels []Channel) (DeliveryResult, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return DeliveryResult{}, apperr.New(apperr.KindValidation, opDispatch, "missing_recipient", nil)
	}
	if len(channels) == 0 {
		return DeliveryResult{}, apperr.New(apperr.KindValidation, opDispatch, "no_channels", nil)
	}
	for _, channel := range channels {
		if channel == nil {
			return DeliveryResult{}, apperr.New(apperr.KindValidation, opDispatch, "unsupported_channel", nil)
		}
	}
	draft, err := normalizeDraft(draft)
	if err != nil {
		return DeliveryResult{}, err
	}

	profile, err := d.directory.Lookup(ctx, recipientID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return DeliveryResult{}, apperr.New(apperr.KindNotFound, opDispatch, "unknown_recipient", err)
		}
		d.logError(opDispatch, "recipient_lookup_failed", err, zap.String("recipient_id", recipientID))
		return DeliveryResult{}, apperr.New(apperr.KindInternal, opDispatch, "recipient_lookup_failed", err)
	}

	identifier, err := d.idProvider.NewID()
	if err != nil {
		d.logError(opDispatch, "id_generation_failed", err)
		return DeliveryResult{}, apperr.New(apperr.KindInternal, opDispatch, "id_generation_failed", err)
	}
	now := d.clock().UTC()
	delivery := make(DeliveryMap, len(channels))
	for _, channel := range channels {
		delivery[channel.Kind()] = DeliveryState{}
	}
	record := Notification{
		ID:          identifier,
		RecipientID: recipientID,
		SenderID:    draft.SenderID,
		Type:        draft.Type,
		Title:       draft.Title,
		Body:        draft.Body,
		Data:        datatypes.JSONMap(draft.Data),
		Priority:    draft.Priority,
		Channels:    datatypes.NewJSONSlice(channelNames(channels)),
		Status:      StatusUnread,
		Delivery:    datatypes.NewJSONType(delivery),
		ExpiresAt:   draft.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.db.WithContext(ctx).Create(&record).Error; err != nil {
		d.logError(opDispatch, "persist_failed", err, zap.String("recipient_id", recipientID))
		return DeliveryResult{}, apperr.New(apperr.KindInternal, opDispatch, "persist_failed", err)
	}
	invalidateUnread(ctx, d.cache, d.logger, recipientID)

	result := DeliveryResult{
		NotificationID: record.ID,
		PerChannel:     make(map[ChannelKind]Outcome, len(channels)),
	}
	outcomes := make(DeliveryMap, len(channels))
	var resultMu sync.Mutex
	var group errgroup.Group
	for _, channel := range channels {
		group.Go(func() error {
			outcome, reason := d.deliver(ctx, channel, record, profile)
			sentAt := d.clock().UTC()
			resultMu.Lock()
			defer resultMu.Unlock()
			result.PerChannel[channel.Kind()] = outcome
			state := DeliveryState{}
			switch outcome {
			case OutcomeSent:
				state.Sent = true
				state.SentAt = &sentAt
			case OutcomeFailed:
				state.Failed = true
				state.FailureReason = reason
				if result.Failures == nil {
					result.Failures = make(map[ChannelKind]string)
				}
				result.Failures[channel.Kind()] = reason
			}
			outcomes[channel.Kind()] = state
			return nil
		})
	}
	_ = group.Wait()

	if err := d.recordOutcomes(ctx, record.ID, outcomes); err != nil {
		d.logError(opDispatch, "delivery_update_failed", err, zap.String("notification_id", record.ID))
	}
	return result, nil
}

// recordOutcomes merges the send outcome of each channel into the stored delivery map.
// Receipts recorded while the channels were in flight are kept.
func (d *Dispatcher) recordOutcomes(ctx context.Context, notificationID string, outcomes DeliveryMap) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Notification
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", notificationID).
			Take(&current).Error; err != nil {
			return err
		}
		merged := DeliveryMap{}
		for kind, state := range current.Delivery.Data() {
			merged[kind] = state
		}
		for kind, outcome := range outcomes {
			state := merged[kind]
			state.Sent = outcome.Sent
			state.SentAt = outcome.SentAt
			state.Failed = outcome.Failed
			state.FailureReason = outcome.FailureReason
			merged[kind] = state
		}
		return tx.Model(&Notification{}).Where("id = ?", notificationID).Updates(map[string]any{
			"delivery":   datatypes.NewJSONType(merged),
			"updated_at": d.clock().UTC(),
		}).Error
	})
}

func (d *Dispatcher) deliver(ctx context.Context, channel Channel, record Notification, profile users.Profile) (Outcome, string) {
	switch typed := channel.(type) {
	case InApp:
		return d.deliverInApp(ctx, record)
	case Push:
		return d.deliverPush(ctx, typed, record)
	case Email:
		return d.deliverEmail(ctx, typed, record, profile)
	case SMS:
		return d.deliverSMS(ctx, typed, record, profile)
	default:
		return OutcomeFailed, "unsupported_channel"
	}
}

func (d *Dispatcher) deliverInApp(ctx context.Context, record Notification) (Outcome, string) {
	if d.live.SendToUser(record.RecipientID, EventNotification, record.View()) {
		return OutcomeSent, ""
	}
	if d.cache == nil {
		return OutcomeStored, ""
	}
	entry, err := json.Marshal(record.offlineEntry())
	if err != nil {
		d.logError(opDispatch, "offline_encode_failed", err, zap.String("notification_id", record.ID))
		return OutcomeStored, ""
	}
	if err := d.cache.AppendCapped(ctx, OfflineQueueKey(record.RecipientID), string(entry), d.queueSize, d.queueTTL); err != nil {
		d.logger.Warn("offline queue append failed",
			zap.String("recipient_id", record.RecipientID),
			zap.String("notification_id", record.ID),
			zap.Error(err))
		return OutcomeStored, ""
	}
	return OutcomeQueued, ""
}

func (d *Dispatcher) deliverPush(ctx context.Context, channel Push, record Notification) (Outcome, string) {
	if d.push == nil {
		return OutcomeFailed, "push_gateway_unavailable"
	}
	devices, err := d.directory.DeviceTokens(ctx, record.RecipientID)
	if err != nil {
		d.logError(opDispatch, "device_lookup_failed", err, zap.String("recipient_id", record.RecipientID))
		return OutcomeFailed, "device_lookup_failed"
	}
	if len(devices) == 0 {
		return OutcomeFailed, "no_device_tokens"
	}
	tokens := make([]string, 0, len(devices))
	for _, device := range devices {
		tokens = append(tokens, device.Token)
	}

	message := gateways.PushMessage{
		Title: record.Title,
		Body:  record.Body,
		Data:  map[string]any{"notificationId": record.ID, "type": string(record.Type)},
		Badge: channel.Badge,
		Sound: channel.Sound,
	}
	var (
		mu        sync.Mutex
		succeeded int
		invalid   []string
		lastError string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(pushBatchConcurrency)
	for start := 0; start < len(tokens); start += gateways.MaxPushBatch {
		end := start + gateways.MaxPushBatch
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[start:end]
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(groupCtx, d.gatewayTimeout)
			defer cancel()
			results, err := d.push.SendBatch(callCtx, batch, message)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastError = err.Error()
				return nil
			}
			for _, result := range results {
				if result.Success {
					succeeded++
					continue
				}
				invalid = append(invalid, result.Token)
				if result.ErrorCode != "" {
					lastError = result.ErrorCode
				}
			}
			return nil
		})
	}
	_ = group.Wait()

	for _, token := range invalid {
		if err := d.directory.RemoveDeviceToken(ctx, token); err != nil {
			d.logger.Warn("device token cleanup failed", zap.String("recipient_id", record.RecipientID), zap.Error(err))
		}
	}
	if succeeded > 0 {
		return OutcomeSent, ""
	}
	if lastError == "" {
		lastError = "push_failed"
	}
	return OutcomeFailed, lastError
}

func (d *Dispatcher) deliverEmail(ctx context.Context, channel Email, record Notification, profile users.Profile) (Outcome, string) {
	if d.email == nil {
		return OutcomeFailed, "email_gateway_unavailable"
	}
	address := channel.Address
	if address == "" {
		address = profile.Email
	}
	if address == "" {
		return OutcomeFailed, "no_email_address"
	}
	callCtx, cancel := context.WithTimeout(ctx, d.gatewayTimeout)
	defer cancel()
	if err := d.email.SendEmail(callCtx, gateways.EmailMessage{To: address, Subject: record.Title, Body: record.Body}); err != nil {
		d.logger.Warn("email delivery failed", zap.String("notification_id", record.ID), zap.Error(err))
		return OutcomeFailed, err.Error()
	}
	return OutcomeSent, ""
}

func (d *Dispatcher) deliverSMS(ctx context.Context, channel SMS, record Notification, profile users.Profile) (Outcome, string) {
	if d.sms == nil {
		return OutcomeFailed, "sms_gateway_unavailable"
	}
	phone := channel.PhoneNumber
	if phone == "" {
		phone = profile.Phone
	}
	if phone == "" {
		return OutcomeFailed, "no_phone_number"
	}
	callCtx, cancel := context.WithTimeout(ctx, d.gatewayTimeout)
	defer cancel()
	body := fmt.Sprintf("%s: %s", record.Title, record.Body)
	if err := d.sms.SendSMS(callCtx, gateways.SMSMessage{To: phone, Body: body}); err != nil {
		d.logger.Warn("sms delivery failed", zap.String("notification_id", record.ID), zap.Error(err))
		return OutcomeFailed, err.Error()
	}
	return OutcomeSent, ""
}

// DrainOffline returns the queued entries for userID, oldest first, and clears the queue.
// Without a cache store there is never anything queued.
func (d *Dispatcher) DrainOffline(ctx context.Context, userID string) ([]OfflineEntry, error) {
	if d.cache == nil {
		return nil, nil
	}
	raw, err := d.cache.Drain(ctx, OfflineQueueKey(userID))
	if err != nil {
		d.logError(opDrainOffline, "drain_failed", err, zap.String("user_id", userID))
		return nil, apperr.New(apperr.KindInternal, opDrainOffline, "drain_failed", err)
	}
	entries := make([]OfflineEntry, 0, len(raw))
	for _, value := range raw {
		var entry OfflineEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			d.logger.Warn("skipping malformed offline entry", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// OfflineQueueKey is the cache key of userID's offline queue.
func OfflineQueueKey(userID string) string {
	return offlineKeyPrefix + userID
}

func normalizeDraft(draft Draft) (Draft, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Body = strings.TrimSpace(draft.Body)
	draft.SenderID = strings.TrimSpace(draft.SenderID)
	if draft.Type == "" {
		draft.Type = TypeSystem
	}
	if draft.Title == "" {
		return Draft{}, apperr.New(apperr.KindValidation, opDispatch, "missing_title", nil)
	}
	if len(draft.Title) > maxTitleLength {
		return Draft{}, apperr.New(apperr.KindValidation, opDispatch, "title_too_long", nil)
	}
	if draft.Priority == "" {
		draft.Priority = DefaultPriority(draft.Type)
	}
	if !draft.Priority.Valid() {
		return Draft{}, apperr.New(apperr.KindValidation, opDispatch, "invalid_priority", nil)
	}
	if draft.Data == nil {
		draft.Data = map[string]any{}
	}
	return draft, nil
}

func (d *Dispatcher) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	d.logger.Error("notification operation failed", allFields...)
}
