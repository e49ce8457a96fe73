// Package scheduler executes due notifications, advances recurring series and
// removes old terminal rows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opNewEngine = "scheduler.engine.new"
	opSchedule  = "scheduler.schedule"
	opCancel    = "scheduler.cancel"
	opGet       = "scheduler.get"
	opSweep     = "scheduler.sweep"
	opClaim     = "scheduler.claim"
	opCleanup   = "scheduler.cleanup"
	opRecover   = "scheduler.recover"

	defaultMaxAttempts       = 3
	defaultBatchSize         = 100
	defaultPollInterval      = 30 * time.Second
	defaultCleanupInterval   = 24 * time.Hour
	defaultActiveWindow      = 15 * time.Minute
	defaultReadRetention     = 30 * 24 * time.Hour
	defaultTerminalRetention = 30 * 24 * time.Hour
	defaultStaleAfter        = 10 * time.Minute
	maxAttemptsLimit         = 10
)

// Dispatcher delivers the notification of an executed row.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipientID string, draft notifications.Draft, channels []notifications.Channel) (notifications.DeliveryResult, error)
}

// Presence answers the user-online and user-active gating conditions.
type Presence interface {
	IsOnline(userID string) bool
	LastActivity(userID string) (time.Time, bool)
}

// Profiles resolves the recipient's timezone.
type Profiles interface {
	Lookup(ctx context.Context, userID string) (users.Profile, error)
}

// Purger removes old notifications during cleanup.
type Purger interface {
	Purge(ctx context.Context, readBefore time.Time) (int64, error)
}

// IDProvider issues scheduled notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig describes the collaborators and cadence of an Engine. Profiles and Purger are optional.
type EngineConfig struct {
	Database          *gorm.DB
	Dispatcher        Dispatcher
	Presence          Presence
	Profiles          Profiles
	Purger            Purger
	IDProvider        IDProvider
	Clock             func() time.Time
	Logger            *zap.Logger
	PollInterval      time.Duration
	CleanupInterval   time.Duration
	BatchSize         int
	ActiveWindow      time.Duration
	ReadRetention     time.Duration
	TerminalRetention time.Duration
	StaleAfter        time.Duration
}

// Engine owns the scheduled_notifications table.
type Engine struct {
	db                *gorm.DB
	dispatcher        Dispatcher
	presence          Presence
	profiles          Profiles
	purger            Purger
	idProvider        IDProvider
	clock             func() time.Time
	logger            *zap.Logger
	pollInterval      time.Duration
	cleanupInterval   time.Duration
	batchSize         int
	activeWindow      time.Duration
	readRetention     time.Duration
	terminalRetention time.Duration
	staleAfter        time.Duration

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.New(apperr.KindInternal, opNewEngine, "missing_database", nil)
	case cfg.Dispatcher == nil:
		return nil, apperr.New(apperr.KindInternal, opNewEngine, "missing_dispatcher", nil)
	case cfg.Presence == nil:
		return nil, apperr.New(apperr.KindInternal, opNewEngine, "missing_presence", nil)
	case cfg.IDProvider == nil:
		return nil, apperr.New(apperr.KindInternal, opNewEngine, "missing_id_provider", nil)
	}
	engine := &Engine{
		db:                cfg.Database,
		dispatcher:        cfg.Dispatcher,
		presence:          cfg.Presence,
		profiles:          cfg.Profiles,
		purger:            cfg.Purger,
		idProvider:        cfg.IDProvider,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		pollInterval:      orDuration(cfg.PollInterval, defaultPollInterval),
		cleanupInterval:   orDuration(cfg.CleanupInterval, defaultCleanupInterval),
		batchSize:         cfg.BatchSize,
		activeWindow:      orDuration(cfg.ActiveWindow, defaultActiveWindow),
		readRetention:     orDuration(cfg.ReadRetention, defaultReadRetention),
		terminalRetention: orDuration(cfg.TerminalRetention, defaultTerminalRetention),
		staleAfter:        orDuration(cfg.StaleAfter, defaultStaleAfter),
	}
	if engine.clock == nil {
		engine.clock = time.Now
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	if engine.batchSize <= 0 {
		engine.batchSize = defaultBatchSize
	}
	return engine, nil
}

// ScheduleRequest describes a notification to deliver at ScheduledTime.
// CreatedBy defaults to UserID.
type ScheduleRequest struct {
	UserID               string      `json:"userId"`
	CreatedBy            string      `json:"createdBy,omitempty"`
	Template             Template    `json:"template"`
	ScheduledTime        time.Time   `json:"scheduledTime"`
	Recurrence           *Recurrence `json:"recurrence,omitempty"`
	Conditions           *Conditions `json:"conditions,omitempty"`
	MaxExecutionAttempts int         `json:"maxExecutionAttempts,omitempty"`
}

// Schedule validates and stores request. A time that is not after now is stored as expired
// and will never be selected by a sweep.
func (e *Engine) Schedule(ctx context.Context, request ScheduleRequest) (ScheduledNotification, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return ScheduledNotification{}, apperr.New(apperr.KindValidation, opSchedule, "missing_user_id", nil)
	}
	createdBy := strings.TrimSpace(request.CreatedBy)
	if createdBy == "" {
		createdBy = userID
	}
	if request.ScheduledTime.IsZero() {
		return ScheduledNotification{}, apperr.New(apperr.KindValidation, opSchedule, "missing_scheduled_time", nil)
	}
	template, err := normalizeTemplate(request.Template)
	if err != nil {
		return ScheduledNotification{}, err
	}
	var recurrence Recurrence
	if request.Recurrence != nil {
		if recurrence, err = request.Recurrence.normalized(); err != nil {
			return ScheduledNotification{}, err
		}
	}
	var conditions Conditions
	if request.Conditions != nil {
		if conditions, err = request.Conditions.normalized(); err != nil {
			return ScheduledNotification{}, err
		}
	}
	maxAttempts := request.MaxExecutionAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts < 0 || maxAttempts > maxAttemptsLimit {
		return ScheduledNotification{}, apperr.New(apperr.KindValidation, opSchedule, "invalid_max_attempts", nil)
	}

	identifier, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opSchedule, "id_generation_failed", err)
		return ScheduledNotification{}, apperr.New(apperr.KindInternal, opSchedule, "id_generation_failed", err)
	}
	now := e.clock().UTC()
	status := StatusPending
	lastError := ""
	if !request.ScheduledTime.After(now) {
		status = StatusExpired
		lastError = "scheduled time is in the past"
	}
	row := ScheduledNotification{
		ID:                   identifier,
		UserID:               userID,
		CreatedBy:            createdBy,
		Template:             datatypes.NewJSONType(template),
		ScheduledTime:        request.ScheduledTime.UTC(),
		PriorityRank:         template.Priority.Rank(),
		Status:               status,
		MaxExecutionAttempts: maxAttempts,
		LastError:            lastError,
		Recurrence:           datatypes.NewJSONType(recurrence),
		Conditions:           datatypes.NewJSONType(conditions),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		e.logError(opSchedule, "insert_failed", err, zap.String("user_id", userID))
		return ScheduledNotification{}, apperr.New(apperr.KindInternal, opSchedule, "insert_failed", err)
	}
	return row, nil
}

// Cancel moves a pending row to cancelled. Only the recipient or the creator may cancel.
func (e *Engine) Cancel(ctx context.Context, userID, id string) error {
	var row ScheduledNotification
	err := e.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.KindNotFound, opCancel, "unknown_schedule", err)
	}
	if err != nil {
		e.logError(opCancel, "query_failed", err)
		return apperr.New(apperr.KindInternal, opCancel, "query_failed", err)
	}
	if !row.VisibleTo(userID) {
		return apperr.New(apperr.KindForbidden, opCancel, "not_owner", nil)
	}
	if row.Status != StatusPending {
		return apperr.New(apperr.KindValidation, opCancel, "not_cancellable", fmt.Errorf("status %s", row.Status))
	}
	result := e.db.WithContext(ctx).Model(&ScheduledNotification{}).
		Where("id = ? AND status = ?", row.ID, StatusPending).
		Updates(map[string]any{"status": StatusCancelled, "updated_at": e.clock().UTC()})
	if result.Error != nil {
		e.logError(opCancel, "update_failed", result.Error, zap.String("schedule_id", row.ID))
		return apperr.New(apperr.KindInternal, opCancel, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.KindValidation, opCancel, "not_cancellable", errors.New("claimed concurrently"))
	}
	return nil
}

// Get returns the row with id.
func (e *Engine) Get(ctx context.Context, id string) (ScheduledNotification, error) {
	var row ScheduledNotification
	err := e.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ScheduledNotification{}, apperr.New(apperr.KindNotFound, opGet, "unknown_schedule", err)
	}
	if err != nil {
		e.logError(opGet, "query_failed", err)
		return ScheduledNotification{}, apperr.New(apperr.KindInternal, opGet, "query_failed", err)
	}
	return row, nil
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Candidates int
	Conflicts  int
	Deferred   int
	Sent       int
	Retried    int
	Failed     int
	Expired    int
}

// Sweep executes every due pending row, up to the batch size.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	now := e.clock().UTC()
	var candidates []ScheduledNotification
	err := e.db.WithContext(ctx).
		Where("status = ? AND scheduled_time <= ? AND execution_attempts < max_execution_attempts", StatusPending, now).
		Order("scheduled_time asc").
		Order("priority_rank desc").
		Limit(e.batchSize).
		Find(&candidates).Error
	if err != nil {
		e.logError(opSweep, "select_failed", err)
		return SweepReport{}, apperr.New(apperr.KindInternal, opSweep, "select_failed", err)
	}

	report := SweepReport{Candidates: len(candidates)}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		row, err := e.claim(ctx, candidate, now)
		if errors.Is(err, apperr.ErrClaimConflict) {
			report.Conflicts++
			e.logger.Debug("scheduled notification claimed elsewhere", zap.String("schedule_id", candidate.ID))
			continue
		}
		if err != nil {
			return report, err
		}
		e.execute(ctx, row, &report)
	}
	return report, nil
}

// claim moves row from pending to processing and consumes an attempt in one conditional update.
func (e *Engine) claim(ctx context.Context, row ScheduledNotification, now time.Time) (ScheduledNotification, error) {
	result := e.db.WithContext(ctx).Model(&ScheduledNotification{}).
		Where("id = ? AND status = ? AND execution_attempts < max_execution_attempts", row.ID, StatusPending).
		Updates(map[string]any{
			"status":                 StatusProcessing,
			"execution_attempts":     gorm.Expr("execution_attempts + 1"),
			"last_execution_attempt": now,
			"updated_at":             now,
		})
	if result.Error != nil {
		e.logError(opClaim, "update_failed", result.Error, zap.String("schedule_id", row.ID))
		return ScheduledNotification{}, apperr.New(apperr.KindInternal, opClaim, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ScheduledNotification{}, apperr.New(apperr.KindClaimConflict, opClaim, "already_claimed", nil)
	}
	var claimed ScheduledNotification
	if err := e.db.WithContext(ctx).Where("id = ?", row.ID).Take(&claimed).Error; err != nil {
		e.logError(opClaim, "reload_failed", err, zap.String("schedule_id", row.ID))
		return ScheduledNotification{}, apperr.New(apperr.KindInternal, opClaim, "reload_failed", err)
	}
	return claimed, nil
}

func (e *Engine) execute(ctx context.Context, row ScheduledNotification, report *SweepReport) {
	now := e.clock().UTC()
	loc := e.location(ctx, row)

	if reason, ok := e.gate(row, now, loc); !ok {
		report.Deferred++
		if row.ExecutionAttempts >= row.MaxExecutionAttempts {
			report.Failed++
			e.finish(ctx, row, map[string]any{
				"status":     StatusFailed,
				"last_error": "gating conditions not met: " + reason,
			})
			return
		}
		e.finish(ctx, row, map[string]any{
			"status":     StatusPending,
			"last_error": "deferred: " + reason,
		})
		return
	}

	template := row.Template.Data()
	result, err := e.dispatch(ctx, row.UserID, template)
	if err == nil && result.Succeeded() {
		e.complete(ctx, row, result, now, loc, report)
		return
	}

	failure := "all channels failed"
	if err != nil {
		failure = err.Error()
	}
	updates := map[string]any{"last_error": failure}
	if result.NotificationID != "" {
		updates["last_result"] = datatypes.NewJSONType(result)
	}
	if row.ExecutionAttempts >= row.MaxExecutionAttempts {
		report.Failed++
		updates["status"] = StatusFailed
		e.logger.Warn("scheduled notification failed permanently",
			zap.String("schedule_id", row.ID),
			zap.Int("attempts", row.ExecutionAttempts),
			zap.String("error", failure))
	} else {
		report.Retried++
		updates["status"] = StatusPending
	}
	e.finish(ctx, row, updates)
}

func (e *Engine) dispatch(ctx context.Context, userID string, template Template) (notifications.DeliveryResult, error) {
	channels, err := notifications.ParseChannelSpecs(template.Channels)
	if err != nil {
		return notifications.DeliveryResult{}, err
	}
	return e.dispatcher.Dispatch(ctx, userID, notifications.Draft{
		Type:     template.Type,
		Title:    template.Title,
		Body:     template.Body,
		Data:     template.Data,
		Priority: template.Priority,
	}, channels)
}

// complete records a successful execution and advances a recurring series.
func (e *Engine) complete(ctx context.Context, row ScheduledNotification, result notifications.DeliveryResult, now time.Time, loc *time.Location, report *SweepReport) {
	updates := map[string]any{
		"executed_at": now,
		"last_result": datatypes.NewJSONType(result),
		"last_error":  "",
	}
	recurrence := row.Recurrence.Data()
	if !recurrence.Enabled {
		report.Sent++
		updates["status"] = StatusSent
		e.finish(ctx, row, updates)
		return
	}

	recurrence.CurrentOccurrence++
	updates["recurrence"] = datatypes.NewJSONType(recurrence)
	if recurrence.Exhausted(recurrence.CurrentOccurrence) {
		report.Expired++
		updates["status"] = StatusExpired
		e.finish(ctx, row, updates)
		return
	}
	next := recurrence.Next(row.ScheduledTime, loc).UTC()
	if recurrence.EndDate != nil && next.After(*recurrence.EndDate) {
		report.Expired++
		updates["status"] = StatusExpired
		e.finish(ctx, row, updates)
		return
	}
	report.Sent++
	updates["status"] = StatusPending
	updates["scheduled_time"] = next
	updates["execution_attempts"] = 0
	e.finish(ctx, row, updates)
}

// finish writes the outcome of a processing row.
func (e *Engine) finish(ctx context.Context, row ScheduledNotification, updates map[string]any) {
	updates["updated_at"] = e.clock().UTC()
	err := e.db.WithContext(ctx).Model(&ScheduledNotification{}).
		Where("id = ? AND status = ?", row.ID, StatusProcessing).
		Updates(updates).Error
	if err != nil {
		e.logError(opSweep, "finish_failed", err, zap.String("schedule_id", row.ID))
	}
}

// gate evaluates the row's conditions. It returns the unmet condition when execution must wait.
func (e *Engine) gate(row ScheduledNotification, now time.Time, loc *time.Location) (string, bool) {
	conditions := row.Conditions.Data()
	if conditions.UserOnline && !e.presence.IsOnline(row.UserID) {
		return "user offline", false
	}
	if conditions.UserActive {
		if !e.presence.IsOnline(row.UserID) {
			return "user inactive", false
		}
		last, ok := e.presence.LastActivity(row.UserID)
		if !ok || now.Sub(last) > e.activeWindow {
			return "user inactive", false
		}
	}
	if conditions.TimeWindow != nil && !conditions.TimeWindow.Contains(now.In(loc)) {
		return "outside time window", false
	}
	return "", true
}

// location resolves the row timezone: the conditions first, then the recipient profile, then UTC.
func (e *Engine) location(ctx context.Context, row ScheduledNotification) *time.Location {
	if name := row.Conditions.Data().Timezone; name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if e.profiles != nil {
		if profile, err := e.profiles.Lookup(ctx, row.UserID); err == nil {
			return profile.Location()
		}
	}
	return time.UTC
}

// CleanupReport counts what one cleanup pass removed.
type CleanupReport struct {
	ScheduledRemoved     int64
	NotificationsRemoved int64
}

// Cleanup removes terminal rows older than the retention and delegates notification purging.
func (e *Engine) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := e.clock().UTC()
	result := e.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminalStatuses, now.Add(-e.terminalRetention)).
		Delete(&ScheduledNotification{})
	if result.Error != nil {
		e.logError(opCleanup, "delete_failed", result.Error)
		return CleanupReport{}, apperr.New(apperr.KindInternal, opCleanup, "delete_failed", result.Error)
	}
	report := CleanupReport{ScheduledRemoved: result.RowsAffected}
	if e.purger != nil {
		removed, err := e.purger.Purge(ctx, now.Add(-e.readRetention))
		if err != nil {
			return report, err
		}
		report.NotificationsRemoved = removed
	}
	return report, nil
}

// Recover returns rows left in processing by an interrupted sweep to pending, or marks
// them failed when their attempts are used up.
func (e *Engine) Recover(ctx context.Context) (int64, error) {
	now := e.clock().UTC()
	cutoff := now.Add(-e.staleAfter)
	var recovered int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed := tx.Model(&ScheduledNotification{}).
			Where("status = ? AND updated_at < ? AND execution_attempts >= max_execution_attempts", StatusProcessing, cutoff).
			Updates(map[string]any{"status": StatusFailed, "last_error": "interrupted during execution", "updated_at": now})
		if failed.Error != nil {
			return failed.Error
		}
		requeued := tx.Model(&ScheduledNotification{}).
			Where("status = ? AND updated_at < ?", StatusProcessing, cutoff).
			Updates(map[string]any{"status": StatusPending, "last_error": "interrupted during execution", "updated_at": now})
		if requeued.Error != nil {
			return requeued.Error
		}
		recovered = failed.RowsAffected + requeued.RowsAffected
		return nil
	})
	if err != nil {
		e.logError(opRecover, "update_failed", err)
		return 0, apperr.New(apperr.KindInternal, opRecover, "update_failed", err)
	}
	return recovered, nil
}

// Start runs the sweep and cleanup loops until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.cancel != nil {
		return
	}
	if recovered, err := e.Recover(ctx); err == nil && recovered > 0 {
		e.logger.Warn("recovered interrupted scheduled notifications", zap.Int64("count", recovered))
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(2)
	go e.loop(loopCtx, "sweep", e.pollInterval, func(runCtx context.Context) {
		report, err := e.Sweep(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("scheduler sweep failed", zap.Error(err))
			return
		}
		if report.Candidates > 0 {
			e.logger.Info("scheduler sweep completed",
				zap.Int("candidates", report.Candidates),
				zap.Int("sent", report.Sent),
				zap.Int("retried", report.Retried),
				zap.Int("deferred", report.Deferred),
				zap.Int("failed", report.Failed),
				zap.Int("expired", report.Expired),
				zap.Int("conflicts", report.Conflicts))
		}
	})
	go e.loop(loopCtx, "cleanup", e.cleanupInterval, func(runCtx context.Context) {
		report, err := e.Cleanup(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("scheduler cleanup failed", zap.Error(err))
			return
		}
		e.logger.Info("scheduler cleanup completed",
			zap.Int64("scheduled_removed", report.ScheduledRemoved),
			zap.Int64("notifications_removed", report.NotificationsRemoved))
	})
	e.logger.Info("scheduler started",
		zap.Duration("poll_interval", e.pollInterval),
		zap.Duration("cleanup_interval", e.cleanupInterval))
}

// Stop cancels the loops and waits for an in-flight pass to finish.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("scheduler stopped")
}

func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run(ctx)
	for {
		select {
		case <-ticker.C:
			run(ctx)
		case <-ctx.Done():
			e.logger.Debug("scheduler loop stopping", zap.String("loop", name))
			return
		}
	}
}

func normalizeTemplate(template Template) (Template, error) {
	template.Title = strings.TrimSpace(template.Title)
	template.Body = strings.TrimSpace(template.Body)
	if template.Type == "" {
		template.Type = notifications.TypeSystem
	}
	if template.Title == "" {
		content := notifications.BuildContent(template.Type, template.Data)
		template.Title = content.Title
		if template.Body == "" {
			template.Body = content.Body
		}
	}
	if template.Priority == "" {
		template.Priority = notifications.DefaultPriority(template.Type)
	}
	if !template.Priority.Valid() {
		return Template{}, apperr.New(apperr.KindValidation, opSchedule, "invalid_priority", nil)
	}
	channels, err := notifications.ParseChannelSpecs(template.Channels)
	if err != nil {
		return Template{}, err
	}
	template.Channels = notifications.Specs(channels)
	return template, nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("scheduler operation failed", allFields...)
}

func orDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
