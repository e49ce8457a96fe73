package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type dispatchCall struct {
	recipientID string
	draft       notifications.Draft
	channels    []notifications.Channel
}

type fakeDispatcher struct {
	mu    sync.Mutex
	err   error
	fail  bool
	calls []dispatchCall
}

func (d *fakeDispatcher) Dispatch(_ context.Context, recipientID string, draft notifications.Draft, channels []notifications.Channel) (notifications.DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{recipientID: recipientID, draft: draft, channels: channels})
	if d.err != nil {
		return notifications.DeliveryResult{}, d.err
	}
	outcome := notifications.OutcomeStored
	if d.fail {
		outcome = notifications.OutcomeFailed
	}
	return notifications.DeliveryResult{
		NotificationID: "notification",
		PerChannel:     map[notifications.ChannelKind]notifications.Outcome{notifications.ChannelInApp: outcome},
	}, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakePresence struct {
	online   map[string]bool
	activity map[string]time.Time
}

func (p fakePresence) IsOnline(userID string) bool {
	return p.online[userID]
}

func (p fakePresence) LastActivity(userID string) (time.Time, bool) {
	last, ok := p.activity[userID]
	return last, ok
}

type fakeProfiles map[string]string

func (p fakeProfiles) Lookup(_ context.Context, userID string) (users.Profile, error) {
	timezone, ok := p[userID]
	if !ok {
		return users.Profile{}, apperr.New(apperr.KindNotFound, "users.lookup", "unknown_user", nil)
	}
	return users.Profile{UserID: userID, Timezone: timezone}, nil
}

type fakePurger struct {
	readBefore time.Time
}

func (p *fakePurger) Purge(_ context.Context, readBefore time.Time) (int64, error) {
	p.readBefore = readBefore
	return 4, nil
}

type engineFixture struct {
	engine     *Engine
	db         *gorm.DB
	clock      *fakeClock
	dispatcher *fakeDispatcher
	presence   fakePresence
	purger     *fakePurger
}

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scheduler.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ScheduledNotification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	clock := &fakeClock{now: baseTime}
	dispatcher := &fakeDispatcher{}
	presence := fakePresence{online: map[string]bool{}, activity: map[string]time.Time{}}
	purger := &fakePurger{}
	engine, err := NewEngine(EngineConfig{
		Database:   db,
		Dispatcher: dispatcher,
		Presence:   presence,
		Profiles:   fakeProfiles{"owner": "UTC", "traveler": "America/New_York"},
		Purger:     purger,
		IDProvider: &ids.Sequence{Prefix: "schedule"},
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engineFixture{engine: engine, db: db, clock: clock, dispatcher: dispatcher, presence: presence, purger: purger}
}

func reminderTemplate() Template {
	return Template{
		Type:     notifications.TypeEventReminder,
		Title:    "Standup",
		Body:     "Starts soon",
		Channels: []notifications.ChannelSpec{{Type: "in_app"}},
	}
}

func (f engineFixture) schedule(t *testing.T, request ScheduleRequest) ScheduledNotification {
	t.Helper()
	if request.UserID == "" {
		request.UserID = "owner"
	}
	if request.Template.Channels == nil {
		request.Template = reminderTemplate()
	}
	row, err := f.engine.Schedule(context.Background(), request)
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	return row
}

func (f engineFixture) reload(t *testing.T, id string) ScheduledNotification {
	t.Helper()
	row, err := f.engine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load %s: %v", id, err)
	}
	return row
}

func (f engineFixture) sweep(t *testing.T) SweepReport {
	t.Helper()
	report, err := f.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	return report
}

func TestSchedulePastTimeIsExpiredAndNeverSent(t *testing.T) {
	fixture := newEngineFixture(t)
	row := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(-time.Minute)})
	if row.Status != StatusExpired {
		t.Fatalf("expected expired status, got %s", row.Status)
	}

	fixture.clock.Set(baseTime.Add(time.Hour))
	report := fixture.sweep(t)
	if report.Candidates != 0 || fixture.dispatcher.count() != 0 {
		t.Fatalf("expired rows must never be dispatched, report %#v", report)
	}
}

func TestScheduleValidatesRequest(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	cases := map[string]ScheduleRequest{
		"missing user":    {Template: reminderTemplate(), ScheduledTime: baseTime.Add(time.Hour)},
		"missing time":    {UserID: "owner", Template: reminderTemplate()},
		"no channels":     {UserID: "owner", Template: Template{Title: "x"}, ScheduledTime: baseTime.Add(time.Hour)},
		"bad pattern":     {UserID: "owner", Template: reminderTemplate(), ScheduledTime: baseTime.Add(time.Hour), Recurrence: &Recurrence{Enabled: true, Pattern: "hourly"}},
		"custom no days":  {UserID: "owner", Template: reminderTemplate(), ScheduledTime: baseTime.Add(time.Hour), Recurrence: &Recurrence{Enabled: true, Pattern: PatternCustom}},
		"bad timezone":    {UserID: "owner", Template: reminderTemplate(), ScheduledTime: baseTime.Add(time.Hour), Conditions: &Conditions{Timezone: "Mars/Olympus"}},
		"bad window":      {UserID: "owner", Template: reminderTemplate(), ScheduledTime: baseTime.Add(time.Hour), Conditions: &Conditions{TimeWindow: &TimeWindow{Start: "25:00", End: "06:00"}}},
		"too many tries":  {UserID: "owner", Template: reminderTemplate(), ScheduledTime: baseTime.Add(time.Hour), MaxExecutionAttempts: 50},
		"unknown channel": {UserID: "owner", Template: Template{Title: "x", Channels: []notifications.ChannelSpec{{Type: "fax"}}}, ScheduledTime: baseTime.Add(time.Hour)},
	}
	for name, request := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := fixture.engine.Schedule(ctx, request); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestScheduleRendersTemplateFromType(t *testing.T) {
	fixture := newEngineFixture(t)
	row := fixture.schedule(t, ScheduleRequest{
		Template: Template{
			Type:     notifications.TypeEventReminder,
			Data:     map[string]any{"eventName": "Climbing"},
			Channels: []notifications.ChannelSpec{{Type: "push"}},
		},
		ScheduledTime: baseTime.Add(time.Hour),
	})
	template := row.Template.Data()
	if template.Title == "" || template.Priority != notifications.PriorityHigh {
		t.Fatalf("expected rendered reminder, got %#v", template)
	}
	if row.PriorityRank != notifications.PriorityHigh.Rank() || row.MaxExecutionAttempts != defaultMaxAttempts {
		t.Fatalf("unexpected defaults %#v", row)
	}
}

func TestSweepSendsDueOneShot(t *testing.T) {
	fixture := newEngineFixture(t)
	row := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute)})

	if report := fixture.sweep(t); report.Candidates != 0 {
		t.Fatalf("row is not due yet, report %#v", report)
	}
	fixture.clock.Set(baseTime.Add(2 * time.Minute))
	report := fixture.sweep(t)
	if report.Sent != 1 {
		t.Fatalf("expected one send, report %#v", report)
	}
	stored := fixture.reload(t, row.ID)
	if stored.Status != StatusSent || stored.ExecutedAt == nil || stored.ExecutionAttempts != 1 {
		t.Fatalf("unexpected stored row %#v", stored)
	}
	if stored.LastResult.Data().NotificationID != "notification" {
		t.Fatalf("expected last result recorded, got %#v", stored.LastResult.Data())
	}
	call := fixture.dispatcher.calls[0]
	if call.recipientID != "owner" || call.draft.Title != "Standup" || call.channels[0].Kind() != notifications.ChannelInApp {
		t.Fatalf("unexpected dispatch %#v", call)
	}

	fixture.clock.Set(baseTime.Add(time.Hour))
	fixture.sweep(t)
	if fixture.dispatcher.count() != 1 {
		t.Fatalf("sent rows must not be dispatched again")
	}
}

func TestSweepOrdersByTimeThenPriority(t *testing.T) {
	fixture := newEngineFixture(t)
	due := baseTime.Add(time.Minute)
	low := reminderTemplate()
	low.Title = "low"
	low.Priority = notifications.PriorityLow
	urgent := reminderTemplate()
	urgent.Title = "urgent"
	urgent.Priority = notifications.PriorityUrgent
	earlier := reminderTemplate()
	earlier.Title = "earlier"
	earlier.Priority = notifications.PriorityLow

	fixture.schedule(t, ScheduleRequest{Template: low, ScheduledTime: due})
	fixture.schedule(t, ScheduleRequest{Template: urgent, ScheduledTime: due})
	fixture.schedule(t, ScheduleRequest{Template: earlier, ScheduledTime: due.Add(-30 * time.Second)})

	fixture.clock.Set(baseTime.Add(time.Hour))
	fixture.sweep(t)
	var titles []string
	for _, call := range fixture.dispatcher.calls {
		titles = append(titles, call.draft.Title)
	}
	if len(titles) != 3 || titles[0] != "earlier" || titles[1] != "urgent" || titles[2] != "low" {
		t.Fatalf("unexpected execution order %v", titles)
	}
}

func TestSweepRespectsBatchSize(t *testing.T) {
	fixture := newEngineFixture(t)
	fixture.engine.batchSize = 2
	for index := 0; index < 3; index++ {
		fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute)})
	}
	fixture.clock.Set(baseTime.Add(time.Hour))
	if report := fixture.sweep(t); report.Candidates != 2 {
		t.Fatalf("expected batch of two, report %#v", report)
	}
	if report := fixture.sweep(t); report.Candidates != 1 {
		t.Fatalf("expected remaining row, report %#v", report)
	}
}

func TestSweepRetriesThenFails(t *testing.T) {
	fixture := newEngineFixture(t)
	fixture.dispatcher.err = errors.New("gateway unavailable")
	row := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute)})
	fixture.clock.Set(baseTime.Add(time.Hour))

	for attempt := 1; attempt <= 2; attempt++ {
		report := fixture.sweep(t)
		if report.Retried != 1 {
			t.Fatalf("attempt %d: expected retry, report %#v", attempt, report)
		}
		stored := fixture.reload(t, row.ID)
		if stored.Status != StatusPending || stored.ExecutionAttempts != attempt || stored.LastError == "" {
			t.Fatalf("attempt %d: unexpected row %#v", attempt, stored)
		}
	}
	if report := fixture.sweep(t); report.Failed != 1 {
		t.Fatalf("expected permanent failure, report %#v", report)
	}
	stored := fixture.reload(t, row.ID)
	if stored.Status != StatusFailed || stored.ExecutionAttempts != 3 {
		t.Fatalf("unexpected final row %#v", stored)
	}
	fixture.sweep(t)
	if fixture.dispatcher.count() != 3 {
		t.Fatalf("expected exactly three dispatch attempts, got %d", fixture.dispatcher.count())
	}
}

func TestSweepTreatsAllChannelsFailedAsFailure(t *testing.T) {
	fixture := newEngineFixture(t)
	fixture.dispatcher.fail = true
	row := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute), MaxExecutionAttempts: 1})
	fixture.clock.Set(baseTime.Add(time.Hour))
	fixture.sweep(t)
	stored := fixture.reload(t, row.ID)
	if stored.Status != StatusFailed || stored.LastError != "all channels failed" {
		t.Fatalf("unexpected row %#v", stored)
	}
}

func TestSweepAdvancesDailyRecurrence(t *testing.T) {
	fixture := newEngineFixture(t)
	first := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	row := fixture.schedule(t, ScheduleRequest{
		ScheduledTime: first,
		Recurrence:    &Recurrence{Enabled: true, Pattern: PatternDaily},
	})
	fixture.clock.Set(first.Add(time.Minute))
	fixture.sweep(t)

	stored := fixture.reload(t, row.ID)
	if stored.Status != StatusPending || stored.ExecutionAttempts != 0 {
		t.Fatalf("recurring row should return to pending, got %#v", stored)
	}
	if !stored.ScheduledTime.Equal(first.AddDate(0, 0, 1)) {
		t.Fatalf("expected next day 09:00, got %s", stored.ScheduledTime)
	}
	if stored.Recurrence.Data().CurrentOccurrence != 1 || stored.ExecutedAt == nil {
		t.Fatalf("expected occurrence recorded, got %#v", stored.Recurrence.Data())
	}
}

func TestSweepRecurrenceUsesRecipientTimezone(t *testing.T) {
	fixture := newEngineFixture(t)
	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	// 09:00 local on the day before daylight saving time starts.
	first := time.Date(2026, 3, 7, 9, 0, 0, 0, newYork)
	row := fixture.schedule(t, ScheduleRequest{
		UserID:        "traveler",
		ScheduledTime: first,
		Recurrence:    &Recurrence{Enabled: true, Pattern: PatternDaily},
	})
	fixture.clock.Set(first.Add(time.Minute))
	fixture.sweep(t)

	next := fixture.reload(t, row.ID).ScheduledTime.In(newYork)
	if next.Day() != 8 || next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("expected 09:00 local on the next day, got %s", next)
	}
}

func TestSweepStopsAfterMaxOccurrences(t *testing.T) {
	fixture := newEngineFixture(t)
	first := baseTime.Add(time.Hour)
	row := fixture.schedule(t, ScheduleRequest{
		ScheduledTime: first,
		Recurrence:    &Recurrence{Enabled: true, Pattern: PatternDaily, MaxOccurrences: 3},
	})
	for day := 0; day < 5; day++ {
		fixture.clock.Set(first.AddDate(0, 0, day).Add(time.Minute))
		fixture.sweep(t)
	}
	if fixture.dispatcher.count() != 3 {
		t.Fatalf("expected exactly three sends, got %d", fixture.dispatcher.count())
	}
	stored := fixture.reload(t, row.ID)
	if stored.Status != StatusExpired || stored.Recurrence.Data().CurrentOccurrence != 3 {
		t.Fatalf("expected exhausted series, got %#v", stored)
	}
}

func TestSweepExpiresSeriesPastEndDate(t *testing.T) {
	fixture := newEngineFixture(t)
	first := baseTime.Add(time.Hour)
	end := first.Add(36 * time.Hour)
	row := fixture.schedule(t, ScheduleRequest{
		ScheduledTime: first,
		Recurrence:    &Recurrence{Enabled: true, Pattern: PatternDaily, EndDate: &end},
	})
	fixture.clock.Set(first.Add(time.Minute))
	fixture.sweep(t)
	if fixture.reload(t, row.ID).Status != StatusPending {
		t.Fatalf("second occurrence is before the end date")
	}
	fixture.clock.Set(first.AddDate(0, 0, 1).Add(time.Minute))
	fixture.sweep(t)
	if stored := fixture.reload(t, row.ID); stored.Status != StatusExpired {
		t.Fatalf("expected expiry after end date, got %s", stored.Status)
	}
	if fixture.dispatcher.count() != 2 {
		t.Fatalf("expected two sends, got %d", fixture.dispatcher.count())
	}
}

func TestSweepCatchesUpMissedOccurrences(t *testing.T) {
	fixture := newEngineFixture(t)
	first := baseTime.Add(time.Hour)
	fixture.schedule(t, ScheduleRequest{
		ScheduledTime: first,
		Recurrence:    &Recurrence{Enabled: true, Pattern: PatternDaily},
	})
	fixture.clock.Set(first.AddDate(0, 0, 2).Add(time.Minute))
	for pass := 0; pass < 4; pass++ {
		fixture.sweep(t)
	}
	if fixture.dispatcher.count() != 3 {
		t.Fatalf("expected one send per missed occurrence, got %d", fixture.dispatcher.count())
	}
}

func TestSweepDefersUntilUserOnline(t *testing.T) {
	fixture := newEngineFixture(t)
	row := fixture.schedule(t, ScheduleRequest{
		ScheduledTime: baseTime.Add(time.Minute),
		Conditions:    &Conditions{UserOnline: true},
	})
	fixture.clock.Set(baseTime.Add(time.Hour))

	report := fixture.sweep(t)
	if report.Deferred != 1 || fixture.dispatcher.count() != 0 {
		t.Fatalf("expected deferral, report %#v", report)
	}
	stored := fixture.reload(t, row.ID)
	if stored.Status != StatusPending || stored.ExecutionAttempts != 1 {
		t.Fatalf("deferral consumes an attempt, got %#v", stored)
	}

	fixture.presence.online["owner"] = true
	if report := fixture.sweep(t); report.Sent != 1 {
		t.Fatalf("expected send once online, report %#v", report)
	}
}

func TestSweepFailsWhenConditionsNeverMet(t *testing.T) {
	fixture := newEngineFixture(t)
	row := fixture.schedule(t, ScheduleRequest{
		ScheduledTime:        baseTime.Add(time.Minute),
		Conditions:           &Conditions{UserActive: true},
		MaxExecutionAttempts: 2,
	})
	fixture.presence.online["owner"] = true
	fixture.presence.activity["owner"] = baseTime.Add(-time.Hour)
	fixture.clock.Set(baseTime.Add(time.Hour))

	fixture.sweep(t)
	fixture.sweep(t)
	stored := fixture.reload(t, row.ID)
	if stored.Status != StatusFailed || stored.LastError != "gating conditions not met: user inactive" {
		t.Fatalf("unexpected row %#v", stored)
	}
	if fixture.dispatcher.count() != 0 {
		t.Fatalf("gated rows must not dispatch")
	}
}

func TestSweepHonorsTimeWindow(t *testing.T) {
	fixture := newEngineFixture(t)
	row := fixture.schedule(t, ScheduleRequest{
		ScheduledTime: baseTime.Add(time.Minute),
		Conditions:    &Conditions{TimeWindow: &TimeWindow{Start: "22:00", End: "06:00"}},
	})
	fixture.clock.Set(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	if report := fixture.sweep(t); report.Deferred != 1 {
		t.Fatalf("midday is outside the window, report %#v", report)
	}
	fixture.clock.Set(time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC))
	if report := fixture.sweep(t); report.Sent != 1 {
		t.Fatalf("late evening is inside the window, report %#v", report)
	}
	if fixture.reload(t, row.ID).Status != StatusSent {
		t.Fatalf("expected sent row")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	fixture := newEngineFixture(t)
	row := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute)})
	now := baseTime.Add(time.Hour)

	claimed, err := fixture.engine.claim(context.Background(), row, now)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if claimed.Status != StatusProcessing || claimed.ExecutionAttempts != 1 {
		t.Fatalf("unexpected claimed row %#v", claimed)
	}
	if _, err := fixture.engine.claim(context.Background(), row, now); !errors.Is(err, apperr.ErrClaimConflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
}

func TestConcurrentSweepsDispatchOnce(t *testing.T) {
	fixture := newEngineFixture(t)
	fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute)})
	fixture.clock.Set(baseTime.Add(time.Hour))
	second, err := NewEngine(EngineConfig{
		Database:   fixture.db,
		Dispatcher: fixture.dispatcher,
		Presence:   fixture.presence,
		IDProvider: &ids.Sequence{Prefix: "other"},
		Clock:      fixture.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create second engine: %v", err)
	}

	var wg sync.WaitGroup
	for _, engine := range []*Engine{fixture.engine, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Sweep(context.Background())
		}()
	}
	wg.Wait()
	if fixture.dispatcher.count() != 1 {
		t.Fatalf("expected a single dispatch, got %d", fixture.dispatcher.count())
	}
}

func TestCancel(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	row := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Hour)})

	if err := fixture.engine.Cancel(ctx, "intruder", row.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := fixture.engine.Cancel(ctx, "owner", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := fixture.engine.Cancel(ctx, "owner", row.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if fixture.reload(t, row.ID).Status != StatusCancelled {
		t.Fatalf("expected cancelled row")
	}
	if err := fixture.engine.Cancel(ctx, "owner", row.ID); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for terminal row, got %v", err)
	}
	fixture.clock.Set(baseTime.Add(2 * time.Hour))
	fixture.sweep(t)
	if fixture.dispatcher.count() != 0 {
		t.Fatalf("cancelled rows must not dispatch")
	}
}

func TestCancelOnBehalfOfAnotherUser(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	row := fixture.schedule(t, ScheduleRequest{UserID: "guest", CreatedBy: "host", ScheduledTime: baseTime.Add(time.Hour)})
	if row.UserID != "guest" || row.CreatedBy != "host" {
		t.Fatalf("unexpected ownership %q/%q", row.UserID, row.CreatedBy)
	}
	if !row.VisibleTo("guest") || !row.VisibleTo("host") || row.VisibleTo("intruder") || row.VisibleTo("") {
		t.Fatalf("row must be visible to recipient and creator only")
	}
	if err := fixture.engine.Cancel(ctx, "intruder", row.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := fixture.engine.Cancel(ctx, "host", row.ID); err != nil {
		t.Fatalf("creator cancel failed: %v", err)
	}
	if fixture.reload(t, row.ID).Status != StatusCancelled {
		t.Fatalf("expected cancelled row")
	}

	recipientRow := fixture.schedule(t, ScheduleRequest{UserID: "guest", CreatedBy: "host", ScheduledTime: baseTime.Add(time.Hour)})
	if err := fixture.engine.Cancel(ctx, "guest", recipientRow.ID); err != nil {
		t.Fatalf("recipient cancel failed: %v", err)
	}

	own := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Hour)})
	if own.CreatedBy != "owner" {
		t.Fatalf("creator should default to the recipient, got %q", own.CreatedBy)
	}
}

func TestCleanupRemovesOldTerminalRows(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	expired := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(-time.Hour)})
	pending := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.AddDate(1, 0, 0)})

	fixture.clock.Set(baseTime.AddDate(0, 0, 10))
	report, err := fixture.engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if report.ScheduledRemoved != 0 {
		t.Fatalf("recent terminal rows must be kept, report %#v", report)
	}

	fixture.clock.Set(baseTime.AddDate(0, 0, 31))
	report, err = fixture.engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if report.ScheduledRemoved != 1 || report.NotificationsRemoved != 4 {
		t.Fatalf("unexpected report %#v", report)
	}
	if _, err := fixture.engine.Get(ctx, expired.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected expired row removed, got %v", err)
	}
	if fixture.reload(t, pending.ID).Status != StatusPending {
		t.Fatalf("pending rows must survive cleanup")
	}
	if !fixture.purger.readBefore.Equal(baseTime.AddDate(0, 0, 31).Add(-defaultReadRetention)) {
		t.Fatalf("unexpected purge cutoff %s", fixture.purger.readBefore)
	}
}

func TestStartAndStop(t *testing.T) {
	fixture := newEngineFixture(t)
	fixture.engine.pollInterval = 10 * time.Millisecond
	fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute)})
	fixture.clock.Set(baseTime.Add(time.Hour))

	fixture.engine.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for fixture.dispatcher.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	fixture.engine.Stop()
	fixture.engine.Stop()
	if fixture.dispatcher.count() != 1 {
		t.Fatalf("expected background sweep to dispatch once, got %d", fixture.dispatcher.count())
	}
}

func TestRecoverRequeuesInterruptedRows(t *testing.T) {
	fixture := newEngineFixture(t)
	ctx := context.Background()
	retry := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute)})
	exhausted := fixture.schedule(t, ScheduleRequest{ScheduledTime: baseTime.Add(time.Minute), MaxExecutionAttempts: 1})
	for _, row := range []ScheduledNotification{retry, exhausted} {
		if _, err := fixture.engine.claim(ctx, row, baseTime.Add(2*time.Minute)); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
	}

	fixture.clock.Set(baseTime.Add(5 * time.Minute))
	if recovered, err := fixture.engine.Recover(ctx); err != nil || recovered != 0 {
		t.Fatalf("fresh processing rows must be left alone, got %d (%v)", recovered, err)
	}

	fixture.clock.Set(baseTime.Add(time.Hour))
	recovered, err := fixture.engine.Recover(ctx)
	if err != nil || recovered != 2 {
		t.Fatalf("expected two recovered rows, got %d (%v)", recovered, err)
	}
	if stored := fixture.reload(t, retry.ID); stored.Status != StatusPending || stored.ExecutionAttempts != 1 {
		t.Fatalf("expected requeued row, got %#v", stored)
	}
	if stored := fixture.reload(t, exhausted.ID); stored.Status != StatusFailed {
		t.Fatalf("expected exhausted row failed, got %#v", stored)
	}
}
