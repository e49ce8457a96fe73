package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
)

func dispatchInApp(t *testing.T, fixture dispatchFixture, title string) string {
	t.Helper()
	result, err := fixture.dispatcher.Dispatch(context.Background(), "recipient", Draft{Title: title}, []Channel{InApp{}, Email{}})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	return result.NotificationID
}

func TestUnreadCountIsCachedAndInvalidated(t *testing.T) {
	fixture := newDispatchFixture(t, true)
	ctx := context.Background()
	first := dispatchInApp(t, fixture, "one")
	dispatchInApp(t, fixture, "two")

	count, err := fixture.inbox.UnreadCount(ctx, "recipient")
	if err != nil || count != 2 {
		t.Fatalf("expected two unread, got %d (%v)", count, err)
	}
	if cached, err := fixture.redis.Get(unreadKeyPrefix + "recipient"); err != nil || cached != "2" {
		t.Fatalf("expected cached count, got %q (%v)", cached, err)
	}

	if _, err := fixture.inbox.MarkRead(ctx, "recipient", first); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if fixture.redis.Exists(unreadKeyPrefix + "recipient") {
		t.Fatalf("expected cache invalidated after mark read")
	}
	count, err = fixture.inbox.UnreadCount(ctx, "recipient")
	if err != nil || count != 1 {
		t.Fatalf("expected one unread, got %d (%v)", count, err)
	}
}

func TestInboxTransitionsCheckOwnership(t *testing.T) {
	fixture := newDispatchFixture(t, false)
	ctx := context.Background()
	id := dispatchInApp(t, fixture, "mine")

	if _, err := fixture.inbox.MarkRead(ctx, "intruder", id); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := fixture.inbox.MarkRead(ctx, "recipient", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	view, err := fixture.inbox.MarkRead(ctx, "recipient", id)
	if err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if view.Status != StatusRead || view.ReadAt == nil {
		t.Fatalf("unexpected view %#v", view)
	}
	archived, err := fixture.inbox.Archive(ctx, "recipient", id)
	if err != nil || archived.Status != StatusArchived {
		t.Fatalf("archive failed: %#v (%v)", archived, err)
	}
	if err := fixture.inbox.Delete(ctx, "recipient", id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	views, err := fixture.inbox.List(ctx, "recipient", "", 10)
	if err != nil || len(views) != 0 {
		t.Fatalf("deleted notifications must be hidden, got %#v (%v)", views, err)
	}
	if _, err := fixture.inbox.Archive(ctx, "recipient", id); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected deleted notification to be unknown, got %v", err)
	}
}

func TestMarkAllReadAndListByStatus(t *testing.T) {
	fixture := newDispatchFixture(t, false)
	ctx := context.Background()
	for _, title := range []string{"a", "b", "c"} {
		dispatchInApp(t, fixture, title)
	}
	changed, err := fixture.inbox.MarkAllRead(ctx, "recipient")
	if err != nil || changed != 3 {
		t.Fatalf("expected three changed, got %d (%v)", changed, err)
	}
	unread, err := fixture.inbox.List(ctx, "recipient", StatusUnread, 10)
	if err != nil || len(unread) != 0 {
		t.Fatalf("expected no unread, got %#v (%v)", unread, err)
	}
	read, err := fixture.inbox.List(ctx, "recipient", StatusRead, 2)
	if err != nil || len(read) != 2 {
		t.Fatalf("expected limited read list, got %#v (%v)", read, err)
	}
	if _, err := fixture.inbox.List(ctx, "recipient", "bogus", 10); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for status, got %v", err)
	}
}

func TestMarkDeliveredUpdatesRequestedChannelOnly(t *testing.T) {
	fixture := newDispatchFixture(t, false)
	ctx := context.Background()
	id := dispatchInApp(t, fixture, "receipt")

	view, err := fixture.inbox.MarkDelivered(ctx, "recipient", id, ChannelEmail)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if state := view.Delivery[ChannelEmail]; !state.Delivered || state.DeliveredAt == nil || !state.Sent {
		t.Fatalf("unexpected email delivery state %#v", state)
	}
	view, err = fixture.inbox.MarkDelivered(ctx, "recipient", id, ChannelSMS)
	if err != nil {
		t.Fatalf("mark delivered for unrequested channel failed: %v", err)
	}
	if _, present := view.Delivery[ChannelSMS]; present {
		t.Fatalf("unrequested channel must not appear in delivery map")
	}
	stored := fixture.load(t, id)
	if !stored.Delivery.Data()[ChannelEmail].Delivered {
		t.Fatalf("expected persisted delivery receipt")
	}
}

func TestPurgeRemovesOldReadAndExpiredNotifications(t *testing.T) {
	fixture := newDispatchFixture(t, false)
	ctx := context.Background()
	oldRead := dispatchInApp(t, fixture, "old")
	keep := dispatchInApp(t, fixture, "keep")
	expiring := dispatchInApp(t, fixture, "expiring")

	if _, err := fixture.inbox.MarkRead(ctx, "recipient", oldRead); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	past := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := fixture.db.Model(&Notification{}).Where("id = ?", expiring).Update("expires_at", past).Error; err != nil {
		t.Fatalf("failed to expire notification: %v", err)
	}

	removed, err := fixture.inbox.Purge(ctx, time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected two removed, got %d", removed)
	}
	var remaining []Notification
	fixture.db.Find(&remaining)
	if len(remaining) != 1 || remaining[0].ID != keep {
		t.Fatalf("unexpected remaining notifications %#v", remaining)
	}
}
