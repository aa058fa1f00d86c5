// Package notify records delivery outcomes and coalesces them into per-owner
// digest batches instead of one message per post.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"postpilot/internal/models"
	"postpilot/internal/queue"
	"postpilot/internal/telemetry"
)

// Store is the persistence surface the batcher needs.
type Store interface {
	InsertNotification(ctx context.Context, n models.Notification) (models.Notification, error)
	AppendToBatch(ctx context.Context, ownerID, kind, bucketKey, notificationID string) error
	ClaimUnsentBatches(ctx context.Context, ownerID, kind string, cutoff time.Time) ([]models.Notification, error)
	ListNotifications(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id, ownerID string) (bool, error)
}

// FlushQueue schedules the delayed flush task.
type FlushQueue interface {
	Schedule(ctx context.Context, task queue.Task, runAt time.Time) error
}

// Sender delivers one composed digest to the owner's channel.
type Sender interface {
	Send(ctx context.Context, ownerID, subject, body string) error
}

// Batcher groups notifications of one kind for one owner into fixed time
// buckets and sends a single digest per bucket.
type Batcher struct {
	store  Store
	queue  FlushQueue
	sender Sender
	window time.Duration
	grace  time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

// New builds a batcher. Zero window defaults to 5 minutes, zero grace to 10
// seconds.
func New(store Store, q FlushQueue, sender Sender, window, grace time.Duration, log zerolog.Logger) *Batcher {
	if window == 0 {
		window = 5 * time.Minute
	}
	if grace == 0 {
		grace = 10 * time.Second
	}
	return &Batcher{
		store:  store,
		queue:  q,
		sender: sender,
		window: window,
		grace:  grace,
		log:    log,
		now:    time.Now,
	}
}

// WithClock overrides the batcher's clock. Used by tests.
func (b *Batcher) WithClock(now func() time.Time) *Batcher {
	b.now = now
	return b
}

// Record persists the notification, folds it into the current bucket's
// batch, and schedules a flush for when the bucket closes. Every record
// schedules its own flush task; the claim in HandleFlush makes the extras
// no-ops.
func (b *Batcher) Record(ctx context.Context, n models.Notification) error {
	now := b.now().UTC()
	n.CreatedAt = now
	persisted, err := b.store.InsertNotification(ctx, n)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	bucket := bucketKey(n.Kind, now, b.window)
	if err := b.store.AppendToBatch(ctx, n.OwnerID, n.Kind, bucket, persisted.ID); err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}
	telemetry.NotificationsBatched.Inc()

	task := queue.Task{
		Kind: queue.KindFlushNotify,
		Ref:  flushRef(n.OwnerID, n.Kind),
	}
	if err := b.queue.Schedule(ctx, task, now.Add(b.window+b.grace)); err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	return nil
}

// PostSucceeded records a success outcome for a delivered post.
func (b *Batcher) PostSucceeded(ctx context.Context, post models.Post) error {
	meta := map[string]string{"post_id": post.ID, "destination": post.Destination}
	message := fmt.Sprintf("%q went live on %s", post.ContentID, post.Destination)
	if post.DestinationURL != nil {
		meta["url"] = *post.DestinationURL
		message += " at " + *post.DestinationURL
	}
	return b.Record(ctx, models.Notification{
		OwnerID: post.OwnerID,
		Kind:    models.NotifyPostSuccess,
		Title:   fmt.Sprintf("Posted to %s", post.Destination),
		Message: message,
		Meta:    meta,
	})
}

// PostFailed records a terminal failure outcome.
func (b *Batcher) PostFailed(ctx context.Context, post models.Post, reason string) error {
	return b.Record(ctx, models.Notification{
		OwnerID: post.OwnerID,
		Kind:    models.NotifyPostFailure,
		Title:   fmt.Sprintf("Post to %s failed", post.Destination),
		Message: fmt.Sprintf("%q could not be posted to %s: %s", post.ContentID, post.Destination, reason),
		Meta:    map[string]string{"post_id": post.ID, "destination": post.Destination},
	})
}

// HandleFlush is the queue handler for flush tasks. It claims every unsent
// batch older than the window for the (owner, kind) and sends one digest.
// A flush whose batches were already claimed sends nothing.
func (b *Batcher) HandleFlush(ctx context.Context, task queue.Task) error {
	ownerID, kind, err := parseFlushRef(task.Ref)
	if err != nil {
		b.log.Error().Err(err).Str("ref", task.Ref).Msg("bad flush task ref")
		return nil
	}

	cutoff := b.now().UTC().Add(-b.window)
	notifications, err := b.store.ClaimUnsentBatches(ctx, ownerID, kind, cutoff)
	if err != nil {
		return fmt.Errorf("claim batches: %w", err)
	}
	if len(notifications) == 0 {
		return nil
	}

	subject := digestSubject(kind, len(notifications))
	body := digestBody(notifications)
	// Batches are already marked sent; a send failure is logged, not
	// redelivered, so the owner never sees the same digest twice.
	if err := b.sender.Send(ctx, ownerID, subject, body); err != nil {
		b.log.Error().Err(err).Str("owner_id", ownerID).Str("kind", kind).Msg("digest send failed")
		return nil
	}
	telemetry.BatchesFlushed.Inc()
	b.log.Info().
		Str("owner_id", ownerID).
		Str("kind", kind).
		Int("notifications", len(notifications)).
		Msg("digest sent")
	return nil
}

// List returns the owner's notifications, newest first.
func (b *Batcher) List(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	return b.store.ListNotifications(ctx, ownerID, unreadOnly, limit)
}

// MarkRead marks one of the owner's notifications read.
func (b *Batcher) MarkRead(ctx context.Context, id, ownerID string) (bool, error) {
	return b.store.MarkNotificationRead(ctx, id, ownerID)
}

// bucketKey floors now to the window so every event inside the same window
// lands in the same batch row.
func bucketKey(kind string, now time.Time, window time.Duration) string {
	return kind + ":" + now.Truncate(window).Format(time.RFC3339)
}

// flushRef carries owner and kind plus a unique suffix so each scheduled
// flush is a distinct queue member.
func flushRef(ownerID, kind string) string {
	return ownerID + "|" + kind + "|" + uuid.New().String()
}

func parseFlushRef(ref string) (ownerID, kind string, err error) {
	parts := strings.SplitN(ref, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed flush ref %q", ref)
	}
	return parts[0], parts[1], nil
}

func digestSubject(kind string, count int) string {
	switch kind {
	case models.NotifyPostSuccess:
		if count == 1 {
			return "1 post published"
		}
		return fmt.Sprintf("%d posts published", count)
	case models.NotifyPostFailure:
		if count == 1 {
			return "1 post failed"
		}
		return fmt.Sprintf("%d posts failed", count)
	default:
		return fmt.Sprintf("%d notifications", count)
	}
}

func digestBody(notifications []models.Notification) string {
	var sb strings.Builder
	for _, n := range notifications {
		sb.WriteString("- ")
		sb.WriteString(n.Title)
		if n.Message != "" {
			sb.WriteString(": ")
			sb.WriteString(n.Message)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
